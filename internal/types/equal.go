package types

import (
	"bytes"
	"encoding/json"
	"reflect"

	"github.com/google/go-cmp/cmp"
)

// Equal reports whether a and b are structurally equal once reduced to their
// JSON data model. Map key order and numeric representation (int vs float)
// do not matter. Values that cannot be encoded fall back to reflect.DeepEqual.
func Equal(a, b any) bool {
	na, errA := canonical(a)
	nb, errB := canonical(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	return cmp.Equal(na, nb, numberComparer)
}

// Diff returns a human-readable structural diff between a and b, or the
// empty string when they are Equal.
func Diff(a, b any) string {
	na, errA := canonical(a)
	nb, errB := canonical(b)
	if errA != nil || errB != nil {
		if reflect.DeepEqual(a, b) {
			return ""
		}
		return "values differ (not comparable as JSON)"
	}
	return cmp.Diff(na, nb, numberComparer)
}

// numberComparer treats 1, 1.0 and 1e0 as the same number.
var numberComparer = cmp.Comparer(func(x, y json.Number) bool {
	fx, errX := x.Float64()
	fy, errY := y.Float64()
	if errX != nil || errY != nil {
		return x == y
	}
	return fx == fy
})

func canonical(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
