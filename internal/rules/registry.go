package rules

// Registry is an ordered, read-only table of rules keyed by entity.
// It is safe for concurrent use once constructed.
type Registry struct {
	ordered []Rule
	byName  map[string]int
}

// NewRegistry builds a registry from rules in the given order.
// Panics if two rules share an entity.
func NewRegistry(rules ...Rule) *Registry {
	r := &Registry{
		ordered: make([]Rule, 0, len(rules)),
		byName:  make(map[string]int, len(rules)),
	}
	for _, rule := range rules {
		if _, exists := r.byName[rule.Entity]; exists {
			panic("conflict rule already registered: " + rule.Entity)
		}
		r.byName[rule.Entity] = len(r.ordered)
		r.ordered = append(r.ordered, rule)
	}
	return r
}

// Get returns the rule for entity. The boolean reports whether one exists.
func (r *Registry) Get(entity string) (Rule, bool) {
	if r == nil {
		return Rule{}, false
	}
	i, ok := r.byName[entity]
	if !ok {
		return Rule{}, false
	}
	return r.ordered[i], true
}

// Has reports whether a rule exists for entity.
func (r *Registry) Has(entity string) bool {
	_, ok := r.Get(entity)
	return ok
}

// Rules returns all rules in registration order.
func (r *Registry) Rules() []Rule {
	if r == nil {
		return nil
	}
	return append([]Rule(nil), r.ordered...)
}

// Entities returns the entity names in registration order.
func (r *Registry) Entities() []string {
	if r == nil {
		return nil
	}
	names := make([]string, len(r.ordered))
	for i, rule := range r.ordered {
		names[i] = rule.Entity
	}
	return names
}

// Len returns the number of rules.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.ordered)
}
