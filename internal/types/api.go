package types

// Operations lists the valid queue operations.
var Operations = []string{OperationCreate, OperationUpdate, OperationDelete}

// ResolveRequest is the body of POST /api/v1/resolve.
type ResolveRequest struct {
	DataType        string    `json:"data_type"`
	ID              string    `json:"id"`
	Local           any       `json:"local"`
	Remote          any       `json:"remote"`
	LocalTimestamp  Timestamp `json:"local_timestamp"`
	RemoteTimestamp Timestamp `json:"remote_timestamp"`
	// Strategy is smart, lww, local or remote. Empty means smart.
	Strategy string `json:"strategy,omitempty"`
}

// Resolve strategies accepted by the API and CLI.
const (
	ResolveSmart  = "smart"
	ResolveLWW    = "lww"
	ResolveLocal  = "local"
	ResolveRemote = "remote"
)

// ResolveStrategies lists the valid ResolveRequest strategies.
var ResolveStrategies = []string{ResolveSmart, ResolveLWW, ResolveLocal, ResolveRemote}

// EnqueueRequest is the body of POST /api/v1/queue.
type EnqueueRequest struct {
	Entity    string `json:"entity"`
	Operation string `json:"operation"`
	Data      Record `json:"data"`
}

// SyncRequest is the body of POST /api/v1/sync/trigger.
type SyncRequest struct {
	Tag string `json:"tag"`
}

// CountResponse reports how many items an operation affected.
type CountResponse struct {
	Count int `json:"count"`
}

// RuleSummary describes a registered conflict rule.
type RuleSummary struct {
	Entity                    string   `json:"entity"`
	ProtectedFields           []string `json:"protected_fields"`
	ServerAuthoritativeFields []string `json:"server_authoritative_fields"`
	ManualFields              []string `json:"manual_fields"`
	VersionFields             []string `json:"version_fields"`
	HasValidator              bool     `json:"has_validator"`
}
