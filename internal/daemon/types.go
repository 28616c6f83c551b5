package daemon

// StatusResponse is returned by GET /v1/status: the running engine's
// role, lifecycle state, and the occupancy of its Storage/Buffer/
// replica-set/neighbor-table collaborators (spec.md §6).
type StatusResponse struct {
	NodeID        string `json:"node_id"`
	Version       string `json:"version"`
	UptimeSeconds int    `json:"uptime_seconds"`
	Role          string `json:"role"`
	State         string `json:"state"`
	StorageLen    int    `json:"storage_len"`
	BufferLen     int    `json:"buffer_len"`
	ReplicaCount  int    `json:"replica_count"`
	NeighborCount int    `json:"neighbor_count"`
}

// SaveRequest is the body for POST /v1/save: one DataItem to place
// into Storage and disseminate (spec.md §4.B/§4.C).
type SaveRequest struct {
	ID      uint64 `json:"id"`
	Payload []byte `json:"payload"`
}

// SaveResponse is returned by POST /v1/save. StoredLocally is false
// when this node itself had no free Storage slot — dissemination to
// other nodes still runs regardless (spec.md §6's Save semantics).
type SaveResponse struct {
	StoredLocally bool `json:"stored_locally"`
}

// LookupRequest is the body for POST /v1/lookup (spec.md §4.G).
type LookupRequest struct {
	ID uint64 `json:"id"`
}

// LookupResponse is returned by POST /v1/lookup. Found is false when
// request_timeout elapsed with no Response.
type LookupResponse struct {
	Found   bool   `json:"found"`
	ID      uint64 `json:"id"`
	Payload []byte `json:"payload,omitempty"`
}

// FreeSpaceResponse is returned by GET /v1/free_space.
type FreeSpaceResponse struct {
	Free int `json:"free"`
}

// ErrorResponse is returned on failure.
type ErrorResponse struct {
	Error string `json:"error"`
}

// DataResponse wraps a successful response.
type DataResponse struct {
	Data any `json:"data"`
}
