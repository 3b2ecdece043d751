package syncclient

import "github.com/aggregat4/tasklist-sync/internal/crdt"

// bootstrapResponse is GET /sync/bootstrap's body (spec §6).
type bootstrapResponse struct {
	DatasetGenerationKey string    `json:"datasetGenerationKey"`
	Snapshot             string    `json:"snapshot"`
	Ops                  []crdt.Op `json:"ops"`
	ServerSeq            int64     `json:"serverSeq"`
}

// pushRequest is POST /sync/push's body.
type pushRequest struct {
	ClientID             string    `json:"clientId"`
	DatasetGenerationKey string    `json:"datasetGenerationKey"`
	Ops                  []crdt.Op `json:"ops"`
}

// pushResponse is the 200 body for POST /sync/push.
type pushResponse struct {
	ServerSeq            int64  `json:"serverSeq"`
	DatasetGenerationKey string `json:"datasetGenerationKey"`
}

// generationMismatch is the 409 body shared by /sync/push and /sync/reset.
type generationMismatch struct {
	DatasetGenerationKey string `json:"datasetGenerationKey"`
}

// pullResponse is GET /sync/pull's body.
type pullResponse struct {
	Ops                  []crdt.Op `json:"ops"`
	ServerSeq            int64     `json:"serverSeq"`
	DatasetGenerationKey string    `json:"datasetGenerationKey"`
}

// resetRequest is POST /sync/reset's body.
type resetRequest struct {
	ClientID             string `json:"clientId"`
	DatasetGenerationKey string `json:"datasetGenerationKey"`
	Snapshot             string `json:"snapshot"`
}
