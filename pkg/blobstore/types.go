package blobstore

import "time"

// Metadata is the per-blob record written once alongside the body.
type Metadata struct {
	ID        string            `json:"id"`
	Size      int64             `json:"size"`
	CreatedAt time.Time         `json:"created_at"`
	OwnerID   string            `json:"owner_id"`
	OwnerTags map[string]string `json:"owner_tags,omitempty"`
}

// JobStatus enumerates the lifecycle states of a ReplicationJob.
type JobStatus string

const (
	JobPending     JobStatus = "pending"
	JobInProgress  JobStatus = "in_progress"
	JobDelegated   JobStatus = "delegated"
	JobNoOffers    JobStatus = "no_offers"
	JobComplete    JobStatus = "complete"
	JobAbandoned   JobStatus = "abandoned"
)

// Offer is the persisted form of a Resource Offer, merged into the job file
// by the Orchestrator.
type Offer struct {
	RequestID         string  `json:"request_id"`
	OffererID         string  `json:"offerer_id"`
	AvailableSpace    int64   `json:"available_space"`
	EstimatedBandwidth float64 `json:"estimated_bandwidth"`
}

// Assignment is a capability issued to a peer authorising it to accept an
// upload for a specific blob.
type Assignment struct {
	RequestID      string `json:"request_id"`
	AssigneeID     string `json:"assignee_id"`
	BlobID         string `json:"blob_id"`
	CapabilityToken string `json:"capability_token"`
	UploadEndpoint string `json:"upload_endpoint,omitempty"`
}

// AssignmentResult records the outcome of one upload attempt to one
// assignee.
type AssignmentResult struct {
	RequestID  string `json:"request_id"`
	AssigneeID string `json:"assignee_id"`
	BlobID     string `json:"blob_id"`
	Success    bool   `json:"success"`
	Message    string `json:"message,omitempty"`
}

// ReplicationJob is the persistent JSON document recording the state of a
// replication attempt for one blob. It is rewritten atomically on every
// state change (temp file + fsync + rename).
type ReplicationJob struct {
	ID              string             `json:"id"`
	BlobPath        string             `json:"blob_path"`
	MetaPath        string             `json:"meta_path"`
	CreatedAt       time.Time          `json:"created_at"`
	TargetReplicas  int                `json:"target_replicas"`
	MaxAcceptances  int                `json:"max_acceptances"`
	MaxHops         int                `json:"max_hops"`
	Attempts        int                `json:"attempts"`
	Accepted        int                `json:"accepted"`
	Status          JobStatus          `json:"status"`
	OriginID        string             `json:"origin_id"`
	Offers          []Offer            `json:"offers,omitempty"`
	Assignments     []Assignment       `json:"assignments,omitempty"`
	AssignmentResults []AssignmentResult `json:"assignment_results,omitempty"`
}

// JobFileName returns the file name of the job file for the given blob id,
// relative to the store's base directory.
func JobFileName(blobID string) string { return blobID + ".job" }

// BlobFileName returns the file name for a blob body.
func BlobFileName(blobID string) string { return blobID + ".blob" }

// MetaFileName returns the file name for a blob's metadata record.
func MetaFileName(blobID string) string { return blobID + ".meta" }
