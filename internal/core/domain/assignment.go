package domain

type AssignmentOp string

const (
	OpAdd    AssignmentOp = "add"
	OpRemove AssignmentOp = "remove"
)

// ItemResult records the outcome of one per-document edge write.
type ItemResult struct {
	UserID   UserID       `json:"user_id,omitempty"`
	StreamID StreamID     `json:"stream_id,omitempty"`
	Op       AssignmentOp `json:"op"`
	Written  bool         `json:"written"`
	Err      error        `json:"-"`
	Error    string       `json:"error,omitempty"`
}

type SyncReport struct {
	StreamID       StreamID     `json:"stream_id,omitempty"`
	UserID         UserID       `json:"user_id,omitempty"`
	Added          []UserID     `json:"added"`
	Removed        []UserID     `json:"removed"`
	PrimaryWritten bool         `json:"primary_written"`
	Results        []ItemResult `json:"results"`
}

func (r *SyncReport) Failed() []ItemResult {
	var failed []ItemResult
	for _, res := range r.Results {
		if res.Err != nil {
			failed = append(failed, res)
		}
	}
	return failed
}

// Err is nil when every item succeeded, otherwise a *PartialSyncError.
func (r *SyncReport) Err() error {
	if failed := r.Failed(); len(failed) > 0 {
		return &PartialSyncError{Failed: failed}
	}
	return nil
}

type ReconcileReport struct {
	StreamsScanned int          `json:"streams_scanned"`
	UpdatedCount   int          `json:"updated_count"`
	Failed         []ItemResult `json:"failed"`
}

// Edge is one side of an assignment pair.
type Edge struct {
	UserID   UserID   `json:"user_id"`
	StreamID StreamID `json:"stream_id"`
}

type AuditReport struct {
	// MissingOnUser: the stream lists the user but the user lacks the stream.
	MissingOnUser []Edge `json:"missing_on_user"`
	// StaleOnUser: the user lists a stream that is gone or does not list the user.
	StaleOnUser []Edge `json:"stale_on_user"`
	// DanglingOnStream: the stream lists a user that does not exist.
	DanglingOnStream []Edge `json:"dangling_on_stream"`
}

func (r *AuditReport) Consistent() bool {
	return len(r.MissingOnUser) == 0 && len(r.StaleOnUser) == 0 && len(r.DanglingOnStream) == 0
}
