// Package inference orchestrates the life cycle of remote inference runs:
// submission, status polling, result retrieval, and cleanup of transient
// uploads. The remote compute service is the sole source of truth for run
// state; nothing here is persisted between requests.
package inference

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/radshift/inference-api/internal/model"
)

// Status is the caller-visible status of a run.
type Status string

const (
	// StatusInProgress covers queued and running remote states.
	StatusInProgress Status = "in-progress"
	// StatusComplete means the run finished and results are available.
	StatusComplete Status = "complete"
	// StatusFailed means the remote run terminated with an error.
	StatusFailed Status = "failed"
	// StatusNotFound means the remote service has no record of the run id.
	StatusNotFound Status = "not-found"
)

// RunState is the lifecycle state reported by the remote compute service.
type RunState string

const (
	RunStateQueued    RunState = "queued"
	RunStateRunning   RunState = "running"
	RunStateCompleted RunState = "completed"
	RunStateFailed    RunState = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s RunState) Terminal() bool {
	return s == RunStateCompleted || s == RunStateFailed
}

// CallerStatus maps a remote lifecycle state to the caller-visible status.
func CallerStatus(state RunState) Status {
	switch state {
	case RunStateCompleted:
		return StatusComplete
	case RunStateFailed:
		return StatusFailed
	default:
		return StatusInProgress
	}
}

// ErrRunNotFound is returned when the remote service has no record of a run.
var ErrRunNotFound = errors.New("run not found")

// RunRequest carries everything the remote compute service needs to execute a
// dispatched run.
type RunRequest struct {
	RunID    string
	Model    model.Reference
	InputURI string
	Cluster  string
}

// RunInfo is the per-request reconstruction of a run from the remote record.
type RunInfo struct {
	RunID       string
	Model       string
	State       RunState
	SubmittedAt time.Time
}

// ComputeService is the boundary to the remote platform that executes runs.
type ComputeService interface {
	// SubmitRun dispatches a run. It is never retried; a duplicate dispatch
	// would create an orphan remote run.
	SubmitRun(ctx context.Context, req RunRequest) error
	// RunInfo queries the live state of a run. Returns ErrRunNotFound for
	// unknown run ids. Safe to retry.
	RunInfo(ctx context.Context, runID string) (RunInfo, error)
	// OpenResult streams the completed run's output archive.
	OpenResult(ctx context.Context, runID string) (io.ReadCloser, error)
}

// BlobStore writes transient artifacts to the configured datastore.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher emits run lifecycle notifications. Best effort only.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator allocates run identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// RetryPolicy decides whether and when to retry idempotent upstream calls.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// RunEvent is the payload published on lifecycle transitions.
type RunEvent struct {
	RunID string    `json:"run_id"`
	Model string    `json:"model"`
	Phase string    `json:"phase"`
	At    time.Time `json:"at"`
}
