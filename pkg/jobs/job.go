package jobs

import "time"

// Kind identifies the analysis a job runs.
type Kind int

const (
	KindCalcium Kind = iota
	KindPerfusion
	KindOverlay
)

// String returns the kind name used in logs and listings.
func (k Kind) String() string {
	switch k {
	case KindCalcium:
		return "calcium"
	case KindPerfusion:
		return "perfusion"
	case KindOverlay:
		return "overlay"
	default:
		return "unknown"
	}
}

// Status is the lifecycle state of a job. Jobs move Pending to Processing to
// exactly one terminal status; terminal jobs never change again.
type Status int

const (
	StatusPending Status = iota
	StatusProcessing
	StatusCompleted
	StatusFailed
	StatusCancelled
)

// String returns the status name used in logs and listings.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusProcessing:
		return "processing"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Job is an immutable snapshot of a job's state. Poll and List return
// copies; mutating a snapshot has no effect on the store.
type Job struct {
	ID         string
	Kind       Kind
	Status     Status
	DatasetRef string

	// Progress is the completion fraction in [0, 1]. It only moves
	// forward and reaches 1 exactly when the job completes.
	Progress float64

	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	// Result carries the analysis output once Status is StatusCompleted,
	// nil otherwise. The concrete type depends on Kind.
	Result any

	// Error holds the failure message once Status is StatusFailed.
	Error string
}
