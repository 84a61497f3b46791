package training

// Status is a canonical lifecycle state.
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusQueued       Status = "QUEUED"
	StatusInitializing Status = "INITIALIZING"
	StatusProcessing   Status = "PROCESSING"
	StatusSampling     Status = "SAMPLING"
	StatusSaving       Status = "SAVING"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
	StatusCancelled    Status = "CANCELLED"
	StatusTimeout      Status = "TIMEOUT"
)

// ActiveStatuses lists every non-terminal status.
var ActiveStatuses = []Status{
	StatusPending,
	StatusQueued,
	StatusInitializing,
	StatusProcessing,
	StatusSampling,
	StatusSaving,
}

// IsTerminal reports whether no further transitions are accepted.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known canonical status.
func (s Status) Valid() bool {
	return s.rank() >= 0
}

// rank orders the forward path. PROCESSING, SAMPLING and SAVING share a rank
// because a running job moves freely between them.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusQueued:
		return 1
	case StatusInitializing:
		return 2
	case StatusProcessing, StatusSampling, StatusSaving:
		return 3
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return 4
	default:
		return -1
	}
}

// CanTransition reports whether moving from s to next follows the state machine.
// Staying in the same status is allowed so heartbeats can carry progress.
func (s Status) CanTransition(next Status) bool {
	if s.IsTerminal() || !next.Valid() {
		return false
	}
	return next.rank() >= s.rank()
}

// providerStatuses maps the compute provider's vocabulary onto canonical statuses.
// Matching is exact; there is no case folding.
var providerStatuses = map[string]Status{
	"queued":       StatusQueued,
	"initializing": StatusInitializing,
	"in-progress":  StatusProcessing,
	"sampling":     StatusSampling,
	"saving":       StatusSaving,
	"completed":    StatusCompleted,
	"failed":       StatusFailed,
	"cancelled":    StatusCancelled,
	"timed-out":    StatusTimeout,
}

// MapProviderStatus translates a provider status code. Unknown or empty codes
// resolve to current and report ok=false.
func MapProviderStatus(code string, current Status) (Status, bool) {
	if s, ok := providerStatuses[code]; ok {
		return s, true
	}
	return current, false
}
