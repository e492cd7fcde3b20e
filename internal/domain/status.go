package domain

// DerivedStatus is the public status computed from a session's explicit
// status plus its step records.
type DerivedStatus string

const (
	StatusCompleted  DerivedStatus = "completed"
	StatusFailed     DerivedStatus = "failed"
	StatusCancelled  DerivedStatus = "cancelled"
	StatusRunning    DerivedStatus = "running"
	StatusPending    DerivedStatus = "pending"
	StatusInProgress DerivedStatus = "in_progress"
	StatusUnknown    DerivedStatus = "unknown"
)

// ResolveStatus derives a single status from a session and its steps.
// It is a pure function; the rule order is a fixed contract:
//
//  1. an explicit terminal session status wins verbatim
//  2. any running step  -> running
//  3. any pending step  -> pending
//  4. errors with zero completions -> failed
//  5. at least one completion      -> in_progress
//  6. no steps at all              -> unknown
//
// Rule 5 deliberately outranks rule 4: a session holding both error and
// completed steps reads as in_progress, not failed.
func ResolveStatus(session *Session, steps []*Step) DerivedStatus {
	switch session.Status {
	case SessionCompleted:
		return StatusCompleted
	case SessionFailed:
		return StatusFailed
	case SessionCancelled:
		return StatusCancelled
	}

	var running, pending, completed, errored int
	for _, st := range steps {
		switch st.Status {
		case StepRunning:
			running++
		case StepPending:
			pending++
		case StepCompleted:
			completed++
		case StepError:
			errored++
		}
	}

	switch {
	case running > 0:
		return StatusRunning
	case pending > 0:
		return StatusPending
	case errored > 0 && completed == 0:
		return StatusFailed
	case completed > 0:
		return StatusInProgress
	default:
		return StatusUnknown
	}
}
