package xm

type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusRunning:
		return "RUNNING"
	case StatusCompleted:
		return "COMPLETED"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

func (s Status) IsCompleted() bool {
	return s == StatusCompleted
}

func (s Status) IsFailed() bool {
	return s == StatusFailed
}

func (s Status) IsTerminal() bool {
	return s.IsCompleted() || s.IsFailed()
}

// Combine folds the statuses of co-launched jobs into one: any failure fails the
// group, the group completes only once every member has.
func Combine(statuses ...Status) Status {
	if len(statuses) == 0 {
		return StatusPending
	}
	completed, running := 0, 0
	for _, s := range statuses {
		switch s {
		case StatusFailed:
			return StatusFailed
		case StatusCompleted:
			completed++
		case StatusRunning:
			running++
		}
	}
	switch {
	case completed == len(statuses):
		return StatusCompleted
	case running > 0 || completed > 0:
		return StatusRunning
	default:
		return StatusPending
	}
}
