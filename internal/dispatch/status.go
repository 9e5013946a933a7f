package dispatch

// Status is the terminal state of a request. Every request completes
// exactly once with one of these.
type Status int32

const (
	StatusPending Status = iota
	StatusSuccess
	StatusCancelled
	StatusFailed
	StatusNotFound
	StatusKeyMissing
	StatusSignatureMismatch
	StatusDecompressFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSuccess:
		return "success"
	case StatusCancelled:
		return "cancelled"
	case StatusFailed:
		return "failed"
	case StatusNotFound:
		return "not found"
	case StatusKeyMissing:
		return "key missing"
	case StatusSignatureMismatch:
		return "signature mismatch"
	case StatusDecompressFailed:
		return "decompress failed"
	default:
		return "unknown"
	}
}

// Done reports whether the status is terminal.
func (s Status) Done() bool { return s != StatusPending }

// Priority orders pending raw-block reads. Within one priority,
// requests complete in enqueue order.
type Priority int32

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	priorityCount
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}
