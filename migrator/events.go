package migrator

import "time"

// EventType tags the payload carried by an Event, the tagged-variant shape
// DESIGN NOTES recommends for a systems-language reimplementation of the
// source's named-callback event emitter.
type EventType int

const (
	EventProgress EventType = iota
	EventKeyProcessed
	EventScanComplete
	EventMetrics
	EventSyncPaused
	EventSyncResumed
	EventStopped
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventProgress:
		return "progress"
	case EventKeyProcessed:
		return "keyProcessed"
	case EventScanComplete:
		return "scanComplete"
	case EventMetrics:
		return "metrics"
	case EventSyncPaused:
		return "syncPaused"
	case EventSyncResumed:
		return "syncResumed"
	case EventStopped:
		return "stopped"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// KeyOperation classifies what happened to a key for a keyProcessed event.
type KeyOperation int

const (
	OpUpdate KeyOperation = iota
	OpDelete
	OpExpire
	OpListUpdate
)

func (o KeyOperation) String() string {
	switch o {
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	case OpExpire:
		return "expire"
	case OpListUpdate:
		return "list-update"
	default:
		return "unknown"
	}
}

// Status is the coarse lifecycle status reported in metric snapshots.
type Status int

const (
	StatusRunning Status = iota
	StatusCompleted
	StatusFailed
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "Running"
	case StatusCompleted:
		return "Completed"
	case StatusFailed:
		return "Failed"
	case StatusStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// Event is the single tagged-variant payload emitted on the engine's event
// channel. Only the fields relevant to Type are populated.
type Event struct {
	Type EventType

	// progress / metrics
	Processed uint64
	Total     uint64
	Percent   float64
	Rate      float64
	Bytes     uint64
	Timestamp time.Time
	Status    Status
	Errors    []string

	// keyProcessed
	Key       string
	Operation KeyOperation

	// error
	Err error
}
