package engine

import (
	"fmt"

	"github.com/franksops/gobucket/size"
)

// EventKind identifies what happened in a worker.
type EventKind int

const (
	FileStarted EventKind = iota
	FileTransferred
	BytesTransferred
	Failed
	JobCompleted
	ItemStarted
	FileOffset
)

func (k EventKind) String() string {
	switch k {
	case FileStarted:
		return "file-started"
	case FileTransferred:
		return "file-transferred"
	case BytesTransferred:
		return "bytes-transferred"
	case Failed:
		return "failed"
	case JobCompleted:
		return "job-completed"
	case ItemStarted:
		return "item-started"
	case FileOffset:
		return "file-offset"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is emitted by a worker on its own goroutine. Which fields are set
// depends on Kind:
//
//	ItemStarted       Item, LocalPath, Size (declared size of the whole item)
//	FileStarted       Item, Name, LocalPath, Size
//	FileOffset        Item, Name, Bytes (already stored when a retry resumes; 0 when it starts over)
//	FileTransferred   Item, Name, LocalPath, Size, FormattedSize, ItemDone
//	BytesTransferred  Bytes (this chunk only, not a running total)
//	Failed            Item, Name, LocalPath, Err
//	JobCompleted      nothing beyond the job fields
type Event struct {
	JobID     int
	Kind      EventKind
	Direction Direction
	Bucket    string

	Item          int
	Name          string
	LocalPath     string
	Size          size.Size
	FormattedSize string
	ItemDone      bool

	Bytes int64
	Err   error
}

// Subscriber receives the events of every job in a Registry. HandleEvent is
// called synchronously on the emitting worker's goroutine, so it must not
// block and must not cancel a job.
type Subscriber interface {
	HandleEvent(Event)
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(Event)

func (f SubscriberFunc) HandleEvent(ev Event) { f(ev) }
