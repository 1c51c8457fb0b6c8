// Package progress turns the event stream of one transfer job into display
// state that any presentation layer can poll or subscribe to.
package progress

import (
	"sync"

	"github.com/franksops/gobucket/size"
)

// CompleteLabel is shown once every item of a job has been transferred.
const CompleteLabel = "Transfer complete"

// State is a point-in-time view of one job's progress.
type State struct {
	JobID int
	// Item is the index of the current top-level item.
	Item int
	// Items is the number of top-level items in the job.
	Items int
	// FilesDone counts files transferred so far, across all items.
	FilesDone int

	// Name and Label describe the file currently being sent.
	Name  string
	Label string

	// Value and Max are in steps of the current item's size unit. For a
	// directory item Value accumulates across its files.
	Value int64
	Max   int64

	// DeclaredBytes is the sum of the declared sizes of the items known so
	// far. Items the worker has not sized yet do not contribute.
	DeclaredBytes int64

	Failed        bool
	Error         string
	RetryEnabled  bool
	CancelEnabled bool
	Acknowledge   bool
	Done          bool
}

// Percent returns Value as a fraction of Max in [0, 1].
func (s State) Percent() float64 {
	if s.Max <= 0 {
		if s.Done {
			return 1
		}
		return 0
	}
	return float64(s.Value) / float64(s.Max)
}

// Observer accumulates progress for a single job. Event methods are called
// from the job's worker goroutine; State may be read from any goroutine.
type Observer struct {
	mu    sync.Mutex
	sizes []size.Size
	// declared holds each item's byte count, -1 until the item is sized.
	declared []int64
	unit     size.Size
	// itemBase is the item's value before the current file; fileValue is
	// the current file's share.
	itemBase  int64
	fileValue int64
	state     State
	onChange  func(State)
}

// New creates an Observer for a job of items top-level items. sizes holds
// caller-supplied declared sizes and may be nil; unsized items get their
// size from ItemStarted.
func New(jobID, items int, sizes []size.Size) *Observer {
	o := &Observer{
		declared: make([]int64, items),
		state: State{
			JobID:         jobID,
			Items:         items,
			CancelEnabled: true,
		},
	}
	if len(sizes) == items {
		o.sizes = sizes
	}
	for i := range o.declared {
		o.declared[i] = -1
		if o.sizes != nil {
			o.declared[i] = o.sizes[i].Bytes
		}
	}
	o.state.DeclaredBytes = o.declaredBytes()
	if items > 0 {
		o.setItemLocked(&o.state, 0)
	}
	return o
}

// OnChange registers fn to receive a snapshot after every state change. It
// is called on the worker goroutine and must not block.
func (o *Observer) OnChange(fn func(State)) {
	o.mu.Lock()
	o.onChange = fn
	o.mu.Unlock()
}

// State returns a snapshot of the current progress.
func (o *Observer) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// ItemStarted makes item current with its declared size. Max and the size
// unit stay fixed until the item is done.
func (o *Observer) ItemStarted(item int, sz size.Size) {
	o.update(func(s *State) {
		if item >= 0 && item < len(o.declared) {
			o.declared[item] = sz.Bytes
		}
		s.DeclaredBytes = o.declaredBytes()
		o.unit = sz
		o.itemBase = 0
		o.fileValue = 0
		s.Item = item
		s.Name = ""
		s.Value = 0
		s.Max = sz.Max()
		s.Label = sz.String()
	})
}

// FileStarted points the display at a file that is about to be sent. A
// file other than the current one starts a new share on top of the item's
// accumulated value.
func (o *Observer) FileStarted(item int, name string, sz size.Size) {
	o.update(func(s *State) {
		if item != s.Item || name != s.Name {
			o.itemBase = s.Value
			o.fileValue = 0
		}
		s.Item = item
		s.Name = name
		s.Label = sz.String()
	})
}

// FileOffset resets the current file's share to n bytes. It is reported
// when a retried upload resumes at n, or starts over at 0.
func (o *Observer) FileOffset(n int64) {
	o.update(func(s *State) {
		o.fileValue = o.unit.Scaled(n)
		s.Value = min(o.itemBase+o.fileValue, s.Max)
	})
}

// BytesTransferred adds one chunk to the current value. Rounding happens
// per chunk, so the total may drift from the exact byte count.
func (o *Observer) BytesTransferred(n int64) {
	o.update(func(s *State) {
		o.fileValue += o.unit.Scaled(n)
		s.Value = min(o.itemBase+o.fileValue, s.Max)
	})
}

// FileTransferred records a finished file. When itemDone is set the next
// item becomes current, or the job enters its terminal state if this was
// the last one.
func (o *Observer) FileTransferred(item int, name, formatted string, itemDone bool) {
	o.update(func(s *State) {
		s.FilesDone++
		s.Failed = false
		s.Error = ""
		s.RetryEnabled = false
		s.Name = name
		s.Label = formatted

		if !itemDone {
			o.itemBase = s.Value
			o.fileValue = 0
			return
		}
		if item+1 >= s.Items {
			o.complete(s)
			return
		}
		o.setItemLocked(s, item+1)
	})
}

// Failed flags the job as paused on an error. Progress numbers are kept so
// a resumed retry continues from where the display left off.
func (o *Observer) Failed(err error) {
	o.update(func(s *State) {
		s.Failed = true
		s.RetryEnabled = true
		if err != nil {
			s.Error = err.Error()
		}
	})
}

// JobCompleted forces the terminal state.
func (o *Observer) JobCompleted() {
	o.update(o.complete)
}

func (o *Observer) complete(s *State) {
	s.Value = s.Max
	s.Label = CompleteLabel
	s.Failed = false
	s.Error = ""
	s.RetryEnabled = false
	s.CancelEnabled = false
	s.Acknowledge = true
	s.Done = true
}

// setItemLocked makes item i current. Without a supplied size Max stays 0
// until ItemStarted arrives.
func (o *Observer) setItemLocked(s *State, i int) {
	o.itemBase = 0
	o.fileValue = 0
	s.Item = i
	s.Name = ""
	s.Value = 0
	if o.sizes == nil {
		o.unit = size.Size{}
		s.Max = 0
		s.Label = ""
		return
	}
	sz := o.sizes[i]
	o.unit = sz
	s.Max = sz.Max()
	s.Label = sz.String()
}

func (o *Observer) declaredBytes() int64 {
	var total int64
	for _, b := range o.declared {
		if b > 0 {
			total += b
		}
	}
	return total
}

func (o *Observer) update(fn func(*State)) {
	o.mu.Lock()
	if o.state.Done {
		o.mu.Unlock()
		return
	}
	fn(&o.state)
	snap := o.state
	notify := o.onChange
	o.mu.Unlock()

	if notify != nil {
		notify(snap)
	}
}
