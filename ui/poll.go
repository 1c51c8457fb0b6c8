package ui

import (
	"sort"
	"sync"
	"time"

	"github.com/franksops/gobucket/engine"
	"github.com/franksops/gobucket/progress"
)

// ObserverSource looks up the progress observer of a registered job.
type ObserverSource interface {
	Observer(id int) (*progress.Observer, bool)
}

// Controller is the part of the job registry the UI drives.
type Controller interface {
	ObserverSource
	Jobs() []engine.TransferJob
	Retry(id int) error
	Cancel(id int) error
}

// Stats counts transferred bytes per job. It is registered as a registry
// subscriber and captures each job's observer on its first event, so a job
// that finishes between two polls is still shown.
type Stats struct {
	src ObserverSource

	mu    sync.Mutex
	bytes map[int]int64
	file  map[int]*fileBytes
	total int64
	seen  map[int]*trackedJob
}

// NewStats creates an empty Stats resolving observers through src.
func NewStats(src ObserverSource) *Stats {
	return &Stats{
		src:   src,
		bytes: make(map[int]int64),
		file:  make(map[int]*fileBytes),
		seen:  make(map[int]*trackedJob),
	}
}

// HandleEvent implements engine.Subscriber.
func (s *Stats) HandleEvent(ev engine.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seen[ev.JobID]; !ok {
		// Subscribers run before a completed job is removed, so the
		// observer is still registered here.
		if obs, ok := s.src.Observer(ev.JobID); ok {
			s.seen[ev.JobID] = &trackedJob{
				job:      engine.TransferJob{ID: ev.JobID, Direction: ev.Direction, Bucket: ev.Bucket},
				observer: obs,
			}
		}
	}

	switch ev.Kind {
	case engine.FileStarted:
		f := s.file[ev.JobID]
		if f == nil || f.item != ev.Item || f.name != ev.Name {
			s.file[ev.JobID] = &fileBytes{item: ev.Item, name: ev.Name}
		}
	case engine.FileOffset:
		// A retry that starts over sends the file's bytes again.
		if f := s.file[ev.JobID]; f != nil {
			s.bytes[ev.JobID] += ev.Bytes - f.sent
			f.sent = ev.Bytes
		}
	case engine.BytesTransferred:
		s.bytes[ev.JobID] += ev.Bytes
		s.total += ev.Bytes
		if f := s.file[ev.JobID]; f != nil {
			f.sent += ev.Bytes
		}
	case engine.JobCompleted:
		delete(s.file, ev.JobID)
	}
}

type fileBytes struct {
	item int
	name string
	sent int64
}

// captured returns the jobs seen through events.
func (s *Stats) captured() []trackedJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]trackedJob, 0, len(s.seen))
	for _, tj := range s.seen {
		out = append(out, *tj)
	}
	return out
}

func (s *Stats) get(id int) (int64, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes[id], s.total
}

type trackedJob struct {
	job      engine.TransferJob
	observer *progress.Observer
	lastSeen int64
	lastAt   time.Time
	speed    float64
}

// Poller builds UIState snapshots from a Controller. It keeps the observers
// of jobs that left the registry so completed jobs stay visible until
// dismissed. Poll is not safe for concurrent use.
type Poller struct {
	ctrl  Controller
	stats *Stats
	jobs  map[int]*trackedJob
	// dropped holds cancelled jobs so events captured before the cancel
	// do not bring them back.
	dropped map[int]bool

	lastTotal int64
	lastAt    time.Time
	bpms      float64
}

// NewPoller creates a Poller.
func NewPoller(ctrl Controller, stats *Stats) *Poller {
	return &Poller{
		ctrl:    ctrl,
		stats:   stats,
		jobs:    make(map[int]*trackedJob),
		dropped: make(map[int]bool),
	}
}

// Poll returns the state of every known job at now.
func (p *Poller) Poll(now time.Time) *UIState {
	captured := p.stats.captured()
	active := make(map[int]bool)
	for _, job := range p.ctrl.Jobs() {
		active[job.ID] = true
		if _, ok := p.jobs[job.ID]; ok {
			continue
		}
		obs, ok := p.ctrl.Observer(job.ID)
		if !ok {
			continue
		}
		p.jobs[job.ID] = &trackedJob{job: job, observer: obs, lastAt: now}
	}
	// Jobs that completed and left the registry before this poll. They are
	// read before the registry so a job captured here and still running is
	// in active.
	for _, tj := range captured {
		if _, ok := p.jobs[tj.job.ID]; ok || p.dropped[tj.job.ID] {
			continue
		}
		tj.lastAt = now
		p.jobs[tj.job.ID] = &tj
	}

	state := &UIState{IsRunning: len(active) > 0}
	for id, tj := range p.jobs {
		st := tj.observer.State()
		if !active[id] && !st.Done {
			// Cancelled.
			delete(p.jobs, id)
			p.dropped[id] = true
			continue
		}

		sent, _ := p.stats.get(id)
		if dt := now.Sub(tj.lastAt); dt > 0 {
			tj.speed = max(0, float64(sent-tj.lastSeen)/dt.Seconds())
			tj.lastSeen = sent
			tj.lastAt = now
		}
		if st.Done {
			tj.speed = 0
		}

		declared := st.DeclaredBytes
		state.TotalBytes += declared
		state.CompletedBytes += min(sent, declared)
		state.Jobs = append(state.Jobs, JobRow{
			ID:        id,
			Direction: tj.job.Direction.String(),
			Bucket:    tj.job.Bucket,
			Progress:  st,
			Bytes:     sent,
			Total:     declared,
			BytesSec:  tj.speed,
		})
	}
	sort.Slice(state.Jobs, func(i, j int) bool { return state.Jobs[i].ID < state.Jobs[j].ID })

	_, total := p.stats.get(-1)
	if !p.lastAt.IsZero() {
		if dt := now.Sub(p.lastAt); dt > 0 {
			p.bpms = float64(total-p.lastTotal) / (float64(dt) / float64(time.Millisecond))
		}
	}
	p.lastTotal = total
	p.lastAt = now

	state.ThroughputBPms = p.bpms
	state.Done = len(active) == 0 && len(state.Jobs) > 0
	return state
}
