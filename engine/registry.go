package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/franksops/gobucket/progress"
	"github.com/franksops/gobucket/provider"
	"github.com/franksops/gobucket/size"
)

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used by the registry and its workers.
func WithLogger(log logrus.FieldLogger) Option {
	return func(r *Registry) {
		r.log = log
	}
}

// WithChunkSize sets the transfer chunk size. Values <= 0 select
// provider.DefaultChunkSize.
func WithChunkSize(n int64) Option {
	return func(r *Registry) {
		r.chunkSize = n
	}
}

// WithFS replaces the local filesystem used to plan uploads.
func WithFS(fs FS) Option {
	return func(r *Registry) {
		r.fs = fs
	}
}

// WithHistory records per-file outcomes with h.
func WithHistory(h *HistoryRecorder) Option {
	return func(r *Registry) {
		r.history = h
	}
}

type entry struct {
	job       TransferJob
	worker    *Worker
	observer  *progress.Observer
	cancelled atomic.Bool
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// Registry creates a worker for every submitted job and tracks it by id
// until the job completes or is cancelled.
type Registry struct {
	client    provider.Client
	fs        FS
	chunkSize int64
	log       logrus.FieldLogger
	history   *HistoryRecorder

	nextID atomic.Int64

	nsMu      sync.Mutex
	namespace string

	mu      sync.Mutex
	jobs    map[int]*entry
	subs    map[int]Subscriber
	nextSub int
	idle    chan struct{}
	closed  bool
}

// NewRegistry creates a Registry that transfers through client.
func NewRegistry(client provider.Client, opts ...Option) *Registry {
	r := &Registry{
		client:    client,
		fs:        provider.NewLocalFS(""),
		chunkSize: provider.DefaultChunkSize,
		log:       discardLogger(),
		jobs:      make(map[int]*entry),
		subs:      make(map[int]Subscriber),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.chunkSize <= 0 {
		r.chunkSize = provider.DefaultChunkSize
	}
	return r
}

// Submit validates req, resolves the namespace and starts a worker for the
// new job. Items are sized by the worker as it reaches them, so Submit does
// no filesystem walks or object stats. The returned id is unique within the
// registry. Setup failures register nothing.
func (r *Registry) Submit(ctx context.Context, req JobRequest) (int, error) {
	if err := req.validate(); err != nil {
		return -1, err
	}
	if r.isClosed() {
		return -1, ErrRegistryClosed
	}

	ns, err := r.resolveNamespace(ctx)
	if err != nil {
		return -1, fmt.Errorf("failed to resolve namespace: %w", err)
	}

	var sizes []size.Size
	if req.Sizes != nil {
		sizes = make([]size.Size, len(req.Sizes))
		for i, n := range req.Sizes {
			sizes[i] = size.Format(n)
		}
	}

	job := TransferJob{
		ID:        int(r.nextID.Add(1) - 1),
		Direction: req.Direction,
		Items:     append([]string(nil), req.Items...),
		Bucket:    req.Bucket,
		Namespace: ns,
		LocalDir:  req.LocalDir,
		Sizes:     sizes,
	}

	e := &entry{
		job:      job,
		observer: progress.New(job.ID, len(job.Items), sizes),
	}
	e.worker = newWorker(job, r.client, r.fs, r.chunkSize, r.log, func(ev Event) {
		r.dispatch(e, ev)
	})

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return -1, ErrRegistryClosed
	}
	if len(r.jobs) == 0 {
		r.idle = make(chan struct{})
	}
	r.jobs[job.ID] = e
	r.mu.Unlock()

	if err := e.worker.Start(); err != nil {
		r.remove(job.ID)
		return -1, err
	}

	r.log.WithFields(logrus.Fields{
		"job_id":    job.ID,
		"bucket":    job.Bucket,
		"direction": job.Direction,
		"items":     len(job.Items),
	}).Info("Job submitted")

	return job.ID, nil
}

// SubmitToBuckets submits one copy of req per bucket and returns the ids in
// bucket order. It stops at the first setup failure; jobs already started
// keep running.
func (r *Registry) SubmitToBuckets(ctx context.Context, req JobRequest, buckets ...string) ([]int, error) {
	if len(buckets) == 0 {
		return nil, fmt.Errorf("%w: no buckets", ErrInvalidRequest)
	}
	ids := make([]int, 0, len(buckets))
	for _, b := range buckets {
		req.Bucket = b
		id, err := r.Submit(ctx, req)
		if err != nil {
			return ids, fmt.Errorf("bucket %s: %w", b, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Cancel removes a job and stops its worker. The entry is removed even when
// aborting the remote session fails; that error is returned wrapped in
// ErrAbortFailed.
func (r *Registry) Cancel(id int) error {
	r.mu.Lock()
	e, ok := r.jobs[id]
	if ok {
		e.cancelled.Store(true)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrJobNotFound, id)
	}
	r.remove(id)

	task, inFlight := e.worker.Current()
	err := e.worker.Stop()

	if r.history != nil && inFlight {
		r.history.Cancelled(e.job, task)
	}

	log := r.log.WithField("job_id", id)
	if err != nil {
		log.WithError(err).Warn("Job cancelled, session abort failed")
		return fmt.Errorf("%w: %w", ErrAbortFailed, err)
	}
	log.Info("Job cancelled")
	return nil
}

// Retry resumes a job paused on a failed file.
func (r *Registry) Retry(id int) error {
	e, ok := r.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrJobNotFound, id)
	}
	return e.worker.Retry()
}

// Subscribe registers s for the events of every job and returns a function
// that unregisters it.
func (r *Registry) Subscribe(s Subscriber) func() {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = s
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
		})
	}
}

// Observer returns the progress observer of an active job.
func (r *Registry) Observer(id int) (*progress.Observer, bool) {
	e, ok := r.lookup(id)
	if !ok {
		return nil, false
	}
	return e.observer, true
}

// Jobs returns the active jobs ordered by id.
func (r *Registry) Jobs() []TransferJob {
	r.mu.Lock()
	jobs := make([]TransferJob, 0, len(r.jobs))
	for _, e := range r.jobs {
		jobs = append(jobs, e.job)
	}
	r.mu.Unlock()

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return jobs
}

// Len returns the number of active jobs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// WaitIdle blocks until no job is active or ctx is done.
func (r *Registry) WaitIdle(ctx context.Context) error {
	r.mu.Lock()
	if len(r.jobs) == 0 {
		r.mu.Unlock()
		return nil
	}
	idle := r.idle
	r.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels every active job and rejects further submissions.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.closed = true
	ids := make([]int, 0, len(r.jobs))
	for id := range r.jobs {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := r.Cancel(id); err != nil && !errors.Is(err, ErrJobNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// dispatch delivers a worker event to the job's observer, then to the
// subscribers, then applies registry bookkeeping.
func (r *Registry) dispatch(e *entry, ev Event) {
	if e.cancelled.Load() {
		return
	}

	switch ev.Kind {
	case ItemStarted:
		e.observer.ItemStarted(ev.Item, ev.Size)
	case FileStarted:
		e.observer.FileStarted(ev.Item, ev.Name, ev.Size)
	case FileOffset:
		e.observer.FileOffset(ev.Bytes)
	case BytesTransferred:
		e.observer.BytesTransferred(ev.Bytes)
	case FileTransferred:
		e.observer.FileTransferred(ev.Item, ev.Name, ev.FormattedSize, ev.ItemDone)
	case Failed:
		e.observer.Failed(ev.Err)
	case JobCompleted:
		e.observer.JobCompleted()
	}

	if r.history != nil {
		r.history.HandleEvent(ev)
	}

	r.mu.Lock()
	subs := make([]Subscriber, 0, len(r.subs))
	ids := make([]int, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		subs = append(subs, r.subs[id])
	}
	r.mu.Unlock()

	for _, s := range subs {
		s.HandleEvent(ev)
	}

	if ev.Kind == JobCompleted {
		r.remove(ev.JobID)
	}
}

// remove deletes an entry. Removing an absent id is a no-op.
func (r *Registry) remove(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[id]; !ok {
		return
	}
	delete(r.jobs, id)
	if len(r.jobs) == 0 && r.idle != nil {
		close(r.idle)
		r.idle = nil
	}
}

func (r *Registry) lookup(id int) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.jobs[id]
	return e, ok
}

func (r *Registry) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// resolveNamespace returns the storage namespace, asking the client only
// until the first success.
func (r *Registry) resolveNamespace(ctx context.Context) (string, error) {
	r.nsMu.Lock()
	defer r.nsMu.Unlock()
	if r.namespace != "" {
		return r.namespace, nil
	}
	ns, err := r.client.Namespace(ctx)
	if err != nil {
		return "", err
	}
	r.namespace = ns
	return ns, nil
}
