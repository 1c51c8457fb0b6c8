package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/franksops/gobucket/provider"
	"github.com/franksops/gobucket/size"
)

// abortTimeout bounds the best-effort abort of a remote session in Stop.
const abortTimeout = 30 * time.Second

// Worker executes one TransferJob on its own goroutine. Files are moved
// strictly in order; a failed file pauses the worker until Retry or Stop.
type Worker struct {
	job       TransferJob
	client    provider.Client
	walker    *Walker
	chunkSize int64
	log       logrus.FieldLogger
	emitFn    func(Event)

	ctx     context.Context
	cancel  context.CancelFunc
	retryCh chan struct{}
	done    chan struct{}

	// index, pos and retrying are owned by the run goroutine.
	index    int
	pos      int
	retrying bool

	mu      sync.Mutex
	started bool
	active  bool
	waiting bool
	current *fileTask
	session *provider.Session

	emitMu  sync.Mutex
	stopped bool
}

func newWorker(job TransferJob, client provider.Client, fs FS, chunkSize int64, log logrus.FieldLogger, emit func(Event)) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		job:       job,
		client:    client,
		walker:    NewWalker(fs),
		chunkSize: chunkSize,
		log:       log.WithFields(logrus.Fields{"job_id": job.ID, "bucket": job.Bucket, "direction": job.Direction}),
		emitFn:    emit,
		ctx:       ctx,
		cancel:    cancel,
		retryCh:   make(chan struct{}, 1),
		done:      make(chan struct{}),
		active:    true,
	}
}

// Start begins iterating the job's items and returns immediately.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.active {
		return ErrWorkerStopped
	}
	if w.started {
		return ErrWorkerStarted
	}
	w.started = true
	go w.run()
	return nil
}

// Retry re-attempts the file the worker is paused on.
func (w *Worker) Retry() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.active {
		return ErrWorkerStopped
	}
	if !w.waiting {
		return ErrNotAwaitingRetry
	}
	w.waiting = false
	w.retryCh <- struct{}{}
	return nil
}

// Stop deactivates the worker, aborts the in-flight multipart session if
// there is one and waits for the goroutine to exit. No event is emitted
// once Stop has begun. The returned error is the abort error, if any.
func (w *Worker) Stop() error {
	w.emitMu.Lock()
	w.stopped = true
	w.emitMu.Unlock()

	w.mu.Lock()
	if !w.active {
		w.mu.Unlock()
		return nil
	}
	w.active = false
	w.waiting = false
	started := w.started
	session := w.session
	w.mu.Unlock()

	w.cancel()

	var abortErr error
	if session != nil {
		ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
		abortErr = w.client.Abort(ctx, *session)
		cancel()
		// A session that no longer exists was committed or aborted already.
		if errors.Is(abortErr, provider.ErrSessionNotFound) {
			w.log.WithField("object", session.Object).Debug("Multipart session already closed")
			abortErr = nil
		}
		if abortErr != nil {
			w.log.WithError(abortErr).WithField("object", session.Object).Warn("Failed to abort multipart session")
		} else {
			w.log.WithField("object", session.Object).Debug("Aborted multipart session")
		}
	}

	if started {
		<-w.done
	}
	return abortErr
}

// Active reports whether the worker has not been stopped.
func (w *Worker) Active() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active
}

// AwaitingRetry reports whether the worker is paused on a failure.
func (w *Worker) AwaitingRetry() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.waiting
}

// Current returns the file being transferred, if any.
func (w *Worker) Current() (fileTask, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil {
		return fileTask{}, false
	}
	return *w.current, true
}

func (w *Worker) run() {
	defer close(w.done)

	for w.index < len(w.job.Items) {
		tasks, declared, err := w.plan(w.index)
		if err != nil {
			if !w.pause(fileTask{Item: w.index, LocalPath: w.job.Items[w.index]}, err) {
				return
			}
			continue
		}
		w.emit(Event{
			Kind:      ItemStarted,
			Item:      w.index,
			LocalPath: w.job.Items[w.index],
			Size:      declared,
		})

		for w.pos < len(tasks) {
			t := tasks[w.pos]
			if err := w.transfer(t); err != nil {
				if !w.pause(t, err) {
					return
				}
				continue
			}
			w.emit(Event{
				Kind:          FileTransferred,
				Item:          t.Item,
				Name:          t.Object,
				LocalPath:     t.LocalPath,
				Size:          t.Size,
				FormattedSize: t.Size.String(),
				ItemDone:      t.ItemDone,
			})
			w.log.WithFields(logrus.Fields{
				"object": t.Object,
				"bytes":  humanize.IBytes(uint64(t.Size.Bytes)),
			}).Debug("File transferred")
			w.pos++
		}

		w.pos = 0
		w.index++
	}

	w.setCurrent(nil)
	w.log.Info("Job completed")
	w.emit(Event{Kind: JobCompleted})
}

// plan expands the item at index i into the files to transfer and returns
// the item's declared size. A caller-supplied size wins over the computed
// one.
func (w *Worker) plan(i int) ([]fileTask, size.Size, error) {
	item := w.job.Items[i]

	if w.job.Direction == Download {
		declared, ok := w.suppliedSize(i)
		if !ok {
			n, err := w.client.Stat(w.ctx, w.job.Namespace, w.job.Bucket, item)
			if err != nil {
				return nil, size.Size{}, fmt.Errorf("failed to size %s: %w", item, err)
			}
			declared = size.Format(n)
		}
		return []fileTask{{
			Item:      i,
			Object:    item,
			LocalPath: filepath.Join(w.job.LocalDir, filepath.FromSlash(item)),
			Size:      declared,
			ItemDone:  true,
		}}, declared, nil
	}

	info, err := w.walker.fs.Stat(w.ctx, item)
	if err != nil {
		return nil, size.Size{}, fmt.Errorf("failed to stat source %s: %w", item, err)
	}
	if !info.IsDir() {
		sz := size.Format(info.Size())
		declared, ok := w.suppliedSize(i)
		if !ok {
			declared = sz
		}
		return []fileTask{{
			Item:      i,
			Object:    filepath.Base(item),
			LocalPath: item,
			Size:      sz,
			ItemDone:  true,
		}}, declared, nil
	}

	var tasks []fileTask
	var total int64
	err = w.walker.Walk(w.ctx, item, func(path string, info provider.FileInfo) error {
		name, err := objectName(item, path)
		if err != nil {
			return err
		}
		total += info.Size()
		tasks = append(tasks, fileTask{
			Item:      i,
			Object:    name,
			LocalPath: path,
			Size:      size.Format(info.Size()),
		})
		return nil
	})
	if err != nil {
		return nil, size.Size{}, err
	}
	if len(tasks) > 0 {
		tasks[len(tasks)-1].ItemDone = true
	}
	declared, ok := w.suppliedSize(i)
	if !ok {
		declared = size.Format(total)
	}
	return tasks, declared, nil
}

func (w *Worker) suppliedSize(i int) (size.Size, bool) {
	if i < len(w.job.Sizes) {
		return w.job.Sizes[i], true
	}
	return size.Size{}, false
}

func (w *Worker) transfer(t fileTask) error {
	if err := w.ctx.Err(); err != nil {
		return err
	}
	w.setCurrent(&t)
	w.emit(Event{
		Kind:      FileStarted,
		Item:      t.Item,
		Name:      t.Object,
		LocalPath: t.LocalPath,
		Size:      t.Size,
	})

	// A retry tells observers how much of the file is already stored so a
	// restarted transfer is not counted twice.
	retry := w.retrying
	w.retrying = false
	offset := func(n int64) {
		if retry {
			w.emit(Event{Kind: FileOffset, Item: t.Item, Name: t.Object, Bytes: n})
		}
	}

	progress := func(n int64) {
		w.emit(Event{Kind: BytesTransferred, Bytes: n})
	}

	if w.job.Direction == Download {
		offset(0)
		return w.client.Download(w.ctx, &provider.DownloadRequest{
			Namespace: w.job.Namespace,
			Bucket:    w.job.Bucket,
			Object:    t.Object,
			LocalPath: t.LocalPath,
			ChunkSize: w.chunkSize,
			Progress:  progress,
		})
	}

	_, err := w.client.Upload(w.ctx, &provider.UploadRequest{
		Namespace: w.job.Namespace,
		Bucket:    w.job.Bucket,
		Object:    t.Object,
		LocalPath: t.LocalPath,
		ChunkSize: w.chunkSize,
		Resume:    w.resumeSession(t.Object),
		Progress:  progress,
		OnSession: w.setSession,
		OnStart:   offset,
	})
	if err == nil {
		w.mu.Lock()
		w.session = nil
		w.mu.Unlock()
	}
	return err
}

// pause reports a failure and blocks until Retry or Stop. It returns false
// when the worker should exit.
func (w *Worker) pause(t fileTask, err error) bool {
	if w.ctx.Err() != nil {
		return false
	}

	w.mu.Lock()
	w.waiting = true
	w.mu.Unlock()

	w.log.WithError(err).WithFields(logrus.Fields{
		"object": t.Object,
		"kind":   provider.KindOf(err),
	}).Warn("Transfer failed, waiting for retry")
	w.emit(Event{
		Kind:      Failed,
		Item:      t.Item,
		Name:      t.Object,
		LocalPath: t.LocalPath,
		Err:       err,
	})

	select {
	case <-w.retryCh:
		w.log.WithField("object", t.Object).Info("Retrying transfer")
		w.retrying = true
		return true
	case <-w.ctx.Done():
		return false
	}
}

func (w *Worker) resumeSession(object string) *provider.Session {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.session == nil || w.session.Object != object || w.session.Bucket != w.job.Bucket {
		return nil
	}
	s := *w.session
	return &s
}

func (w *Worker) setSession(s provider.Session) {
	w.mu.Lock()
	w.session = &s
	w.mu.Unlock()
}

func (w *Worker) setCurrent(t *fileTask) {
	w.mu.Lock()
	w.current = t
	w.mu.Unlock()
}

func (w *Worker) emit(ev Event) {
	w.emitMu.Lock()
	defer w.emitMu.Unlock()
	if w.stopped {
		return
	}
	ev.JobID = w.job.ID
	ev.Direction = w.job.Direction
	ev.Bucket = w.job.Bucket
	w.emitFn(ev)
}
