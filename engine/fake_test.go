package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/franksops/gobucket/provider"
)

var errInjected = errors.New("injected transfer failure")

// fakeClient is an in-memory provider.Client. Uploads are moved chunk by
// chunk with the same boundary cancellation rule as the real backends.
type fakeClient struct {
	mu        sync.Mutex
	namespace string
	nsErr     error
	nsCalls   int
	objects   map[string][]byte
	staged    map[string]int64
	sessions  int
	failures  map[string]int
	resumed   []provider.Session
	aborted   []provider.Session
	abortErr  error
	uploaded  []string
	// noResume makes every upload start a fresh session, like a backend
	// without resumable multipart uploads.
	noResume bool

	// beforeChunk runs before every chunk is moved.
	beforeChunk func(object string, off int64)
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		namespace: "ns",
		objects:   make(map[string][]byte),
		staged:    make(map[string]int64),
		failures:  make(map[string]int),
	}
}

func (f *fakeClient) Namespace(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nsCalls++
	if f.nsErr != nil {
		return "", f.nsErr
	}
	return f.namespace, nil
}

func (f *fakeClient) Stat(_ context.Context, _, bucket, object string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[bucket+"/"+object]
	if !ok {
		return 0, &provider.Error{Op: "stat", Bucket: bucket, Key: object, Kind: provider.KindSetup, Err: provider.ErrNotFound}
	}
	return int64(len(data)), nil
}

func (f *fakeClient) Upload(ctx context.Context, req *provider.UploadRequest) (*provider.UploadResult, error) {
	data, err := os.ReadFile(req.LocalPath)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	var session provider.Session
	var off int64
	if req.Resume != nil && !f.noResume {
		session = *req.Resume
		off = f.staged[session.UploadID]
		f.resumed = append(f.resumed, session)
	} else {
		f.sessions++
		session = provider.Session{Bucket: req.Bucket, Object: req.Object, UploadID: fmt.Sprintf("upload-%d", f.sessions)}
	}
	hook := f.beforeChunk
	f.mu.Unlock()

	if req.OnSession != nil {
		req.OnSession(session)
	}
	if req.OnStart != nil {
		req.OnStart(off)
	}

	total := int64(len(data))
	for off < total {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if hook != nil {
			hook(req.Object, off)
		}

		f.mu.Lock()
		if off > 0 && f.failures[req.Object] > 0 {
			f.failures[req.Object]--
			f.mu.Unlock()
			return nil, &provider.Error{Op: "upload", Bucket: req.Bucket, Key: req.Object, Kind: provider.KindTransfer, Err: errInjected}
		}
		n := min(req.ChunkSize, total-off)
		off += n
		f.staged[session.UploadID] = off
		f.mu.Unlock()

		req.Progress(n)
	}

	f.mu.Lock()
	f.objects[req.Bucket+"/"+req.Object] = data
	f.uploaded = append(f.uploaded, req.Object)
	delete(f.staged, session.UploadID)
	f.mu.Unlock()

	return &provider.UploadResult{Object: req.Object, Size: total}, nil
}

func (f *fakeClient) Download(ctx context.Context, req *provider.DownloadRequest) error {
	f.mu.Lock()
	data, ok := f.objects[req.Bucket+"/"+req.Object]
	f.mu.Unlock()
	if !ok {
		return &provider.Error{Op: "download", Bucket: req.Bucket, Key: req.Object, Err: provider.ErrNotFound}
	}

	var buf bytes.Buffer
	for off := int64(0); off < int64(len(data)); {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := min(req.ChunkSize, int64(len(data))-off)
		buf.Write(data[off : off+n])
		off += n
		req.Progress(n)
	}
	if err := os.MkdirAll(filepath.Dir(req.LocalPath), 0755); err != nil {
		return err
	}
	return os.WriteFile(req.LocalPath, buf.Bytes(), 0644)
}

func (f *fakeClient) Abort(_ context.Context, session provider.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = append(f.aborted, session)
	return f.abortErr
}

func (f *fakeClient) setFailures(object string, n int) {
	f.mu.Lock()
	f.failures[object] = n
	f.mu.Unlock()
}

// gatedFS is the local filesystem with List held until gate is closed. It
// counts List calls per directory.
type gatedFS struct {
	*provider.LocalFS
	gate chan struct{}

	mu    sync.Mutex
	lists map[string]int
}

func newGatedFS() *gatedFS {
	return &gatedFS{
		LocalFS: provider.NewLocalFS(""),
		gate:    make(chan struct{}),
		lists:   make(map[string]int),
	}
}

func (g *gatedFS) List(ctx context.Context, path string) ([]provider.FileInfo, error) {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	g.mu.Lock()
	g.lists[path]++
	g.mu.Unlock()
	return g.LocalFS.List(ctx, path)
}

// eventLog is a Subscriber recording every event it sees.
type eventLog struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

func newEventLog() *eventLog {
	return &eventLog{ch: make(chan Event, 4096)}
}

func (l *eventLog) HandleEvent(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
	l.ch <- ev
}

// waitFor reads events until one of kind arrives for job.
func (l *eventLog) waitFor(t *testing.T, job int, kind EventKind) Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-l.ch:
			if ev.JobID == job && ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %v on job %d", kind, job)
		}
	}
}

func (l *eventLog) snapshot(job int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, ev := range l.events {
		if ev.JobID == job {
			out = append(out, ev)
		}
	}
	return out
}

func (l *eventLog) kinds(job int, kind EventKind) []Event {
	var out []Event
	for _, ev := range l.snapshot(job) {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func writeFile(t *testing.T, path string, n int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("x"), n), 0644))
}

func waitIdle(t *testing.T, r *Registry) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.WaitIdle(ctx))
}
