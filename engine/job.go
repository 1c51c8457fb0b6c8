package engine

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/franksops/gobucket/size"
)

// Direction is the way data moves in a TransferJob.
type Direction int

const (
	Upload Direction = iota
	Download
)

func (d Direction) String() string {
	switch d {
	case Upload:
		return "upload"
	case Download:
		return "download"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// TransferJob is one submitted batch: an ordered list of items moved in one
// direction between the local filesystem and one bucket.
type TransferJob struct {
	ID        int
	Direction Direction

	// Items are local paths (files or directories) for uploads and object
	// names for downloads, in submission order.
	Items []string

	Bucket    string
	Namespace string

	// LocalDir is the destination root for downloads.
	LocalDir string

	// Sizes holds the caller-supplied declared size of each top-level item.
	// When nil the worker sizes each item as it reaches it.
	Sizes []size.Size
}

// JobRequest is what a caller submits to the Registry.
type JobRequest struct {
	Direction Direction
	Items     []string
	Bucket    string
	LocalDir  string

	// Sizes optionally supplies the declared byte size of each item. When
	// nil the worker computes each size when it plans the item.
	Sizes []int64
}

func (r JobRequest) validate() error {
	if len(r.Items) == 0 {
		return fmt.Errorf("%w: no items", ErrInvalidRequest)
	}
	if r.Bucket == "" {
		return fmt.Errorf("%w: bucket is required", ErrInvalidRequest)
	}
	if r.Sizes != nil && len(r.Sizes) != len(r.Items) {
		return fmt.Errorf("%w: %d sizes for %d items", ErrInvalidRequest, len(r.Sizes), len(r.Items))
	}
	for _, item := range r.Items {
		if item == "" {
			return fmt.Errorf("%w: empty item", ErrInvalidRequest)
		}
	}
	switch r.Direction {
	case Upload:
	case Download:
		if r.LocalDir == "" {
			return fmt.Errorf("%w: download needs a local directory", ErrInvalidRequest)
		}
		for _, item := range r.Items {
			if !filepath.IsLocal(filepath.FromSlash(item)) {
				return fmt.Errorf("%w: object %q would be written outside %s", ErrInvalidRequest, item, r.LocalDir)
			}
		}
	default:
		return fmt.Errorf("%w: unknown direction %v", ErrInvalidRequest, r.Direction)
	}
	return nil
}

// fileTask is the in-flight unit of a worker: one file of one item.
type fileTask struct {
	Item      int
	Object    string
	LocalPath string
	Size      size.Size
	// ItemDone is set on the last file of an item.
	ItemDone bool
}

var (
	// ErrInvalidRequest is returned by Submit for malformed requests.
	ErrInvalidRequest = errors.New("invalid job request")

	// ErrJobNotFound is returned for ids not present in the Registry.
	ErrJobNotFound = errors.New("job not found")

	// ErrNotAwaitingRetry is returned by Retry when the worker is not paused
	// on a failure.
	ErrNotAwaitingRetry = errors.New("job is not awaiting retry")

	// ErrWorkerStopped is returned when operating on a stopped worker.
	ErrWorkerStopped = errors.New("worker stopped")

	// ErrWorkerStarted is returned by Start on a worker that already runs.
	ErrWorkerStarted = errors.New("worker already started")

	// ErrAbortFailed wraps the error of aborting a remote session on cancel.
	ErrAbortFailed = errors.New("abort of in-flight session failed")

	// ErrRegistryClosed is returned by Submit after Close.
	ErrRegistryClosed = errors.New("registry closed")
)
