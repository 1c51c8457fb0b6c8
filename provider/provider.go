package provider

import (
	"context"
	"time"
)

// DefaultChunkSize is the fixed part size used for chunked transfers.
const DefaultChunkSize = 10 * 1024 * 1024

// FileInfo represents the standard metadata for a local file or directory.
type FileInfo interface {
	Name() string
	Size() int64
	IsDir() bool
	ModTime() time.Time
}

// ProgressFunc receives the byte count moved by one chunk. It is not a
// running total.
type ProgressFunc func(n int64)

// Session identifies a server-side multipart upload that can be resumed or
// aborted. UploadID may be empty for backends that key sessions by object.
type Session struct {
	Bucket   string
	Object   string
	UploadID string
}

// UploadRequest describes one file upload.
type UploadRequest struct {
	Namespace string
	Bucket    string
	Object    string
	LocalPath string

	// ChunkSize is the part size; DefaultChunkSize is used when <= 0.
	ChunkSize int64

	// Resume continues a previously started session when the backend
	// supports it. A session for a different object is ignored.
	Resume *Session

	// Progress is called once per chunk successfully moved.
	Progress ProgressFunc

	// OnSession is called as soon as a multipart session exists.
	OnSession func(Session)

	// OnStart is called once before the first chunk with the number of
	// bytes a resumed session already holds; 0 when the upload starts over.
	OnStart func(offset int64)
}

// UploadResult summarizes a completed upload.
type UploadResult struct {
	Object string
	Size   int64
	ETag   string
	Parts  int
}

// DownloadRequest describes one object download to a local path.
type DownloadRequest struct {
	Namespace string
	Bucket    string
	Object    string
	LocalPath string
	ChunkSize int64
	Progress  ProgressFunc
}

// Client is the object-storage capability used by the transfer engine.
//
// Implementations check ctx for cancellation only between chunks; the call
// that moves a single chunk is never interrupted.
type Client interface {
	// Namespace resolves the account-level namespace buckets live in.
	Namespace(ctx context.Context) (string, error)

	// Stat returns the size in bytes of an object.
	Stat(ctx context.Context, namespace, bucket, object string) (int64, error)

	// Upload performs a chunked, resumable upload of a local file.
	Upload(ctx context.Context, req *UploadRequest) (*UploadResult, error)

	// Download fetches an object into a local file, chunk by chunk.
	Download(ctx context.Context, req *DownloadRequest) error

	// Abort cancels an in-flight multipart session on a best-effort basis.
	Abort(ctx context.Context, session Session) error
}

func chunkSize(n int64) int64 {
	if n <= 0 {
		return DefaultChunkSize
	}
	return n
}

func report(fn ProgressFunc, n int64) {
	if fn != nil && n > 0 {
		fn(n)
	}
}

func started(fn func(int64), offset int64) {
	if fn != nil {
		fn(offset)
	}
}

// chunkContext detaches a single chunk call from cancellation so that a
// stop request takes effect at the next chunk boundary.
func chunkContext(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
