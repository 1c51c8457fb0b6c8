package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ensure interface is implemented
var _ Client = (*MinioClient)(nil)

// minio-go refuses parts smaller than 5 MiB.
const minioMinPartSize = 5 * 1024 * 1024

// MinioOptions configures NewMinioClient.
type MinioOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Secure    bool
	Region    string
}

// MinioClient implements Client with minio-go. The library manages the
// multipart session itself, so sessions are keyed by bucket and object and
// cannot be resumed; a retry starts the object over.
type MinioClient struct {
	client *minio.Client
	pools  pools
}

// NewMinioClient creates a MinioClient. No request is made until first use.
func NewMinioClient(opts MinioOptions) (*MinioClient, error) {
	if opts.Endpoint == "" {
		return nil, newError("config", KindSetup, "", "", errors.New("minio endpoint is required"))
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.Secure,
		Region: opts.Region,
	})
	if err != nil {
		return nil, newError("config", KindSetup, "", "", err)
	}
	return &MinioClient{client: client}, nil
}

// Namespace returns the endpoint host.
func (c *MinioClient) Namespace(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return c.client.EndpointURL().Host, nil
}

// Stat returns the size of an object.
func (c *MinioClient) Stat(ctx context.Context, _, bucket, object string) (int64, error) {
	info, err := c.client.StatObject(ctx, bucket, object, minio.StatObjectOptions{})
	if err != nil {
		return 0, newError("stat", KindSetup, bucket, object, err)
	}
	return info.Size, nil
}

// Upload streams a local file with PutObject using the chunk size as part
// size. Progress is reported per chunk read by the library.
func (c *MinioClient) Upload(ctx context.Context, req *UploadRequest) (*UploadResult, error) {
	fail := func(err error) (*UploadResult, error) {
		return nil, newError("upload", KindTransfer, req.Bucket, req.Object, err)
	}

	f, err := os.Open(req.LocalPath)
	if err != nil {
		return fail(err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fail(err)
	}

	part := max(chunkSize(req.ChunkSize), minioMinPartSize)
	if req.OnSession != nil {
		req.OnSession(Session{Bucket: req.Bucket, Object: req.Object})
	}
	started(req.OnStart, 0)

	progress := &chunkProgress{chunk: part, fn: req.Progress}
	body := &boundaryReader{ctx: ctx, r: f, chunk: part}
	out, err := c.client.PutObject(chunkContext(ctx), req.Bucket, req.Object, body, info.Size(), minio.PutObjectOptions{
		PartSize: uint64(part),
		Progress: progress,
	})
	if err != nil {
		return fail(err)
	}
	progress.flush()

	return &UploadResult{
		Object: req.Object,
		Size:   out.Size,
		ETag:   out.ETag,
		Parts:  int((info.Size() + part - 1) / part),
	}, nil
}

// Download streams an object into a local file one chunk at a time.
func (c *MinioClient) Download(ctx context.Context, req *DownloadRequest) error {
	fail := func(err error) error {
		return newError("download", KindTransfer, req.Bucket, req.Object, err)
	}

	obj, err := c.client.GetObject(chunkContext(ctx), req.Bucket, req.Object, minio.GetObjectOptions{})
	if err != nil {
		return fail(err)
	}
	defer obj.Close()

	if err := os.MkdirAll(filepath.Dir(req.LocalPath), 0755); err != nil {
		return fail(err)
	}
	tmp := req.LocalPath + ".part"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fail(err)
	}

	part := chunkSize(req.ChunkSize)
	bp := c.pools.get(part)
	buf := bp.Get()
	defer bp.Put(buf)

	copyErr := func() error {
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			n, err := io.ReadFull(obj, (*buf)[:part])
			if n > 0 {
				if _, werr := f.Write((*buf)[:n]); werr != nil {
					return werr
				}
				report(req.Progress, int64(n))
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			if err != nil {
				return err
			}
		}
	}()
	closeErr := f.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		_ = os.Remove(tmp)
		return fail(copyErr)
	}
	if err := os.Rename(tmp, req.LocalPath); err != nil {
		return fail(err)
	}
	return nil
}

// Abort removes any incomplete upload of the session's object.
func (c *MinioClient) Abort(ctx context.Context, session Session) error {
	if session.Bucket == "" || session.Object == "" {
		return nil
	}
	if err := c.client.RemoveIncompleteUpload(ctx, session.Bucket, session.Object); err != nil {
		return newError("abort", KindAbort, session.Bucket, session.Object, err)
	}
	return nil
}

// chunkProgress receives the bytes minio-go reports through its progress
// reader and forwards them in whole chunks.
type chunkProgress struct {
	chunk   int64
	pending int64
	fn      ProgressFunc
}

func (p *chunkProgress) Read(b []byte) (int, error) {
	p.pending += int64(len(b))
	for p.pending >= p.chunk {
		report(p.fn, p.chunk)
		p.pending -= p.chunk
	}
	return len(b), nil
}

func (p *chunkProgress) flush() {
	report(p.fn, p.pending)
	p.pending = 0
}

// boundaryReader fails the upload once the context is canceled, but only
// when a new chunk is about to start.
type boundaryReader struct {
	ctx   context.Context
	r     io.Reader
	chunk int64
	read  int64
}

func (b *boundaryReader) Read(p []byte) (int, error) {
	if b.read%b.chunk == 0 {
		if err := b.ctx.Err(); err != nil {
			return 0, fmt.Errorf("upload stopped: %w", err)
		}
	}
	if rem := b.chunk - b.read%b.chunk; int64(len(p)) > rem {
		p = p[:rem]
	}
	n, err := b.r.Read(p)
	b.read += int64(n)
	return n, err
}
