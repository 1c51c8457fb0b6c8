package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ensure interface is implemented
var _ Client = (*LocalClient)(nil)

const stagingDir = ".uploads"

// LocalClient is a storage backend where each bucket is a directory under a
// root. Multipart sessions are staging files under <root>/.uploads named by
// a random upload id, so an interrupted upload can be resumed or aborted.
type LocalClient struct {
	root  string
	pools pools
}

// NewLocalClient creates a LocalClient rooted at root. The root must exist.
func NewLocalClient(root string) (*LocalClient, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root %s: %w", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, newError("open", KindSetup, "", "", err)
	}
	if !info.IsDir() {
		return nil, newError("open", KindSetup, "", "", fmt.Errorf("%s is not a directory", abs))
	}
	return &LocalClient{root: abs}, nil
}

// Namespace returns the root directory.
func (c *LocalClient) Namespace(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return c.root, nil
}

func (c *LocalClient) bucketPath(bucket string) (string, error) {
	if bucket == "" || bucket == stagingDir || strings.ContainsAny(bucket, `/\`) || bucket == "." || bucket == ".." {
		return "", fmt.Errorf("invalid bucket name %q", bucket)
	}
	return filepath.Join(c.root, bucket), nil
}

func (c *LocalClient) objectPath(bucket, object string) (string, error) {
	dir, err := c.bucketPath(bucket)
	if err != nil {
		return "", err
	}
	clean := filepath.Clean(filepath.FromSlash(object))
	if object == "" || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid object name %q", object)
	}
	return filepath.Join(dir, clean), nil
}

func (c *LocalClient) stagingPath(uploadID string) string {
	return filepath.Join(c.root, stagingDir, uploadID)
}

// Stat returns the size of an object.
func (c *LocalClient) Stat(ctx context.Context, _, bucket, object string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	path, err := c.objectPath(bucket, object)
	if err != nil {
		return 0, newError("stat", KindSetup, bucket, object, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, newError("stat", KindSetup, bucket, object, err)
	}
	return info.Size(), nil
}

// Upload copies a local file into the bucket one chunk at a time through a
// staging file, then verifies and commits it.
func (c *LocalClient) Upload(ctx context.Context, req *UploadRequest) (*UploadResult, error) {
	fail := func(err error) (*UploadResult, error) {
		return nil, newError("upload", KindTransfer, req.Bucket, req.Object, err)
	}

	dst, err := c.objectPath(req.Bucket, req.Object)
	if err != nil {
		return fail(err)
	}
	bucketDir, _ := c.bucketPath(req.Bucket)
	if _, err := os.Stat(bucketDir); err != nil {
		return fail(err)
	}

	src, err := os.Open(req.LocalPath)
	if err != nil {
		return fail(err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return fail(err)
	}
	total := info.Size()

	session := Session{Bucket: req.Bucket, Object: req.Object}
	if req.Resume != nil && req.Resume.Bucket == req.Bucket && req.Resume.Object == req.Object && req.Resume.UploadID != "" {
		session.UploadID = req.Resume.UploadID
	} else {
		session.UploadID = uuid.NewString()
	}

	if err := os.MkdirAll(filepath.Join(c.root, stagingDir), 0755); err != nil {
		return fail(err)
	}
	stagePath := c.stagingPath(session.UploadID)
	stage, err := os.OpenFile(stagePath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fail(err)
	}
	defer stage.Close()

	if req.OnSession != nil {
		req.OnSession(session)
	}

	part := chunkSize(req.ChunkSize)

	// Resume from the last whole chunk already staged.
	stageInfo, err := stage.Stat()
	if err != nil {
		return fail(err)
	}
	offset := (stageInfo.Size() / part) * part
	if offset > total {
		offset = 0
	}
	if err := stage.Truncate(offset); err != nil {
		return fail(err)
	}
	started(req.OnStart, offset)

	bp := c.pools.get(part)
	buf := bp.Get()
	defer bp.Put(buf)

	parts := 0
	for offset < total {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		n, err := src.ReadAt((*buf)[:min(part, total-offset)], offset)
		if err != nil && !errors.Is(err, io.EOF) {
			return fail(err)
		}
		if n == 0 {
			return fail(io.ErrUnexpectedEOF)
		}
		if _, err := stage.WriteAt((*buf)[:n], offset); err != nil {
			return fail(err)
		}
		offset += int64(n)
		parts++
		report(req.Progress, int64(n))
	}

	if err := stage.Sync(); err != nil {
		return fail(err)
	}
	if err := verifyCopy(req.LocalPath, stagePath); err != nil {
		// The staged data cannot be trusted; start over on retry.
		_ = os.Remove(stagePath)
		return fail(err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fail(err)
	}
	if err := os.Rename(stagePath, dst); err != nil {
		return fail(err)
	}

	return &UploadResult{
		Object: req.Object,
		Size:   total,
		Parts:  parts,
	}, nil
}

// Download copies an object to a local path one chunk at a time.
func (c *LocalClient) Download(ctx context.Context, req *DownloadRequest) error {
	fail := func(err error) error {
		return newError("download", KindTransfer, req.Bucket, req.Object, err)
	}

	srcPath, err := c.objectPath(req.Bucket, req.Object)
	if err != nil {
		return fail(err)
	}
	src, err := os.Open(srcPath)
	if err != nil {
		return fail(err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(req.LocalPath), 0755); err != nil {
		return fail(err)
	}
	tmp := req.LocalPath + ".part"
	dst, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
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
			n, err := io.ReadFull(src, (*buf)[:part])
			if n > 0 {
				if _, werr := dst.Write((*buf)[:n]); werr != nil {
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
	closeErr := dst.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		_ = os.Remove(tmp)
		return fail(copyErr)
	}
	if err := verifyCopy(srcPath, tmp); err != nil {
		_ = os.Remove(tmp)
		return fail(err)
	}
	if err := os.Rename(tmp, req.LocalPath); err != nil {
		return fail(err)
	}
	return nil
}

// Abort discards a staged upload.
func (c *LocalClient) Abort(_ context.Context, session Session) error {
	if session.UploadID == "" {
		return nil
	}
	if _, err := uuid.Parse(session.UploadID); err != nil {
		return newError("abort", KindAbort, session.Bucket, session.Object, fmt.Errorf("%w: %v", ErrSessionNotFound, err))
	}
	if err := os.Remove(c.stagingPath(session.UploadID)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			err = fmt.Errorf("%w: %s", ErrSessionNotFound, session.UploadID)
		}
		return newError("abort", KindAbort, session.Bucket, session.Object, err)
	}
	return nil
}
