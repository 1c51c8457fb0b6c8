package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// ensure interface is implemented
var _ Client = (*S3Client)(nil)

// S3API is the subset of the S3 client used by S3Client.
type S3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	ListParts(ctx context.Context, params *s3.ListPartsInput, optFns ...func(*s3.Options)) (*s3.ListPartsOutput, error)
}

// IdentityAPI resolves the caller's account.
type IdentityAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// S3Options configures NewS3Client.
type S3Options struct {
	Region    string
	Endpoint  string
	PathStyle bool
	AccessKey string
	SecretKey string
}

// S3Client implements Client on Amazon S3 or an S3-compatible service using
// explicit multipart uploads so that sessions can be resumed and aborted.
type S3Client struct {
	api      S3API
	identity IdentityAPI
	pools    pools
}

// NewS3Client creates a new S3Client from the default AWS configuration
// chain, overridden by opts.
func NewS3Client(ctx context.Context, opts S3Options) (*S3Client, error) {
	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, newError("config", KindSetup, "", "", fmt.Errorf("unable to load AWS config: %w", err))
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.PathStyle
	})
	identity := sts.NewFromConfig(cfg, func(o *sts.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})

	return NewS3ClientFromAPI(client, identity), nil
}

// NewS3ClientFromAPI wraps already constructed service clients.
func NewS3ClientFromAPI(api S3API, identity IdentityAPI) *S3Client {
	return &S3Client{api: api, identity: identity}
}

// Namespace returns the AWS account id of the caller.
func (c *S3Client) Namespace(ctx context.Context) (string, error) {
	out, err := c.identity.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", newError("namespace", KindSetup, "", "", err)
	}
	return aws.ToString(out.Account), nil
}

// Stat returns the size of an object.
func (c *S3Client) Stat(ctx context.Context, _, bucket, object string) (int64, error) {
	out, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(object),
	})
	if err != nil {
		return 0, newError("stat", KindSetup, bucket, object, err)
	}
	return aws.ToInt64(out.ContentLength), nil
}

// Upload sends a local file as a multipart upload with one part per chunk.
// When req.Resume names a live session for the same object, parts already
// stored are skipped.
func (c *S3Client) Upload(ctx context.Context, req *UploadRequest) (*UploadResult, error) {
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
	total := info.Size()

	if total == 0 {
		started(req.OnStart, 0)
		out, err := c.api.PutObject(chunkContext(ctx), &s3.PutObjectInput{
			Bucket:        aws.String(req.Bucket),
			Key:           aws.String(req.Object),
			Body:          bytes.NewReader(nil),
			ContentLength: aws.Int64(0),
		})
		if err != nil {
			return fail(err)
		}
		return &UploadResult{Object: req.Object, ETag: aws.ToString(out.ETag)}, nil
	}

	part := chunkSize(req.ChunkSize)
	numParts := int32((total + part - 1) / part)

	uploadID, done, err := c.resumeSession(ctx, req, part, total)
	if err != nil {
		return fail(err)
	}
	if uploadID == "" {
		out, err := c.api.CreateMultipartUpload(chunkContext(ctx), &s3.CreateMultipartUploadInput{
			Bucket: aws.String(req.Bucket),
			Key:    aws.String(req.Object),
		})
		if err != nil {
			return fail(err)
		}
		uploadID = aws.ToString(out.UploadId)
	}
	if req.OnSession != nil {
		req.OnSession(Session{Bucket: req.Bucket, Object: req.Object, UploadID: uploadID})
	}

	var stored int64
	for num := range done {
		stored += min(part, total-int64(num-1)*part)
	}
	started(req.OnStart, stored)

	bp := c.pools.get(part)
	buf := bp.Get()
	defer bp.Put(buf)

	completed := make([]s3types.CompletedPart, 0, numParts)
	for num := int32(1); num <= numParts; num++ {
		if etag, ok := done[num]; ok {
			completed = append(completed, s3types.CompletedPart{ETag: aws.String(etag), PartNumber: aws.Int32(num)})
			continue
		}
		if err := ctx.Err(); err != nil {
			return fail(err)
		}

		offset := int64(num-1) * part
		n, err := f.ReadAt((*buf)[:min(part, total-offset)], offset)
		if err != nil && !errors.Is(err, io.EOF) {
			return fail(err)
		}

		out, err := c.api.UploadPart(chunkContext(ctx), &s3.UploadPartInput{
			Bucket:        aws.String(req.Bucket),
			Key:           aws.String(req.Object),
			UploadId:      aws.String(uploadID),
			PartNumber:    aws.Int32(num),
			ContentLength: aws.Int64(int64(n)),
			Body:          bytes.NewReader((*buf)[:n]),
		})
		if err != nil {
			return fail(err)
		}
		completed = append(completed, s3types.CompletedPart{ETag: out.ETag, PartNumber: aws.Int32(num)})
		report(req.Progress, int64(n))
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	out, err := c.api.CompleteMultipartUpload(chunkContext(ctx), &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(req.Bucket),
		Key:             aws.String(req.Object),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &s3types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return fail(err)
	}

	return &UploadResult{
		Object: req.Object,
		Size:   total,
		ETag:   aws.ToString(out.ETag),
		Parts:  int(numParts),
	}, nil
}

// resumeSession lists the parts of a resumable session. Parts whose size does
// not match the chunk layout are uploaded again. An expired session yields an
// empty upload id so that a new one is created.
func (c *S3Client) resumeSession(ctx context.Context, req *UploadRequest, part, total int64) (string, map[int32]string, error) {
	r := req.Resume
	if r == nil || r.UploadID == "" || r.Bucket != req.Bucket || r.Object != req.Object {
		return "", nil, nil
	}

	done := make(map[int32]string)
	paginator := s3.NewListPartsPaginator(c.api, &s3.ListPartsInput{
		Bucket:   aws.String(req.Bucket),
		Key:      aws.String(req.Object),
		UploadId: aws.String(r.UploadID),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			if errors.Is(classify(err), ErrSessionNotFound) {
				return "", nil, nil
			}
			return "", nil, err
		}
		for _, p := range page.Parts {
			num := aws.ToInt32(p.PartNumber)
			offset := int64(num-1) * part
			want := min(part, total-offset)
			if num < 1 || want <= 0 || aws.ToInt64(p.Size) != want {
				continue
			}
			done[num] = aws.ToString(p.ETag)
		}
	}
	return r.UploadID, done, nil
}

// Download fetches an object with one ranged GET per chunk.
func (c *S3Client) Download(ctx context.Context, req *DownloadRequest) error {
	fail := func(err error) error {
		return newError("download", KindTransfer, req.Bucket, req.Object, err)
	}

	head, err := c.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(req.Bucket),
		Key:    aws.String(req.Object),
	})
	if err != nil {
		return fail(err)
	}
	total := aws.ToInt64(head.ContentLength)

	if err := os.MkdirAll(filepath.Dir(req.LocalPath), 0755); err != nil {
		return fail(err)
	}
	tmp := req.LocalPath + ".part"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fail(err)
	}

	part := chunkSize(req.ChunkSize)
	copyErr := func() error {
		for offset := int64(0); offset < total; {
			if err := ctx.Err(); err != nil {
				return err
			}
			end := min(offset+part, total) - 1
			n, err := c.getRange(chunkContext(ctx), req.Bucket, req.Object, offset, end, f)
			if err != nil {
				return err
			}
			offset += n
			report(req.Progress, n)
		}
		return nil
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

func (c *S3Client) getRange(ctx context.Context, bucket, key string, start, end int64, w io.Writer) (int64, error) {
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", start, end)),
	})
	if err != nil {
		return 0, err
	}
	defer out.Body.Close()

	want := end - start + 1
	n, err := io.Copy(w, io.LimitReader(out.Body, want))
	if err != nil {
		return n, err
	}
	if n != want {
		return n, fmt.Errorf("short range read %d-%d: got %d bytes: %w", start, end, n, io.ErrUnexpectedEOF)
	}
	return n, nil
}

// Abort cancels a multipart session.
func (c *S3Client) Abort(ctx context.Context, session Session) error {
	if session.UploadID == "" {
		return nil
	}
	_, err := c.api.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(session.Bucket),
		Key:      aws.String(session.Object),
		UploadId: aws.String(session.UploadID),
	})
	if err != nil {
		return newError("abort", KindAbort, session.Bucket, session.Object, err)
	}
	return nil
}
