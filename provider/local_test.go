package provider

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocalClient(t *testing.T, buckets ...string) *LocalClient {
	t.Helper()
	root := t.TempDir()
	for _, b := range buckets {
		require.NoError(t, os.MkdirAll(filepath.Join(root, b), 0755))
	}
	c, err := NewLocalClient(root)
	require.NoError(t, err)
	return c
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, data, 0644))
}

func TestNewLocalClient_Errors(t *testing.T) {
	_, err := NewLocalClient(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	assert.Equal(t, KindSetup, KindOf(err))
	assert.ErrorIs(t, err, ErrNotFound)

	file := filepath.Join(t.TempDir(), "file")
	writeFile(t, file, []byte("x"))
	_, err = NewLocalClient(file)
	assert.Error(t, err)
}

func TestLocalClient_Namespace(t *testing.T) {
	c := newTestLocalClient(t)
	ns, err := c.Namespace(context.Background())
	require.NoError(t, err)
	assert.Equal(t, c.root, ns)
}

func TestLocalClient_UploadChunks(t *testing.T) {
	c := newTestLocalClient(t, "reports")
	data := bytes.Repeat([]byte("0123456789"), 25) // 250 bytes
	src := filepath.Join(t.TempDir(), "doc.pdf")
	writeFile(t, src, data)

	var chunks []int64
	var sessions []Session
	res, err := c.Upload(context.Background(), &UploadRequest{
		Bucket:    "reports",
		Object:    "nested/doc.pdf",
		LocalPath: src,
		ChunkSize: 100,
		Progress:  func(n int64) { chunks = append(chunks, n) },
		OnSession: func(s Session) { sessions = append(sessions, s) },
	})
	require.NoError(t, err)

	assert.Equal(t, []int64{100, 100, 50}, chunks)
	assert.Equal(t, 3, res.Parts)
	assert.Equal(t, int64(250), res.Size)
	require.Len(t, sessions, 1)
	assert.NotEmpty(t, sessions[0].UploadID)

	got, err := os.ReadFile(filepath.Join(c.root, "reports", "nested", "doc.pdf"))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = os.Stat(c.stagingPath(sessions[0].UploadID))
	assert.ErrorIs(t, err, os.ErrNotExist, "staging file should be committed")

	size, err := c.Stat(context.Background(), "", "reports", "nested/doc.pdf")
	require.NoError(t, err)
	assert.Equal(t, int64(250), size)
}

func TestLocalClient_UploadEmptyFile(t *testing.T) {
	c := newTestLocalClient(t, "b")
	src := filepath.Join(t.TempDir(), "empty")
	writeFile(t, src, nil)

	called := false
	res, err := c.Upload(context.Background(), &UploadRequest{
		Bucket: "b", Object: "empty", LocalPath: src,
		Progress: func(int64) { called = true },
	})
	require.NoError(t, err)
	assert.False(t, called)
	assert.Equal(t, int64(0), res.Size)
}

func TestLocalClient_UploadResume(t *testing.T) {
	c := newTestLocalClient(t, "b")
	data := bytes.Repeat([]byte("abcdefghij"), 30) // 300 bytes
	src := filepath.Join(t.TempDir(), "big")
	writeFile(t, src, data)

	// Stage a session holding one whole chunk plus a torn partial chunk.
	session := Session{Bucket: "b", Object: "big", UploadID: "6f1c9c43-8a57-4f53-9a8d-2f1f0a8e3d11"}
	writeFile(t, c.stagingPath(session.UploadID), data[:150])

	var chunks []int64
	var offset int64
	_, err := c.Upload(context.Background(), &UploadRequest{
		Bucket: "b", Object: "big", LocalPath: src, ChunkSize: 100,
		Resume:   &session,
		Progress: func(n int64) { chunks = append(chunks, n) },
		OnStart:  func(off int64) { offset = off },
	})
	require.NoError(t, err)
	assert.Equal(t, int64(100), offset)
	assert.Equal(t, []int64{100, 100}, chunks, "only the chunks after the last whole staged chunk are sent")

	got, err := os.ReadFile(filepath.Join(c.root, "b", "big"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestLocalClient_UploadStopsAtChunkBoundary(t *testing.T) {
	c := newTestLocalClient(t, "b")
	src := filepath.Join(t.TempDir(), "f")
	writeFile(t, src, bytes.Repeat([]byte("x"), 300))

	ctx, cancel := context.WithCancel(context.Background())
	var chunks int
	_, err := c.Upload(ctx, &UploadRequest{
		Bucket: "b", Object: "f", LocalPath: src, ChunkSize: 100,
		Progress: func(int64) {
			chunks++
			cancel()
		},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, chunks, "the in-flight chunk completes, the next one is not started")
	assert.Equal(t, KindTransfer, KindOf(err))
}

func TestLocalClient_UploadMissingBucket(t *testing.T) {
	c := newTestLocalClient(t)
	src := filepath.Join(t.TempDir(), "f")
	writeFile(t, src, []byte("x"))

	_, err := c.Upload(context.Background(), &UploadRequest{Bucket: "nope", Object: "f", LocalPath: src})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)

	var se *Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "upload", se.Op)
	assert.Equal(t, "nope", se.Bucket)
}

func TestLocalClient_InvalidNames(t *testing.T) {
	c := newTestLocalClient(t, "b")
	src := filepath.Join(t.TempDir(), "f")
	writeFile(t, src, []byte("x"))

	for _, tc := range []struct{ bucket, object string }{
		{"", "f"},
		{".uploads", "f"},
		{"a/b", "f"},
		{"b", ""},
		{"b", "../escape"},
		{"b", "/abs"},
	} {
		_, err := c.Upload(context.Background(), &UploadRequest{Bucket: tc.bucket, Object: tc.object, LocalPath: src})
		assert.Error(t, err, "bucket=%q object=%q", tc.bucket, tc.object)
	}
}

func TestLocalClient_Download(t *testing.T) {
	c := newTestLocalClient(t, "b")
	data := bytes.Repeat([]byte("z"), 230)
	writeFile(t, filepath.Join(c.root, "b", "dir", "obj"), data)

	dest := filepath.Join(t.TempDir(), "out", "dir", "obj")
	var chunks []int64
	err := c.Download(context.Background(), &DownloadRequest{
		Bucket: "b", Object: "dir/obj", LocalPath: dest, ChunkSize: 100,
		Progress: func(n int64) { chunks = append(chunks, n) },
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{100, 100, 30}, chunks)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	_, err = os.Stat(dest + ".part")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLocalClient_DownloadMissing(t *testing.T) {
	c := newTestLocalClient(t, "b")
	err := c.Download(context.Background(), &DownloadRequest{
		Bucket: "b", Object: "missing", LocalPath: filepath.Join(t.TempDir(), "x"),
	})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.Stat(context.Background(), "", "b", "missing")
	require.Error(t, err)
	assert.Equal(t, KindSetup, KindOf(err))
}

func TestLocalClient_Abort(t *testing.T) {
	c := newTestLocalClient(t, "b")
	session := Session{Bucket: "b", Object: "o", UploadID: "0b9d7c58-6c1e-4b0e-8f64-3c1f3e9f4a55"}
	writeFile(t, c.stagingPath(session.UploadID), []byte("partial"))

	require.NoError(t, c.Abort(context.Background(), session))
	_, err := os.Stat(c.stagingPath(session.UploadID))
	assert.ErrorIs(t, err, os.ErrNotExist)

	err = c.Abort(context.Background(), session)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Equal(t, KindAbort, KindOf(err))

	assert.NoError(t, c.Abort(context.Background(), Session{}))
	assert.ErrorIs(t, c.Abort(context.Background(), Session{UploadID: "../../etc"}), ErrSessionNotFound)
}
