package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/franksops/gobucket/config"
	"github.com/franksops/gobucket/engine"
	"github.com/franksops/gobucket/provider"
	"github.com/franksops/gobucket/store"
)

// newClient creates the storage client for the configured backend.
func newClient(ctx context.Context, c *config.Config) (provider.Client, error) {
	switch c.Backend {
	case config.BackendS3:
		return provider.NewS3Client(ctx, provider.S3Options{
			Region:    c.S3.Region,
			Endpoint:  c.S3.Endpoint,
			PathStyle: c.S3.PathStyle,
			AccessKey: c.S3.AccessKey,
			SecretKey: c.S3.SecretKey,
		})
	case config.BackendMinio:
		return provider.NewMinioClient(provider.MinioOptions{
			Endpoint:  c.Minio.Endpoint,
			AccessKey: c.Minio.AccessKey,
			SecretKey: c.Minio.SecretKey,
			Secure:    c.Minio.Secure,
			Region:    c.Minio.Region,
		})
	case config.BackendLocal:
		return provider.NewLocalClient(c.Local.Root)
	default:
		return nil, fmt.Errorf("unknown backend %q", c.Backend)
	}
}

// openHistory opens the history journal, creating its directory.
func openHistory(c *config.Config) (*store.BoltStore, error) {
	path, err := c.HistoryPath()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}
	return store.NewBoltStore(path)
}

// session bundles everything one transfer command needs.
type session struct {
	registry *engine.Registry
	history  store.Store
	run      string
}

// newSession builds the registry for the configured backend. The caller must
// call close.
func newSession(ctx context.Context, c *config.Config, log logrus.FieldLogger) (*session, error) {
	client, err := newClient(ctx, c)
	if err != nil {
		return nil, err
	}
	chunk, err := c.ChunkBytes()
	if err != nil {
		return nil, err
	}

	s := &session{run: uuid.NewString()}
	opts := []engine.Option{
		engine.WithLogger(log),
		engine.WithChunkSize(chunk),
	}
	if c.History.Enabled {
		h, err := openHistory(c)
		if err != nil {
			return nil, err
		}
		s.history = h
		opts = append(opts, engine.WithHistory(engine.NewHistoryRecorder(h, s.run, log)))
	}
	s.registry = engine.NewRegistry(client, opts...)
	return s, nil
}

func (s *session) close() error {
	err := s.registry.Close()
	if s.history != nil {
		if cerr := s.history.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
