package provider

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"
)

type localFileInfo struct {
	name    string
	size    int64
	isDir   bool
	modTime time.Time
}

func (l *localFileInfo) Name() string       { return l.name }
func (l *localFileInfo) Size() int64        { return l.size }
func (l *localFileInfo) IsDir() bool        { return l.isDir }
func (l *localFileInfo) ModTime() time.Time { return l.modTime }

func wrapOSFileInfo(info os.FileInfo) FileInfo {
	return &localFileInfo{
		name:    info.Name(),
		size:    info.Size(),
		isDir:   info.IsDir(),
		modTime: info.ModTime(),
	}
}

// LocalFS reads metadata from the local filesystem for transfer planning.
type LocalFS struct {
	basePath string
}

// NewLocalFS creates a LocalFS rooted at basePath.
// If basePath is empty, it acts upon absolute or relative paths directly.
func NewLocalFS(basePath string) *LocalFS {
	return &LocalFS{basePath: basePath}
}

func (p *LocalFS) resolve(path string) string {
	if p.basePath == "" {
		return path
	}
	return filepath.Join(p.basePath, filepath.Clean(path))
}

// Stat returns the FileInfo for the given path.
func (p *LocalFS) Stat(ctx context.Context, path string) (FileInfo, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	info, err := os.Stat(p.resolve(path))
	if err != nil {
		return nil, err
	}
	return wrapOSFileInfo(info), nil
}

// List returns the contents of the given directory sorted by name.
func (p *LocalFS) List(ctx context.Context, path string) ([]FileInfo, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	entries, err := os.ReadDir(p.resolve(path))
	if err != nil {
		return nil, err
	}

	infos := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue // skip files that disappeared between ReadDir and Info
		}
		infos = append(infos, wrapOSFileInfo(info))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name() < infos[j].Name() })
	return infos, nil
}
