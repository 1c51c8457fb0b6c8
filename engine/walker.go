package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/franksops/gobucket/provider"
)

// FS is the local filesystem view used to plan uploads.
type FS interface {
	Stat(ctx context.Context, path string) (provider.FileInfo, error)
	List(ctx context.Context, path string) ([]provider.FileInfo, error)
}

// WalkFunc is called for every regular file found by Walk.
type WalkFunc func(path string, info provider.FileInfo) error

// Walker traverses a directory iteratively. It avoids deep recursion to
// prevent stack overflows on very deep directory structures.
type Walker struct {
	fs FS
}

// NewWalker creates a new iterative directory walker.
func NewWalker(fs FS) *Walker {
	return &Walker{fs: fs}
}

// Walk visits every file under root in lexical path order. If root is a
// file, fn is called once for it.
func (w *Walker) Walk(ctx context.Context, root string, fn WalkFunc) error {
	stat, err := w.fs.Stat(ctx, root)
	if err != nil {
		return fmt.Errorf("failed to stat source %s: %w", root, err)
	}
	if !stat.IsDir() {
		return fn(root, stat)
	}

	type walkItem struct {
		path string
		info provider.FileInfo
	}

	// Entries are pushed in reverse so that popping yields lexical order.
	stack := []walkItem{{path: root, info: stat}}

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		curr := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if !curr.info.IsDir() {
			if err := fn(curr.path, curr.info); err != nil {
				return err
			}
			continue
		}

		entries, err := w.fs.List(ctx, curr.path)
		if err != nil {
			return fmt.Errorf("failed to list directory %s: %w", curr.path, err)
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
		for i := len(entries) - 1; i >= 0; i-- {
			stack = append(stack, walkItem{
				path: filepath.Join(curr.path, entries[i].Name()),
				info: entries[i],
			})
		}
	}

	return nil
}

// objectName names a walked file after its path relative to the selected
// directory, with forward slashes.
func objectName(root, path string) (string, error) {
	rel, err := filepath.Rel(filepath.Clean(root), path)
	if err != nil {
		return "", fmt.Errorf("failed to name %s: %w", path, err)
	}
	return filepath.ToSlash(rel), nil
}
