package objectstore

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const tmpSuffix = ".tmp"

// Local keeps objects as files under a root directory.
type Local struct {
	root string
}

func NewLocal(root string) (*Local, error) {
	if root == "" {
		return nil, fmt.Errorf("empty object store root")
	}
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0750); err != nil {
		return nil, fmt.Errorf("failed to create object store root: %w", err)
	}
	return &Local{root: root}, nil
}

func (l *Local) fullPath(path string) string {
	return filepath.Join(l.root, filepath.FromSlash(path))
}

func (l *Local) Get(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(l.fullPath(path))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return data, err
}

func (l *Local) GetRange(ctx context.Context, path string, off, length int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(l.fullPath(path))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			slog.Warn("failed to close object file", "path", path, "error", cerr)
		}
	}()

	buf := make([]byte, length)
	if _, err := f.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("failed to read %s [%d:%d]: %w", path, off, off+length, err)
	}
	return buf, nil
}

func (l *Local) Size(ctx context.Context, path string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	st, err := os.Stat(l.fullPath(path))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

func (l *Local) Put(ctx context.Context, path string, data []byte) error {
	w, err := l.PutMultipart(ctx, path)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Abort(ctx)
		return err
	}
	return w.Complete(ctx)
}

func (l *Local) PutMultipart(ctx context.Context, path string) (MultipartWriter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	final := l.fullPath(path)
	if err := os.MkdirAll(filepath.Dir(final), 0750); err != nil {
		return nil, fmt.Errorf("failed to create object dir: %w", err)
	}
	f, err := os.OpenFile(final+tmpSuffix, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create object: %w", err)
	}
	return &localUpload{file: f, writer: bufio.NewWriter(f), final: final}, nil
}

func (l *Local) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(l.fullPath(path))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (l *Local) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []string
	err := filepath.WalkDir(l.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(p, tmpSuffix) {
			return nil
		}
		rel, err := filepath.Rel(l.root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(rel, prefix) {
			out = append(out, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

type localUpload struct {
	file   *os.File
	writer *bufio.Writer
	final  string
	done   bool
}

func (u *localUpload) Write(p []byte) (int, error) {
	if u.done {
		return 0, ErrAborted
	}
	return u.writer.Write(p)
}

func (u *localUpload) Complete(ctx context.Context) error {
	if u.done {
		return ErrAborted
	}
	u.done = true

	if err := u.writer.Flush(); err != nil {
		u.cleanup()
		return fmt.Errorf("failed to flush object: %w", err)
	}
	if err := u.file.Sync(); err != nil {
		u.cleanup()
		return fmt.Errorf("failed to sync object: %w", err)
	}
	if err := u.file.Close(); err != nil {
		_ = os.Remove(u.file.Name())
		return fmt.Errorf("failed to close object: %w", err)
	}
	if err := ctx.Err(); err != nil {
		_ = os.Remove(u.file.Name())
		return err
	}
	if err := os.Rename(u.file.Name(), u.final); err != nil {
		return fmt.Errorf("failed to publish object: %w", err)
	}
	return nil
}

func (u *localUpload) Abort(context.Context) error {
	if u.done {
		return nil
	}
	u.done = true
	u.cleanup()
	return nil
}

func (u *localUpload) cleanup() {
	_ = u.file.Close()
	if err := os.Remove(u.file.Name()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to remove partial object", "path", u.file.Name(), "error", err)
	}
}

var _ io.Writer = (*localUpload)(nil)
