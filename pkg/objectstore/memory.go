package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process Store.
type Memory struct {
	mu      sync.RWMutex
	storage map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{storage: make(map[string][]byte)}
}

func (m *Memory) Get(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.storage[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return bytes.Clone(data), nil
}

func (m *Memory) GetRange(ctx context.Context, path string, off, length int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.storage[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if off < 0 || length < 0 || off+length > int64(len(data)) {
		return nil, fmt.Errorf("range [%d:%d] out of bounds for %s (%d bytes)", off, off+length, path, len(data))
	}
	return bytes.Clone(data[off : off+length]), nil
}

func (m *Memory) Size(ctx context.Context, path string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.storage[path]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return int64(len(data)), nil
}

func (m *Memory) Put(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.storage[path] = bytes.Clone(data)
	return nil
}

func (m *Memory) PutMultipart(ctx context.Context, path string) (MultipartWriter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memoryUpload{store: m, path: path}, nil
}

func (m *Memory) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.storage, path)
	return nil
}

func (m *Memory) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	for p := range m.storage {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

type memoryUpload struct {
	store *Memory
	path  string
	buf   bytes.Buffer
	done  bool
}

func (u *memoryUpload) Write(p []byte) (int, error) {
	if u.done {
		return 0, ErrAborted
	}
	return u.buf.Write(p)
}

func (u *memoryUpload) Complete(ctx context.Context) error {
	if u.done {
		return ErrAborted
	}
	u.done = true
	return u.store.Put(ctx, u.path, u.buf.Bytes())
}

func (u *memoryUpload) Abort(context.Context) error {
	u.done = true
	u.buf.Reset()
	return nil
}
