package sst

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/semaphore"

	"analyticdb/pkg/cache"
	"analyticdb/pkg/objectstore"
	"analyticdb/pkg/row"
	"analyticdb/pkg/types"
)

const defaultReadParallelism = 8

type Options struct {
	// MetaCacheCap bounds the number of cached footers, <= 0 is unbounded.
	MetaCacheCap int
	// DataCacheCap bounds the number of cached decoded row groups, <= 0 is unbounded.
	DataCacheCap int
	// ReadParallelism bounds row group fetches in flight across all readers.
	ReadParallelism int
}

type fileKey struct {
	table types.TableID
	file  types.FileID
}

type groupKey struct {
	fileKey
	group int
}

// Factory opens, writes and deletes the SSTs of every table. The caches and
// the read semaphore are shared by all tables.
type Factory struct {
	store objectstore.Store
	meta  *cache.LRU[fileKey, *Footer]
	data  *cache.LRU[groupKey, []row.Row]
	sem   *semaphore.Weighted
	par   int
}

func NewFactory(store objectstore.Store, opts Options) *Factory {
	if opts.ReadParallelism <= 0 {
		opts.ReadParallelism = defaultReadParallelism
	}
	return &Factory{
		store: store,
		meta:  cache.New[fileKey, *Footer](opts.MetaCacheCap),
		data:  cache.New[groupKey, []row.Row](opts.DataCacheCap),
		sem:   semaphore.NewWeighted(int64(opts.ReadParallelism)),
		par:   opts.ReadParallelism,
	}
}

// Path is the object path of a table file.
func Path(table types.TableID, file types.FileID) string {
	return fmt.Sprintf("tables/%d/%020d.sst", table, file)
}

// Open loads the footer of a file, through the meta cache.
func (f *Factory) Open(ctx context.Context, table types.TableID, file types.FileID) (*Reader, error) {
	key := fileKey{table: table, file: file}
	if footer, ok := f.meta.Get(key); ok {
		return &Reader{factory: f, key: key, footer: footer}, nil
	}

	path := Path(table, file)
	size, err := f.store.Size(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if size < trailerSize {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrCorrupted, path, size)
	}

	trailer, err := f.store.GetRange(ctx, path, size-trailerSize, trailerSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read trailer of %s: %w", path, err)
	}
	footerLen, err := decodeTrailer(trailer)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if int64(footerLen) > size-trailerSize {
		return nil, fmt.Errorf("%w: %s footer length %d", ErrCorrupted, path, footerLen)
	}

	raw, err := f.store.GetRange(ctx, path, size-trailerSize-int64(footerLen), int64(footerLen))
	if err != nil {
		return nil, fmt.Errorf("failed to read footer of %s: %w", path, err)
	}
	footer, err := decodeFooter(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	footer.Meta.Size = size

	f.meta.Set(key, footer)
	return &Reader{factory: f, key: key, footer: footer}, nil
}

// Delete removes the object and evicts it from both caches.
func (f *Factory) Delete(ctx context.Context, table types.TableID, file types.FileID) error {
	key := fileKey{table: table, file: file}
	f.meta.Remove(key)
	f.data.RemoveFunc(func(k groupKey) bool { return k.fileKey == key })

	if err := f.store.Delete(ctx, Path(table, file)); err != nil {
		return fmt.Errorf("failed to delete sst %d/%d: %w", table, file, err)
	}
	slog.Debug("sst deleted", "table", table, "file", file)
	return nil
}

// List returns the file ids present in the store for a table.
func (f *Factory) List(ctx context.Context, table types.TableID) ([]types.FileID, error) {
	paths, err := f.store.List(ctx, fmt.Sprintf("tables/%d/", table))
	if err != nil {
		return nil, err
	}
	ids := make([]types.FileID, 0, len(paths))
	for _, p := range paths {
		var (
			t  uint64
			id uint64
		)
		if _, err := fmt.Sscanf(p, "tables/%d/%d.sst", &t, &id); err != nil {
			continue
		}
		ids = append(ids, types.FileID(id))
	}
	return ids, nil
}

func (f *Factory) MetaCacheLen() int {
	return f.meta.Len()
}

func (f *Factory) DataCacheLen() int {
	return f.data.Len()
}

type CacheStats struct {
	MetaEntries int    `json:"meta_entries"`
	MetaHits    uint64 `json:"meta_hits"`
	MetaMisses  uint64 `json:"meta_misses"`
	DataEntries int    `json:"data_entries"`
	DataHits    uint64 `json:"data_hits"`
	DataMisses  uint64 `json:"data_misses"`
}

func (f *Factory) CacheStats() CacheStats {
	var s CacheStats
	s.MetaEntries = f.meta.Len()
	s.MetaHits, s.MetaMisses = f.meta.Stats()
	s.DataEntries = f.data.Len()
	s.DataHits, s.DataMisses = f.data.Stats()
	return s
}
