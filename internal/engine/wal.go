package engine

import (
	"fmt"
	"path/filepath"

	"analyticdb/pkg/objectstore"
	"analyticdb/pkg/wal"
)

// openWAL builds the configured log backend. The shard count is the one
// frozen in the manifest, not the configured one.
func (e *Engine) openWAL() (wal.Manager, error) {
	wc := e.cfg.WAL
	dir := wc.Local.Dir
	if dir == "" {
		dir = filepath.Join(e.root, walDir)
	}
	w, err := wal.New(wal.Config{
		Type:        wc.Type,
		Dir:         dir,
		ShardNum:    e.namespace.ShardNum,
		SegmentSize: wc.Local.SegmentSize.Bytes(),
		QueueSize:   wc.Local.QueueSize,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s wal: %w", wc.Type, err)
	}
	return w, nil
}

func (e *Engine) openStore() (objectstore.Store, error) {
	switch e.cfg.Storage.Type {
	case "memory":
		return objectstore.NewMemory(), nil
	default:
		s, err := objectstore.NewLocal(filepath.Join(e.root, sstDir))
		if err != nil {
			return nil, fmt.Errorf("open object store: %w", err)
		}
		return s, nil
	}
}
