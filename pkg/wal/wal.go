package wal

import (
	"context"
	"errors"
	"fmt"
	"io"

	"analyticdb/pkg/encoding/custom"
	"analyticdb/pkg/row"
	"analyticdb/pkg/types"
)

var (
	ErrClosed           = errors.New("wal is closed")
	ErrBackendNotLinked = errors.New("wal backend is not linked into this build")
)

// Entry is one appended payload.
type Entry struct {
	TableID types.TableID
	Seq     types.SeqN
	Payload []byte
}

// Iterator yields replayed entries in ascending seq order per table.
// Next returns io.EOF once the log is exhausted.
type Iterator interface {
	Next(ctx context.Context) ([]Entry, error)
	Close() error
}

// Manager is the write-ahead log capability the engine consumes.
type Manager interface {
	// Append durably stores payload and returns its seq, the next one of the table.
	Append(ctx context.Context, table types.TableID, payload []byte) (types.SeqN, error)
	// Replay streams the entries of one table with seq >= from.
	Replay(ctx context.Context, table types.TableID, from types.SeqN, batchSize int) (Iterator, error)
	// ReplayShard streams the entries of every table in from that lives on
	// shard, starting at the per table seq.
	ReplayShard(ctx context.Context, shard types.ShardID, from map[types.TableID]types.SeqN, batchSize int) (Iterator, error)
	// MarkDeleted declares entries with seq <= seq obsolete.
	MarkDeleted(ctx context.Context, table types.TableID, seq types.SeqN) error
	// Observe moves the seq of table forward to at least seq. It is used when
	// the manifest knows of writes whose entries were already reclaimed.
	Observe(table types.TableID, seq types.SeqN)
	LastSeq(table types.TableID) types.SeqN
	ShardOf(table types.TableID) types.ShardID
	ShardNum() int
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Type        string
	Dir         string
	ShardNum    int
	SegmentSize int64
	// QueueSize bounds pending appends per shard writer.
	QueueSize int
}

const (
	TypeLocal   = "local"
	TypeMemory  = "memory"
	TypeTableKV = "table_kv"
	TypeKafka   = "kafka"
)

// New builds the backend named by cfg.Type. Remote backends have to be
// constructed by the caller and injected instead.
func New(cfg Config) (Manager, error) {
	if cfg.ShardNum <= 0 {
		cfg.ShardNum = 1
	}
	switch cfg.Type {
	case TypeLocal, "":
		return OpenLocal(cfg)
	case TypeMemory:
		return NewMemory(cfg.ShardNum), nil
	case TypeTableKV, TypeKafka:
		return nil, fmt.Errorf("%w: %s", ErrBackendNotLinked, cfg.Type)
	}
	return nil, fmt.Errorf("unknown wal type %q", cfg.Type)
}

func shardOf(table types.TableID, shardNum int) types.ShardID {
	return types.ShardID(uint64(table) % uint64(shardNum))
}

// EncodeBatch is the payload format of a row batch.
func EncodeBatch(rows []row.Row) ([]byte, error) {
	return custom.EncodeRows(rows)
}

func DecodeBatch(payload []byte) ([]row.Row, error) {
	return custom.DecodeRows(payload)
}

// pullIterator batches a push style entry stream.
type pullIterator struct {
	next      func() (Entry, error, bool)
	stop      func()
	batchSize int
	done      bool
}

func newPullIterator(next func() (Entry, error, bool), stop func(), batchSize int) *pullIterator {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &pullIterator{next: next, stop: stop, batchSize: batchSize}
}

func (it *pullIterator) Next(ctx context.Context) ([]Entry, error) {
	if it.done {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	batch := make([]Entry, 0, it.batchSize)
	for len(batch) < it.batchSize {
		e, err, ok := it.next()
		if err != nil {
			it.done = true
			it.stop()
			return nil, err
		}
		if !ok {
			it.done = true
			it.stop()
			break
		}
		batch = append(batch, e)
	}
	if len(batch) == 0 {
		return nil, io.EOF
	}
	return batch, nil
}

func (it *pullIterator) Close() error {
	if !it.done {
		it.done = true
		it.stop()
	}
	return nil
}
