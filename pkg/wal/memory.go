package wal

import (
	"bytes"
	"context"
	"iter"
	"sync"

	"analyticdb/pkg/types"
)

// Memory keeps the log in process memory. Entries survive Close so a test
// can reopen an engine on the same instance to simulate a restart.
type Memory struct {
	mu       sync.Mutex
	shardNum int
	shards   [][]Entry
	lastSeq  map[types.TableID]types.SeqN
	marks    map[types.TableID]types.SeqN
	closed   bool
}

func NewMemory(shardNum int) *Memory {
	if shardNum <= 0 {
		shardNum = 1
	}
	return &Memory{
		shardNum: shardNum,
		shards:   make([][]Entry, shardNum),
		lastSeq:  make(map[types.TableID]types.SeqN),
		marks:    make(map[types.TableID]types.SeqN),
	}
}

// Reopen makes a closed instance usable again.
func (m *Memory) Reopen() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = false
}

func (m *Memory) Append(ctx context.Context, table types.TableID, payload []byte) (types.SeqN, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}
	seq := m.lastSeq[table] + 1
	m.lastSeq[table] = seq
	shard := shardOf(table, m.shardNum)
	m.shards[shard] = append(m.shards[shard], Entry{TableID: table, Seq: seq, Payload: bytes.Clone(payload)})
	return seq, nil
}

func (m *Memory) snapshot(shard types.ShardID, keep func(Entry) bool) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Entry
	for _, e := range m.shards[shard] {
		if e.Seq <= m.marks[e.TableID] {
			continue
		}
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

func entriesSeq(entries []Entry) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		for _, e := range entries {
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (m *Memory) Replay(ctx context.Context, table types.TableID, from types.SeqN, batchSize int) (Iterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries := m.snapshot(m.ShardOf(table), func(e Entry) bool {
		return e.TableID == table && e.Seq >= from
	})
	next, stop := iter.Pull2(entriesSeq(entries))
	return newPullIterator(next, stop, batchSize), nil
}

func (m *Memory) ReplayShard(ctx context.Context, shard types.ShardID, from map[types.TableID]types.SeqN, batchSize int) (Iterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries := m.snapshot(shard, func(e Entry) bool {
		start, ok := from[e.TableID]
		return ok && e.Seq >= start
	})
	next, stop := iter.Pull2(entriesSeq(entries))
	return newPullIterator(next, stop, batchSize), nil
}

func (m *Memory) MarkDeleted(ctx context.Context, table types.TableID, seq types.SeqN) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if seq <= m.marks[table] {
		return nil
	}
	m.marks[table] = seq

	shard := shardOf(table, m.shardNum)
	kept := m.shards[shard][:0]
	for _, e := range m.shards[shard] {
		if e.Seq > m.marks[e.TableID] {
			kept = append(kept, e)
		}
	}
	m.shards[shard] = kept
	return nil
}

func (m *Memory) Observe(table types.TableID, seq types.SeqN) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq > m.lastSeq[table] {
		m.lastSeq[table] = seq
	}
}

func (m *Memory) LastSeq(table types.TableID) types.SeqN {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSeq[table]
}

func (m *Memory) ShardOf(table types.TableID) types.ShardID {
	return shardOf(table, m.shardNum)
}

func (m *Memory) ShardNum() int {
	return m.shardNum
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
