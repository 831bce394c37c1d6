package wal

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"analyticdb/pkg/clock"
	"analyticdb/pkg/listener"
	"analyticdb/pkg/types"
)

const (
	defaultSegmentSize = 64 << 20
	defaultQueueSize   = 128
	maxGroupCommit     = 256
	segmentExt         = ".log"
)

// Local is a log-structured WAL with one directory of segments per shard.
// Every shard has an asynchronous writer that group-commits pending appends
// with a single fsync.
type Local struct {
	cfg    Config
	shards []*shardLog

	marksMu sync.Mutex
	marks   map[types.TableID]types.SeqN
}

type segment struct {
	id     uint64
	path   string
	size   int64
	maxSeq map[types.TableID]types.SeqN
}

type appendReq struct {
	rec  record
	done chan error
}

type shardLog struct {
	*listener.Listener[*appendReq]

	id  types.ShardID
	dir string
	cfg Config

	// mu orders seq assignment with enqueueing.
	mu     sync.Mutex
	clocks map[types.TableID]*clock.AtomicClock
	closed bool

	segMu    sync.Mutex
	segments []*segment

	// owned by the writer goroutine
	file      *os.File
	writer    *bufio.Writer
	committed int64

	reqCh chan *appendReq
}

// OpenLocal opens or creates the log under cfg.Dir. A torn record at the end
// of the newest segment of a shard is truncated.
func OpenLocal(cfg Config) (*Local, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("empty WAL dir")
	}
	if cfg.ShardNum <= 0 {
		cfg.ShardNum = 1
	}
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = defaultSegmentSize
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	cfg.Dir = filepath.Clean(cfg.Dir)

	l := &Local{
		cfg:   cfg,
		marks: make(map[types.TableID]types.SeqN),
	}
	for i := 0; i < cfg.ShardNum; i++ {
		s, err := l.openShard(types.ShardID(i))
		if err != nil {
			for _, opened := range l.shards {
				opened.stop()
			}
			return nil, err
		}
		l.shards = append(l.shards, s)
	}

	slog.Info("wal opened", "dir", cfg.Dir, "shards", cfg.ShardNum)
	return l, nil
}

func (l *Local) openShard(id types.ShardID) (*shardLog, error) {
	dir := filepath.Join(l.cfg.Dir, fmt.Sprintf("shard-%04d", id))
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	s := &shardLog{
		id:     id,
		dir:    dir,
		cfg:    l.cfg,
		clocks: make(map[types.TableID]*clock.AtomicClock),
		reqCh:  make(chan *appendReq, l.cfg.QueueSize),
	}

	ids, err := listSegments(dir)
	if err != nil {
		return nil, err
	}
	for i, segID := range ids {
		seg := &segment{
			id:     segID,
			path:   segmentPath(dir, segID),
			maxSeq: make(map[types.TableID]types.SeqN),
		}
		if err := l.scanSegment(s, seg, i == len(ids)-1); err != nil {
			return nil, err
		}
		s.segments = append(s.segments, seg)
	}
	if len(s.segments) == 0 {
		s.segments = append(s.segments, &segment{
			id:     1,
			path:   segmentPath(dir, 1),
			maxSeq: make(map[types.TableID]types.SeqN),
		})
	}

	if err := s.openActive(); err != nil {
		return nil, err
	}

	// Initialize channels and listener write listener
	s.Listener = listener.New(fmt.Sprintf("wal-shard-%d", id), s.reqCh, s.commit, s.drain)
	s.Start(context.Background())
	return s, nil
}

func segmentPath(dir string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%020d%s", id, segmentExt))
}

func listSegments(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list WAL segments: %w", err)
	}
	var ids []uint64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, segmentExt) {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimSuffix(name, segmentExt), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (l *Local) scanSegment(s *shardLog, seg *segment, tail bool) error {
	file, err := os.Open(seg.path)
	if err != nil {
		return fmt.Errorf("failed to open WAL segment: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			slog.Warn("failed to close WAL read file", "error", cerr)
		}
	}()

	reader := bufio.NewReader(file)
	var offset int64
	for {
		rec, n, err := readRecord(reader)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if !tail {
				return fmt.Errorf("segment %s at offset %d: %w", seg.path, offset, err)
			}
			slog.Warn("truncating WAL tail", "segment", seg.path, "offset", offset, "error", err)
			if terr := os.Truncate(seg.path, offset); terr != nil {
				return fmt.Errorf("failed to truncate WAL tail: %w", terr)
			}
			break
		}
		offset += n

		switch rec.typ {
		case recordData:
			seg.maxSeq[rec.table] = max(seg.maxSeq[rec.table], rec.seq)
			s.clock(rec.table).Advance(rec.seq)
		case recordMark:
			l.setMark(rec.table, rec.seq)
			s.clock(rec.table).Advance(rec.seq)
		}
	}
	seg.size = offset
	return nil
}

func (s *shardLog) clock(table types.TableID) *clock.AtomicClock {
	c, ok := s.clocks[table]
	if !ok {
		c = clock.NewAtomic(0)
		s.clocks[table] = c
	}
	return c
}

func (s *shardLog) openActive() error {
	seg := s.segments[len(s.segments)-1]
	file, err := os.OpenFile(seg.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open WAL file: %w", err)
	}
	s.file = file
	s.writer = bufio.NewWriter(file)
	s.committed = seg.size
	return nil
}

func (l *Local) shard(table types.TableID) *shardLog {
	return l.shards[shardOf(table, len(l.shards))]
}

func (l *Local) Append(ctx context.Context, table types.TableID, payload []byte) (types.SeqN, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s := l.shard(table)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	c := s.clock(table)
	seq := c.Val() + 1
	req := &appendReq{
		rec:  record{typ: recordData, table: table, seq: seq, payload: payload},
		done: make(chan error, 1),
	}
	if err := s.enqueue(ctx, req); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	c.Set(seq)
	s.mu.Unlock()

	// A queued record is written whatever happens to ctx, so the result
	// must come from the writer.
	if err := <-req.done; err != nil {
		return 0, err
	}
	return seq, nil
}

// enqueue hands req to the writer. It fails only if ctx ends before the
// request is queued. The caller holds s.mu.
func (s *shardLog) enqueue(ctx context.Context, req *appendReq) error {
	select {
	case s.reqCh <- req:
		return nil
	default:
	}
	select {
	case s.reqCh <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// commit is called by the shard listener. It writes the request and every
// other request already queued, then syncs once.
func (s *shardLog) commit(first *appendReq) error {
	batch := []*appendReq{first}
drain:
	for len(batch) < maxGroupCommit {
		select {
		case req := <-s.reqCh:
			batch = append(batch, req)
		default:
			break drain
		}
	}

	err := s.writeBatch(batch)
	for _, req := range batch {
		req.done <- err
	}
	if err != nil {
		return fmt.Errorf("failed to write WAL batch: %w", err)
	}
	return nil
}

func (s *shardLog) writeBatch(batch []*appendReq) error {
	if s.writer == nil {
		return ErrClosed
	}

	var (
		buf  []byte
		size int64
	)
	for _, req := range batch {
		buf = appendRecord(buf, req.rec)
		size += req.rec.size()
	}

	if _, err := s.writer.Write(buf); err != nil {
		s.rollback()
		return err
	}
	if err := s.writer.Flush(); err != nil {
		s.rollback()
		return fmt.Errorf("failed to flush WAL: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		s.rollback()
		return fmt.Errorf("failed to sync WAL: %w", err)
	}
	s.committed += size

	s.segMu.Lock()
	seg := s.segments[len(s.segments)-1]
	seg.size = s.committed
	for _, req := range batch {
		if req.rec.typ == recordData {
			seg.maxSeq[req.rec.table] = max(seg.maxSeq[req.rec.table], req.rec.seq)
		}
	}
	s.segMu.Unlock()

	if s.committed >= s.cfg.SegmentSize {
		if err := s.rotate(); err != nil {
			slog.Error("failed to rotate WAL segment", "shard", s.id, "error", err)
		}
	}
	return nil
}

// rollback drops a partially written batch so later records stay readable.
func (s *shardLog) rollback() {
	s.writer.Reset(s.file)
	if err := s.file.Truncate(s.committed); err != nil {
		slog.Error("failed to truncate WAL after write error", "shard", s.id, "error", err)
	}
}

func (s *shardLog) rotate() error {
	s.segMu.Lock()
	defer s.segMu.Unlock()

	last := s.segments[len(s.segments)-1]
	next := &segment{
		id:     last.id + 1,
		path:   segmentPath(s.dir, last.id+1),
		maxSeq: make(map[types.TableID]types.SeqN),
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("failed to close WAL segment: %w", err)
	}
	s.segments = append(s.segments, next)
	if err := s.openActive(); err != nil {
		return err
	}
	slog.Debug("wal segment rotated", "shard", s.id, "segment", next.id)
	return nil
}

// drain fails the requests left in the queue after the writer stopped.
func (s *shardLog) drain() {
	for {
		select {
		case req := <-s.reqCh:
			req.done <- ErrClosed
		default:
			return
		}
	}
}

func (s *shardLog) stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if s.Listener != nil {
		s.Listener.Stop()
	}
	if s.writer != nil {
		if err := s.writer.Flush(); err != nil {
			slog.Warn("failed to flush WAL on close", "shard", s.id, "error", err)
		}
		s.writer = nil
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			slog.Warn("failed to close WAL file", "shard", s.id, "error", err)
		}
		s.file = nil
	}
}

func (l *Local) setMark(table types.TableID, seq types.SeqN) bool {
	l.marksMu.Lock()
	defer l.marksMu.Unlock()
	if seq <= l.marks[table] {
		return false
	}
	l.marks[table] = seq
	return true
}

func (l *Local) mark(table types.TableID) types.SeqN {
	l.marksMu.Lock()
	defer l.marksMu.Unlock()
	return l.marks[table]
}

func (l *Local) MarkDeleted(ctx context.Context, table types.TableID, seq types.SeqN) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if seq <= l.mark(table) {
		return nil
	}
	s := l.shard(table)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	req := &appendReq{
		rec:  record{typ: recordMark, table: table, seq: seq},
		done: make(chan error, 1),
	}
	if err := s.enqueue(ctx, req); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	if err := <-req.done; err != nil {
		return fmt.Errorf("failed to persist WAL mark: %w", err)
	}

	l.setMark(table, seq)
	l.reclaim(s)
	return nil
}

// reclaim removes sealed segments whose every entry is marked deleted.
func (l *Local) reclaim(s *shardLog) {
	s.segMu.Lock()
	defer s.segMu.Unlock()

	l.marksMu.Lock()
	obsolete := func(seg *segment) bool {
		for table, seq := range seg.maxSeq {
			if seq > l.marks[table] {
				return false
			}
		}
		return true
	}
	kept := make([]*segment, 0, len(s.segments))
	var removed []*segment
	for i, seg := range s.segments {
		if i < len(s.segments)-1 && obsolete(seg) {
			removed = append(removed, seg)
			continue
		}
		kept = append(kept, seg)
	}
	l.marksMu.Unlock()

	for _, seg := range removed {
		if err := os.Remove(seg.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("failed to remove WAL segment", "segment", seg.path, "error", err)
			return
		}
		slog.Debug("wal segment reclaimed", "shard", s.id, "segment", seg.id)
	}
	s.segments = kept
}

func (l *Local) entries(s *shardLog, keep func(record) bool) iter.Seq2[Entry, error] {
	s.segMu.Lock()
	segs := make([]segment, len(s.segments))
	for i, seg := range s.segments {
		segs[i] = *seg
	}
	s.segMu.Unlock()

	return func(yield func(Entry, error) bool) {
		for _, seg := range segs {
			file, err := os.Open(seg.path)
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			if err != nil {
				yield(Entry{}, fmt.Errorf("failed to open WAL for reading: %w", err))
				return
			}

			reader := bufio.NewReader(io.LimitReader(file, seg.size))
			stop := false
			for !stop {
				rec, _, err := readRecord(reader)
				if errors.Is(err, io.EOF) {
					break
				}
				if err != nil {
					_ = file.Close()
					yield(Entry{}, fmt.Errorf("failed to read WAL entry: %w", err))
					return
				}
				if rec.typ != recordData || rec.seq <= l.mark(rec.table) || !keep(rec) {
					continue
				}
				stop = !yield(Entry{TableID: rec.table, Seq: rec.seq, Payload: rec.payload}, nil)
			}
			if cerr := file.Close(); cerr != nil {
				slog.Warn("failed to close WAL read file", "error", cerr)
			}
			if stop {
				return
			}
		}
	}
}

func (l *Local) Replay(ctx context.Context, table types.TableID, from types.SeqN, batchSize int) (Iterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src := l.entries(l.shard(table), func(r record) bool {
		return r.table == table && r.seq >= from
	})
	next, stop := iter.Pull2(src)
	return newPullIterator(next, stop, batchSize), nil
}

func (l *Local) ReplayShard(ctx context.Context, shard types.ShardID, from map[types.TableID]types.SeqN, batchSize int) (Iterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if int(shard) >= len(l.shards) {
		return nil, fmt.Errorf("shard %d out of range [0, %d)", shard, len(l.shards))
	}
	src := l.entries(l.shards[shard], func(r record) bool {
		start, ok := from[r.table]
		return ok && r.seq >= start
	})
	next, stop := iter.Pull2(src)
	return newPullIterator(next, stop, batchSize), nil
}

func (l *Local) Observe(table types.TableID, seq types.SeqN) {
	s := l.shard(table)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock(table).Advance(seq)
}

func (l *Local) LastSeq(table types.TableID) types.SeqN {
	s := l.shard(table)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock(table).Val()
}

func (l *Local) ShardOf(table types.TableID) types.ShardID {
	return shardOf(table, len(l.shards))
}

func (l *Local) ShardNum() int {
	return len(l.shards)
}

func (l *Local) Close() error {
	for _, s := range l.shards {
		s.stop()
	}
	return nil
}
