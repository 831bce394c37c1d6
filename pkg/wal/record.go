package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"

	"analyticdb/pkg/types"
)

// Record framing on disk:
//
//	len (u32) | xxhash64 of body (u64) | body
//
// body: type (u8) | table (u64) | seq (u64) | payload
const (
	recordData byte = 1
	recordMark byte = 2

	headerSize  = 4 + 8
	bodyPrefix  = 1 + 8 + 8
	maxBodySize = 1 << 30
)

var (
	ErrCorrupted = errors.New("wal record is corrupted")
	errTornTail  = errors.New("torn record at the end of the log")
)

type record struct {
	typ     byte
	table   types.TableID
	seq     types.SeqN
	payload []byte
}

func (r record) size() int64 {
	return int64(headerSize + bodyPrefix + len(r.payload))
}

func appendRecord(buf []byte, r record) []byte {
	body := make([]byte, 0, bodyPrefix+len(r.payload))
	body = append(body, r.typ)
	body = binary.LittleEndian.AppendUint64(body, uint64(r.table))
	body = binary.LittleEndian.AppendUint64(body, uint64(r.seq))
	body = append(body, r.payload...)

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(body)))
	buf = binary.LittleEndian.AppendUint64(buf, xxhash.Sum64(body))
	return append(buf, body...)
}

// readRecord returns io.EOF on a clean end, errTornTail when the log ends in
// the middle of a record and ErrCorrupted on checksum or format errors.
func readRecord(reader *bufio.Reader) (record, int64, error) {
	var hdr [headerSize]byte
	n, err := io.ReadFull(reader, hdr[:])
	if err != nil {
		if errors.Is(err, io.EOF) && n == 0 {
			return record{}, 0, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return record{}, 0, errTornTail
		}
		return record{}, 0, err
	}

	bodyLen := binary.LittleEndian.Uint32(hdr[:4])
	sum := binary.LittleEndian.Uint64(hdr[4:])
	if bodyLen < bodyPrefix || bodyLen > maxBodySize {
		return record{}, 0, fmt.Errorf("%w: body length %d", ErrCorrupted, bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(reader, body); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return record{}, 0, errTornTail
		}
		return record{}, 0, err
	}
	if xxhash.Sum64(body) != sum {
		return record{}, 0, fmt.Errorf("%w: checksum mismatch", ErrCorrupted)
	}

	rec := record{
		typ:     body[0],
		table:   types.TableID(binary.LittleEndian.Uint64(body[1:9])),
		seq:     types.SeqN(binary.LittleEndian.Uint64(body[9:17])),
		payload: body[bodyPrefix:],
	}
	if rec.typ != recordData && rec.typ != recordMark {
		return record{}, 0, fmt.Errorf("%w: unknown record type %d", ErrCorrupted, rec.typ)
	}
	return rec, int64(headerSize) + int64(bodyLen), nil
}
