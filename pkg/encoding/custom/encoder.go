package custom

import (
	"encoding/binary"
	"fmt"
	"math"

	"analyticdb/pkg/row"
	"analyticdb/pkg/types"
)

type EncodeError struct {
	Message string
}

func (e *EncodeError) Error() string {
	return e.Message
}

type DecodeError struct {
	Message string
}

func (e *DecodeError) Error() string {
	return e.Message
}

// AppendUint64 appends v in little endian.
func AppendUint64(buf []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(buf, v)
}

// AppendBytes appends a uvarint length prefix followed by b.
func AppendBytes(buf, b []byte) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(b)))
	return append(buf, b...)
}

// AppendDatum writes the type tag followed by the value payload.
func AppendDatum(buf []byte, d row.Datum) ([]byte, error) {
	buf = append(buf, byte(d.Kind))

	switch d.Kind {
	case row.KindNull:
	case row.KindBool:
		if d.AsBool() {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case row.KindInt64, row.KindTimestamp:
		buf = AppendUint64(buf, uint64(d.Int))
	case row.KindFloat64:
		buf = AppendUint64(buf, math.Float64bits(d.Float))
	case row.KindString, row.KindBytes:
		if uint64(len(d.Bytes)) > math.MaxUint32 {
			return nil, &EncodeError{Message: fmt.Sprintf("value too large: %d", len(d.Bytes))}
		}
		buf = AppendBytes(buf, d.Bytes)
	default:
		return nil, &EncodeError{Message: fmt.Sprintf("unknown kind: %d", d.Kind)}
	}

	return buf, nil
}

// AppendRow encodes one row version: key, seq, op, value count, values.
func AppendRow(buf []byte, r row.Row) ([]byte, error) {
	buf = AppendBytes(buf, r.Key)
	buf = AppendUint64(buf, uint64(r.Seq))
	buf = append(buf, byte(r.Op))
	buf = binary.AppendUvarint(buf, uint64(len(r.Values)))

	var err error
	for _, v := range r.Values {
		buf, err = AppendDatum(buf, v)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// EncodeRows encodes a row count followed by the rows.
func EncodeRows(rows []row.Row) ([]byte, error) {
	buf := binary.AppendUvarint(nil, uint64(len(rows)))

	var err error
	for _, r := range rows {
		buf, err = AppendRow(buf, r)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// DecodeRows is the inverse of EncodeRows.
func DecodeRows(data []byte) ([]row.Row, error) {
	d := NewDecoder(data)
	n := d.Uvarint()
	if d.Err() != nil {
		return nil, d.Err()
	}
	if n > uint64(len(data)) {
		return nil, &DecodeError{Message: fmt.Sprintf("row count %d exceeds payload", n)}
	}

	rows := make([]row.Row, 0, n)
	for i := uint64(0); i < n; i++ {
		r := d.Row()
		if d.Err() != nil {
			return nil, d.Err()
		}
		rows = append(rows, r)
	}
	if d.Remaining() != 0 {
		return nil, &DecodeError{Message: fmt.Sprintf("%d trailing bytes", d.Remaining())}
	}
	return rows, nil
}

// Decoder reads values sequentially and remembers the first error.
type Decoder struct {
	data []byte
	off  int
	err  error
}

func NewDecoder(data []byte) *Decoder {
	return &Decoder{data: data}
}

func (d *Decoder) Err() error {
	return d.err
}

func (d *Decoder) Remaining() int {
	return len(d.data) - d.off
}

func (d *Decoder) fail(msg string) {
	if d.err == nil {
		d.err = &DecodeError{Message: fmt.Sprintf("%s at offset %d", msg, d.off)}
	}
}

func (d *Decoder) Byte() byte {
	if d.err != nil {
		return 0
	}
	if d.Remaining() < 1 {
		d.fail("insufficient data for byte")
		return 0
	}
	b := d.data[d.off]
	d.off++
	return b
}

func (d *Decoder) Uint64() uint64 {
	if d.err != nil {
		return 0
	}
	if d.Remaining() < 8 {
		d.fail("insufficient data for uint64")
		return 0
	}
	v := binary.LittleEndian.Uint64(d.data[d.off:])
	d.off += 8
	return v
}

func (d *Decoder) Uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.data[d.off:])
	if n <= 0 {
		d.fail("malformed uvarint")
		return 0
	}
	d.off += n
	return v
}

// Bytes returns a copy of the next length-prefixed byte string.
func (d *Decoder) Bytes() []byte {
	n := d.Uvarint()
	if d.err != nil {
		return nil
	}
	if uint64(d.Remaining()) < n {
		d.fail("insufficient data for bytes")
		return nil
	}
	out := make([]byte, n)
	copy(out, d.data[d.off:d.off+int(n)])
	d.off += int(n)
	return out
}

func (d *Decoder) Datum() row.Datum {
	kind := row.Kind(d.Byte())
	if d.err != nil {
		return row.Datum{}
	}

	switch kind {
	case row.KindNull:
		return row.Null()
	case row.KindBool:
		return row.Bool(d.Byte() != 0)
	case row.KindInt64, row.KindTimestamp:
		return row.Datum{Kind: kind, Int: int64(d.Uint64())}
	case row.KindFloat64:
		return row.Float64(math.Float64frombits(d.Uint64()))
	case row.KindString, row.KindBytes:
		return row.Datum{Kind: kind, Bytes: d.Bytes()}
	default:
		d.fail(fmt.Sprintf("unknown kind: %d", kind))
		return row.Datum{}
	}
}

func (d *Decoder) Row() row.Row {
	var r row.Row
	r.Key = d.Bytes()
	r.Seq = types.SeqN(d.Uint64())
	r.Op = row.Op(d.Byte())
	n := d.Uvarint()
	if d.err != nil {
		return row.Row{}
	}
	if n > uint64(d.Remaining()) {
		d.fail("value count exceeds payload")
		return row.Row{}
	}
	if n > 0 {
		r.Values = make([]row.Datum, n)
		for i := range r.Values {
			r.Values[i] = d.Datum()
		}
	}
	if d.err != nil {
		return row.Row{}
	}
	return r
}
