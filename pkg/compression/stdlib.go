package compression

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Codec identifies the compression applied to an SST column chunk.
type Codec uint8

const (
	None Codec = iota
	Zstd
	Gzip
)

func (c Codec) String() string {
	switch c {
	case None:
		return "none"
	case Zstd:
		return "zstd"
	case Gzip:
		return "gzip"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// ParseCodec accepts none, zstd and gzip (case insensitive).
func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(s) {
	case "", "none", "uncompressed":
		return None, nil
	case "zstd":
		return Zstd, nil
	case "gzip":
		return Gzip, nil
	}
	return None, fmt.Errorf("unknown compression %q", s)
}

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

func zstdCoders() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil)
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil)
	})
	return zstdEnc, zstdDec, zstdErr
}

// Compress appends the compressed form of src to dst.
func (c Codec) Compress(dst, src []byte) ([]byte, error) {
	switch c {
	case None:
		return append(dst, src...), nil
	case Zstd:
		enc, _, err := zstdCoders()
		if err != nil {
			return nil, err
		}
		return enc.EncodeAll(src, dst), nil
	case Gzip:
		buf := bytes.NewBuffer(dst)
		if _, err := CompressGzip(bytes.NewReader(src), buf); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("unsupported codec %s", c)
}

// Decompress returns the decompressed form of src.
func (c Codec) Decompress(src []byte) ([]byte, error) {
	switch c {
	case None:
		return src, nil
	case Zstd:
		_, dec, err := zstdCoders()
		if err != nil {
			return nil, err
		}
		return dec.DecodeAll(src, nil)
	case Gzip:
		var buf bytes.Buffer
		if _, err := DecompressGzip(bytes.NewReader(src), &buf); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("unsupported codec %s", c)
}

// CompressGzip compresses using standard gzip
func CompressGzip(r io.Reader, w io.Writer) (int64, error) {
	gz := gzip.NewWriter(w)
	n, err := io.Copy(gz, r)
	if err != nil {
		_ = gz.Close()
		return 0, err
	}
	if err := gz.Close(); err != nil {
		return 0, err
	}
	return n, nil
}

// DecompressGzip decompresses gzip data
func DecompressGzip(r io.Reader, w io.Writer) (int64, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return 0, err
	}
	defer gz.Close()

	return io.Copy(w, gz)
}
