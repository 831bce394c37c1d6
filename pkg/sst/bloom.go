package sst

import (
	"math"

	"github.com/cespare/xxhash/v2"
)

const defaultFPRate = 0.01

// BloomFilter is a bit array probed with double hashing over one xxhash sum.
type BloomFilter struct {
	Bits []byte `json:"bits"`
	K    uint32 `json:"k"`
}

// NewBloomFilter sizes the filter for expectedItems at falsePositiveRate.
func NewBloomFilter(expectedItems int, falsePositiveRate float64) *BloomFilter {
	if expectedItems < 1 {
		expectedItems = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = defaultFPRate
	}

	// m = -(n * ln(p)) / (ln(2)^2)
	m := int(math.Ceil(-float64(expectedItems) * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2)))
	if m < 64 {
		m = 64
	}
	// k = (m/n) * ln(2)
	k := int(math.Round(float64(m) / float64(expectedItems) * math.Ln2))
	k = max(1, min(k, 16))

	return &BloomFilter{
		Bits: make([]byte, (m+7)/8),
		K:    uint32(k),
	}
}

func (bf *BloomFilter) size() uint64 {
	return uint64(len(bf.Bits)) * 8
}

// Add adds a key to the bloom filter
func (bf *BloomFilter) Add(key []byte) {
	h := xxhash.Sum64(key)
	h1, h2 := h&math.MaxUint32, h>>32
	for i := uint64(0); i < uint64(bf.K); i++ {
		idx := (h1 + i*h2) % bf.size()
		bf.Bits[idx/8] |= 1 << (idx % 8)
	}
}

// MayContain checks if a key might be in the bloom filter
func (bf *BloomFilter) MayContain(key []byte) bool {
	if bf == nil || len(bf.Bits) == 0 {
		return true
	}
	h := xxhash.Sum64(key)
	h1, h2 := h&math.MaxUint32, h>>32
	for i := uint64(0); i < uint64(bf.K); i++ {
		idx := (h1 + i*h2) % bf.size()
		if bf.Bits[idx/8]&(1<<(idx%8)) == 0 {
			return false
		}
	}
	return true
}
