package compaction

import (
	"cmp"
	"slices"

	"analyticdb/pkg/config"
	"analyticdb/pkg/sst"
	"analyticdb/pkg/types"
)

// Picker chooses the input files of the next compaction of a table.
// Returning fewer than two files means there is nothing to do.
type Picker interface {
	Pick(files []sst.FileMeta) []sst.FileMeta
}

// SizeTieredPicker groups files of similar size into buckets and compacts
// the bucket whose files overlap the most. Ties go to the bucket holding the
// oldest data.
type SizeTieredPicker struct {
	MinThreshold   int
	MaxThreshold   int
	BucketLow      float64
	BucketHigh     float64
	MinSSTableSize int64
	MaxInputBytes  int64
}

func NewSizeTieredPicker(cfg config.CompactionConfig) *SizeTieredPicker {
	return &SizeTieredPicker{
		MinThreshold:   cfg.MinThreshold,
		MaxThreshold:   cfg.MaxThreshold,
		BucketLow:      cfg.BucketLow,
		BucketHigh:     cfg.BucketHigh,
		MinSSTableSize: cfg.MinSSTableSize.Bytes(),
		MaxInputBytes:  cfg.MaxInputBytes.Bytes(),
	}
}

type bucket struct {
	files []sst.FileMeta
	avg   float64
}

func (b *bucket) add(f sst.FileMeta) {
	total := b.avg*float64(len(b.files)) + float64(f.Size)
	b.files = append(b.files, f)
	b.avg = total / float64(len(b.files))
}

func (p *SizeTieredPicker) buckets(files []sst.FileMeta) []*bucket {
	sorted := slices.Clone(files)
	slices.SortFunc(sorted, func(a, b sst.FileMeta) int {
		if c := cmp.Compare(a.Size, b.Size); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	var out []*bucket
	for _, f := range sorted {
		size := float64(f.Size)
		placed := false
		for _, b := range out {
			small := f.Size < p.MinSSTableSize && b.avg < float64(p.MinSSTableSize)
			if small || size >= b.avg*p.BucketLow && size <= b.avg*p.BucketHigh {
				b.add(f)
				placed = true
				break
			}
		}
		if !placed {
			b := &bucket{}
			b.add(f)
			out = append(out, b)
		}
	}
	return out
}

// overlapDegree counts, for every file, the other files of the set whose key
// range intersects it.
func overlapDegree(files []sst.FileMeta) map[types.FileID]int {
	deg := make(map[types.FileID]int, len(files))
	for i := range files {
		for j := i + 1; j < len(files); j++ {
			if files[i].Overlaps(files[j]) {
				deg[files[i].ID]++
				deg[files[j].ID]++
			}
		}
	}
	return deg
}

func overlapScore(files []sst.FileMeta) int {
	score := 0
	for _, d := range overlapDegree(files) {
		score += d
	}
	return score / 2
}

func oldestSeq(files []sst.FileMeta) types.SeqN {
	oldest := types.MaxSeqN
	for _, f := range files {
		oldest = min(oldest, f.SeqMax)
	}
	return oldest
}

// trim keeps the most overlapping, then oldest, files of a bucket within the
// file count and byte caps.
func (p *SizeTieredPicker) trim(files []sst.FileMeta) []sst.FileMeta {
	deg := overlapDegree(files)
	ordered := slices.Clone(files)
	slices.SortFunc(ordered, func(a, b sst.FileMeta) int {
		if c := cmp.Compare(deg[b.ID], deg[a.ID]); c != 0 {
			return c
		}
		if c := cmp.Compare(a.SeqMax, b.SeqMax); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	var (
		out   []sst.FileMeta
		total int64
	)
	for _, f := range ordered {
		if p.MaxThreshold > 0 && len(out) >= p.MaxThreshold {
			break
		}
		if p.MaxInputBytes > 0 && total+f.Size > p.MaxInputBytes && len(out) >= 2 {
			break
		}
		out = append(out, f)
		total += f.Size
	}
	return out
}

func (p *SizeTieredPicker) Pick(files []sst.FileMeta) []sst.FileMeta {
	minThreshold := max(p.MinThreshold, 2)

	var (
		best      []sst.FileMeta
		bestScore int
		bestAge   types.SeqN
	)
	for _, b := range p.buckets(files) {
		if len(b.files) < minThreshold {
			continue
		}
		cand := p.trim(b.files)
		if len(cand) < 2 {
			continue
		}
		score, age := overlapScore(cand), oldestSeq(cand)
		if best == nil || score > bestScore || score == bestScore && age < bestAge {
			best, bestScore, bestAge = cand, score, age
		}
	}
	slices.SortFunc(best, func(a, b sst.FileMeta) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return best
}

// BottomMost reports whether no file outside inputs can hold versions older
// than the inputs for their key range, which makes dropping tombstones safe.
func BottomMost(inputs, all []sst.FileMeta) bool {
	if len(inputs) == 0 {
		return false
	}
	in := make(map[types.FileID]bool, len(inputs))
	span := inputs[0]
	var maxSeq types.SeqN
	for _, f := range inputs {
		in[f.ID] = true
		if string(f.KeyMin) < string(span.KeyMin) {
			span.KeyMin = f.KeyMin
		}
		if string(f.KeyMax) > string(span.KeyMax) {
			span.KeyMax = f.KeyMax
		}
		maxSeq = max(maxSeq, f.SeqMax)
	}
	for _, f := range all {
		if in[f.ID] || !f.Overlaps(span) {
			continue
		}
		if f.SeqMin <= maxSeq {
			return false
		}
	}
	return true
}
