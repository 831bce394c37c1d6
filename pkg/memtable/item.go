package memtable

import (
	"bytes"

	"analyticdb/pkg/row"
	"analyticdb/pkg/types"
)

// internalKey orders versions by user key ascending, then seq descending,
// so the newest version of a key is met first on a forward scan.
type internalKey struct {
	Key  types.Key
	SeqN types.SeqN
}

func (ik internalKey) Less(than internalKey) bool {
	if c := bytes.Compare(ik.Key, than.Key); c != 0 {
		return c < 0
	}
	return ik.SeqN > than.SeqN
}

type Item struct {
	Row row.Row
}
