package manifest

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"analyticdb/pkg/config"
	"analyticdb/pkg/row"
	"analyticdb/pkg/sst"
	"analyticdb/pkg/types"
)

var (
	ErrTableDropped  = errors.New("table is dropped")
	ErrTableNotFound = errors.New("table not found in manifest")
	ErrInvalidEdit   = errors.New("invalid manifest edit")
)

// TableMeta is written once, by the edit creating the table.
type TableMeta struct {
	Name    string              `json:"name"`
	Space   types.SpaceID       `json:"space"`
	Schema  row.Schema          `json:"schema"`
	Options config.TableOptions `json:"options"`
}

// Edit is one transition of a table. Zero fields are left untouched.
type Edit struct {
	TableID types.TableID `json:"table_id"`
	// Version is assigned by AppendEdit and orders the edits of a table.
	Version     uint64         `json:"version"`
	Create      *TableMeta     `json:"create,omitempty"`
	AddFiles    []sst.FileMeta `json:"add_files,omitempty"`
	RemoveFiles []types.FileID `json:"remove_files,omitempty"`
	Schema      *row.Schema    `json:"schema,omitempty"`
	// FlushedSeq is the watermark below which every write is in an SST.
	FlushedSeq types.SeqN   `json:"flushed_seq,omitempty"`
	NextFileID types.FileID `json:"next_file_id,omitempty"`
	Drop       bool         `json:"drop,omitempty"`
}

// TableState is the fold of the edits of a table.
type TableState struct {
	TableID    types.TableID                 `json:"table_id"`
	Meta       TableMeta                     `json:"meta"`
	Files      map[types.FileID]sst.FileMeta `json:"files"`
	FlushedSeq types.SeqN                    `json:"flushed_seq"`
	NextFileID types.FileID                  `json:"next_file_id"`
	Version    uint64                        `json:"version"`
	Created    bool                          `json:"created"`
	Dropped    bool                          `json:"dropped"`
}

func newState(id types.TableID) TableState {
	return TableState{
		TableID:    id,
		Files:      make(map[types.FileID]sst.FileMeta),
		NextFileID: 1,
	}
}

// Clone returns a deep enough copy to be mutated independently.
func (s TableState) Clone() TableState {
	s.Files = maps.Clone(s.Files)
	if s.Files == nil {
		s.Files = make(map[types.FileID]sst.FileMeta)
	}
	return s
}

// SortedFiles returns the live files ordered by id.
func (s TableState) SortedFiles() []sst.FileMeta {
	out := make([]sst.FileMeta, 0, len(s.Files))
	for _, id := range slices.Sorted(maps.Keys(s.Files)) {
		out = append(out, s.Files[id])
	}
	return out
}

// Apply folds e into the state.
func (s *TableState) Apply(e Edit) error {
	if e.TableID != s.TableID {
		return fmt.Errorf("%w: edit for table %d applied to table %d", ErrInvalidEdit, e.TableID, s.TableID)
	}
	if s.Dropped {
		return fmt.Errorf("%w: %d", ErrTableDropped, s.TableID)
	}
	if e.Create != nil {
		if s.Created {
			return fmt.Errorf("%w: table %d created twice", ErrInvalidEdit, s.TableID)
		}
		s.Meta = *e.Create
		s.Created = true
	} else if !s.Created {
		return fmt.Errorf("%w: %d", ErrTableNotFound, s.TableID)
	}

	for _, id := range e.RemoveFiles {
		if _, ok := s.Files[id]; !ok {
			return fmt.Errorf("%w: remove of unknown file %d", ErrInvalidEdit, id)
		}
	}
	for _, f := range e.AddFiles {
		if _, ok := s.Files[f.ID]; ok {
			return fmt.Errorf("%w: file %d added twice", ErrInvalidEdit, f.ID)
		}
	}

	for _, id := range e.RemoveFiles {
		delete(s.Files, id)
	}
	for _, f := range e.AddFiles {
		s.Files[f.ID] = f
		s.NextFileID = max(s.NextFileID, f.ID+1)
	}
	if e.Schema != nil {
		s.Meta.Schema = *e.Schema
	}
	s.FlushedSeq = max(s.FlushedSeq, e.FlushedSeq)
	s.NextFileID = max(s.NextFileID, e.NextFileID)
	if e.Version > s.Version {
		s.Version = e.Version
	}
	if e.Drop {
		s.Dropped = true
	}
	return nil
}
