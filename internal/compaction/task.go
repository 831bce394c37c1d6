package compaction

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"analyticdb/pkg/sst"
	"analyticdb/pkg/types"
)

type State int

const (
	StatePending State = iota
	StateRunning
	StateCommitted
	StateFailed
	StateFailedFatal
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateCommitted:
		return "committed"
	case StateFailed:
		return "failed"
	case StateFailedFatal:
		return "failed_fatal"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateFailedFatal || s == StateCancelled
}

var transitions = map[State][]State{
	StatePending: {StateRunning, StateCancelled},
	StateRunning: {StateCommitted, StateFailed, StateCancelled},
	StateFailed:  {StateRunning, StateFailedFatal, StateCancelled},
}

// Task is one compaction of a set of files of a table.
type Task struct {
	ID        uuid.UUID
	Table     types.TableID
	Inputs    []sst.FileMeta
	Outputs   []sst.FileMeta
	State     State
	Attempts  int
	Err       error
	CreatedAt time.Time
	UpdatedAt time.Time
}

func NewTask(table types.TableID, inputs []sst.FileMeta) *Task {
	now := time.Now()
	return &Task{
		ID:        uuid.New(),
		Table:     table,
		Inputs:    inputs,
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (t *Task) InputIDs() []types.FileID {
	ids := make([]types.FileID, len(t.Inputs))
	for i, f := range t.Inputs {
		ids[i] = f.ID
	}
	return ids
}

func (t *Task) InputBytes() int64 {
	var n int64
	for _, f := range t.Inputs {
		n += f.Size
	}
	return n
}

func (t *Task) transition(to State) error {
	for _, s := range transitions[t.State] {
		if s == to {
			t.State = to
			t.UpdatedAt = time.Now()
			if to == StateRunning {
				t.Attempts++
			}
			return nil
		}
	}
	return fmt.Errorf("compaction task %s: invalid transition %s -> %s", t.ID, t.State, to)
}

// Info is the reportable view of a task.
type Info struct {
	ID       string        `json:"id"`
	Table    types.TableID `json:"table"`
	State    State         `json:"state"`
	Inputs   int           `json:"inputs"`
	Outputs  int           `json:"outputs"`
	Attempts int           `json:"attempts"`
	Error    string        `json:"error,omitempty"`
}

func (t *Task) Info() Info {
	info := Info{
		ID:       t.ID.String(),
		Table:    t.Table,
		State:    t.State,
		Inputs:   len(t.Inputs),
		Outputs:  len(t.Outputs),
		Attempts: t.Attempts,
	}
	if t.Err != nil {
		info.Error = t.Err.Error()
	}
	return info
}
