package sharedtree

import (
	"slices"

	"github.com/drpcorg/sharedtree/ids"
)

// SequencedEdit is an edit at its place in the total order, with the
// verdict it got there.
type SequencedEdit struct {
	Edit   Edit
	Result EditResult
}

// EditLog keeps sequenced edits by revision and the local edits that are
// still waiting for a position. The edit at revision r is the r-th edit
// of the order; revision 0 is the initial tree.
type EditLog struct {
	// baseline is the revision just before the first kept edit
	baseline int
	edits    []SequencedEdit
	byId     map[ids.EditId]int
	pending  []Edit
}

func NewEditLog(baseline int) *EditLog {
	return &EditLog{
		baseline: baseline,
		byId:     make(map[ids.EditId]int),
	}
}

// Revision is the number of edits sequenced so far.
func (l *EditLog) Revision() int {
	return l.baseline + len(l.edits)
}

func (l *EditLog) Baseline() int {
	return l.baseline
}

// Len is the number of edits kept in the log.
func (l *EditLog) Len() int {
	return len(l.edits)
}

// Append records the next edit of the order and returns its revision.
func (l *EditLog) Append(edit Edit, result EditResult) int {
	l.edits = append(l.edits, SequencedEdit{Edit: edit, Result: result})
	rev := l.Revision()
	if _, ok := l.byId[edit.ID]; !ok {
		l.byId[edit.ID] = rev
	}
	return rev
}

// Lookup finds the first sequencing of an edit by id.
func (l *EditLog) Lookup(id ids.EditId) (SequencedEdit, int, bool) {
	rev, ok := l.byId[id]
	if !ok {
		return SequencedEdit{}, 0, false
	}
	return l.edits[rev-l.baseline-1], rev, true
}

// At returns the edit sequenced at rev.
func (l *EditLog) At(rev int) (SequencedEdit, bool) {
	if rev <= l.baseline || rev > l.Revision() {
		return SequencedEdit{}, false
	}
	return l.edits[rev-l.baseline-1], true
}

// Since returns a copy of the edits sequenced after rev.
func (l *EditLog) Since(rev int) []SequencedEdit {
	if rev < l.baseline {
		rev = l.baseline
	}
	if rev >= l.Revision() {
		return nil
	}
	return slices.Clone(l.edits[rev-l.baseline:])
}

func (l *EditLog) Pending() []Edit {
	return slices.Clone(l.pending)
}

func (l *EditLog) isPending(id ids.EditId) bool {
	return slices.ContainsFunc(l.pending, func(e Edit) bool { return e.ID == id })
}

func (l *EditLog) enqueue(edit Edit) {
	l.pending = append(l.pending, edit)
}

// dequeue drops a local edit once it got sequenced.
func (l *EditLog) dequeue(id ids.EditId) bool {
	i := slices.IndexFunc(l.pending, func(e Edit) bool { return e.ID == id })
	if i < 0 {
		return false
	}
	l.pending = slices.Delete(l.pending, i, i+1)
	return true
}

func (l *EditLog) dropPending() int {
	n := len(l.pending)
	l.pending = nil
	return n
}
