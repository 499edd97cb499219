package sharedtree

import (
	"context"
	"log/slog"
	"sync"

	"github.com/drpcorg/sharedtree/ids"
	"github.com/drpcorg/sharedtree/protocol"
	"github.com/drpcorg/sharedtree/utils"
	"github.com/pkg/errors"
)

// Store keeps summaries and sequenced packets across restarts.
type Store interface {
	AppendSequenced(pos uint64, packet []byte) error
	SequencedFrom(pos uint64) (protocol.Records, error)
	PutSummary(rev uint64, raw []byte) error
	// LatestSummary returns a nil raw summary when there is none.
	LatestSummary() (rev uint64, raw []byte, err error)
	// TruncateSequenced drops packets up to pos, once a summary covers them.
	TruncateSequenced(pos uint64) error
}

type Options struct {
	// Name tags log lines of this replica.
	Name      string
	Logger    utils.Logger
	Validator Validator
	// SnapshotCacheSize bounds the revisions kept by the log viewer.
	SnapshotCacheSize int
	// SummaryVersion is the format Summarize targets by default.
	SummaryVersion string
	// SummaryTailLength, if positive, compacts summaries to that many edits.
	SummaryTailLength int
	Store             Store
}

func (o *Options) SetDefaults() {
	if o.Name == "" {
		o.Name = "replica"
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelWarn)
	}
	if o.SnapshotCacheSize == 0 {
		o.SnapshotCacheSize = 64
	}
	if o.SummaryVersion == "" {
		o.SummaryVersion = CurrentSummaryVersion
	}
}

type EventKind uint8

const (
	// EventLocal follows an optimistic local application.
	EventLocal EventKind = iota
	// EventSequenced follows a sequenced edit getting its verdict.
	EventSequenced
	// EventReset follows a rollback or a summary load.
	EventReset
)

type Event struct {
	Kind     EventKind
	Edit     ids.EditId
	Revision int
	Result   EditResult
	View     *Snapshot
}

// Listener gets ctx marked as a dispatch of its tree: mutating calls made
// with it fail with ErrReentrant.
type Listener func(ctx context.Context, ev Event)

type dispatchKey struct{}

type listener struct {
	id int
	fn Listener
}

// Tree is one replica of the shared tree. The sequenced head is the tree
// after every edit in the order so far; the view is the head with pending
// local edits applied on top.
type Tree struct {
	opts Options
	log  utils.Logger

	lock     sync.Mutex
	edits    *EditLog
	viewer   *LogViewer
	head     *Snapshot
	view     *Snapshot
	outbound protocol.Drainer

	listeners []listener
	lastId    int
}

func New(opts Options) *Tree {
	opts.SetDefaults()
	t := &Tree{opts: opts}
	if l, ok := opts.Logger.(*utils.DefaultLogger); ok {
		t.log = l.With("replica", opts.Name)
	} else {
		t.log = opts.Logger
	}
	t.reset(NewEditLog(0), 0, InitialSnapshot(), InitialSnapshot())
	return t
}

func (t *Tree) reset(log *EditLog, trustedRev int, trusted, head *Snapshot) {
	t.edits = log
	t.viewer = NewLogViewer(log, trustedRev, trusted, t.opts.Validator, t.opts.SnapshotCacheSize)
	t.head = head
	t.view = head
	if log.Revision() != trustedRev {
		t.viewer.Remember(log.Revision(), head)
	}
}

func (t *Tree) Name() string {
	return t.opts.Name
}

// Attach routes local edit packets to the sequencing service.
func (t *Tree) Attach(outbound protocol.Drainer) {
	t.lock.Lock()
	t.outbound = outbound
	t.lock.Unlock()
}

// Disconnect detaches the outbound and rolls back unsequenced local edits.
func (t *Tree) Disconnect(ctx context.Context) error {
	t.lock.Lock()
	t.outbound = nil
	t.lock.Unlock()
	return t.RollbackLocal(ctx)
}

// ProcessLocalEdit applies edit to the local view at once and hands it to
// the sequencing service. Shape errors are returned here; everything else
// is decided when the edit gets its place in the order.
func (t *Tree) ProcessLocalEdit(ctx context.Context, edit Edit) (ids.EditId, error) {
	if t.reentrant(ctx) {
		return "", ErrReentrant
	}
	if err := ValidateEdit(edit); err != nil {
		return "", err
	}
	t.lock.Lock()
	if t.edits.isPending(edit.ID) {
		t.lock.Unlock()
		return edit.ID, nil
	}
	if _, _, seen := t.edits.Lookup(edit.ID); seen {
		t.lock.Unlock()
		return edit.ID, nil
	}
	if edit.Baseline == 0 {
		edit.Baseline = t.edits.Revision()
	}
	result, view := ApplyEdit(t.view, edit, t.opts.Validator)
	t.view = view
	t.edits.enqueue(edit)
	outbound := t.outbound
	ev := Event{Kind: EventLocal, Edit: edit.ID, Revision: t.edits.Revision(), Result: result, View: view}
	t.lock.Unlock()

	LocalEdits.Inc()
	if !result.Applied() {
		t.log.DebugCtx(ctx, "local edit does not apply", "edit", edit.ID.Short(), "reason", result)
	}
	if outbound != nil {
		if err := outbound.Drain(ctx, protocol.Records{EditPacket(edit)}); err != nil {
			return edit.ID, errors.Wrap(err, "submit")
		}
	}
	t.notify(ctx, ev)
	return edit.ID, nil
}

// ApplyInOrder applies an edit at its place in the total order. preceding
// is the revision the order places it after, which must be the current
// one. An edit seen before returns its stored verdict and changes nothing:
// redelivered at a past position it is ignored, ordered again at a new one
// it takes that position with a duplicate verdict.
func (t *Tree) ApplyInOrder(ctx context.Context, edit Edit, preceding int) (EditResult, error) {
	if t.reentrant(ctx) {
		return EditResult{}, ErrReentrant
	}
	t.lock.Lock()
	result, ev, err := t.applyInOrder(edit, preceding)
	t.lock.Unlock()
	if ev != nil {
		t.notify(ctx, *ev)
	}
	return result, err
}

var duplicateResult = EditResult{Status: EditMalformed, Reason: ErrDuplicateEdit, Change: -1}

func (t *Tree) applyInOrder(edit Edit, preceding int) (EditResult, *Event, error) {
	seen, _, dup := t.edits.Lookup(edit.ID)
	if dup && preceding < t.edits.Revision() {
		return seen.Result, nil, nil
	}
	if preceding != t.edits.Revision() {
		return EditResult{}, nil, errors.Wrapf(ErrOutOfOrder, "edit %s after %d, at %d", edit.ID.Short(), preceding, t.edits.Revision())
	}
	if dup {
		rev := t.edits.Append(edit, duplicateResult)
		t.viewer.Remember(rev, t.head)
		EditsSequenced.WithLabelValues(duplicateResult.Status.String()).Inc()
		t.log.Info("edit ordered twice", "edit", edit.ID.Short(), "revision", rev)
		return seen.Result, &Event{Kind: EventSequenced, Edit: edit.ID, Revision: rev, Result: duplicateResult, View: t.view}, nil
	}
	result, head := ApplyEdit(t.head, edit, t.opts.Validator)
	rev := t.edits.Append(edit, result)
	t.head = head
	t.viewer.Remember(rev, head)
	EditsSequenced.WithLabelValues(result.Status.String()).Inc()
	if !result.Applied() {
		t.log.Info("edit rejected", "edit", edit.ID.Short(), "revision", rev, "reason", result)
	}

	t.edits.dequeue(edit.ID)
	t.view = t.replayPending()
	return result, &Event{Kind: EventSequenced, Edit: edit.ID, Revision: rev, Result: result, View: t.view}, nil
}

// replayPending rebuilds the view from the head: local edits are redone
// against the order as it now stands.
func (t *Tree) replayPending() *Snapshot {
	view := t.head
	if len(t.edits.pending) == 0 {
		return view
	}
	Reconciliations.Inc()
	for _, edit := range t.edits.pending {
		_, view = ApplyEdit(view, edit, t.opts.Validator)
	}
	return view
}

// Drain takes sequenced packets from the sequencing service.
func (t *Tree) Drain(ctx context.Context, recs protocol.Records) error {
	return t.applyPackets(ctx, recs, t.opts.Store)
}

func (t *Tree) applyPackets(ctx context.Context, recs protocol.Records, st Store) error {
	for _, rec := range recs {
		pos, edit, err := ParseSequencedPacket(rec)
		if err != nil {
			t.log.WarnCtx(ctx, "dropping packet", "err", err)
			return err
		}
		fresh := int(pos) > t.Revision()
		if _, err = t.ApplyInOrder(ctx, edit, int(pos)-1); err != nil {
			return err
		}
		// redelivered packets may be below a checkpoint already
		if st != nil && fresh {
			if err = st.AppendSequenced(pos, rec); err != nil {
				return errors.Wrapf(err, "persist %d", pos)
			}
		}
	}
	return nil
}

// RollbackLocal forgets local edits the order has not taken yet.
func (t *Tree) RollbackLocal(ctx context.Context) error {
	if t.reentrant(ctx) {
		return ErrReentrant
	}
	t.lock.Lock()
	dropped := t.edits.dropPending()
	t.view = t.head
	ev := Event{Kind: EventReset, Revision: t.edits.Revision(), Result: appliedResult, View: t.view}
	t.lock.Unlock()
	if dropped > 0 {
		t.log.Info("rolled back local edits", "count", dropped)
	}
	t.notify(ctx, ev)
	return nil
}

// Subscribe registers fn to run after every change of the view, in
// registration order, on the goroutine that made the change. Listeners run
// outside the engine lock; a tree changed from several goroutines calls
// them concurrently.
func (t *Tree) Subscribe(fn Listener) (unsubscribe func()) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.lastId++
	id := t.lastId
	t.listeners = append(t.listeners, listener{id: id, fn: fn})
	return func() {
		t.lock.Lock()
		defer t.lock.Unlock()
		for i, l := range t.listeners {
			if l.id == id {
				t.listeners = append(t.listeners[:i:i], t.listeners[i+1:]...)
				return
			}
		}
	}
}

func (t *Tree) notify(ctx context.Context, ev Event) {
	t.lock.Lock()
	listeners := t.listeners
	t.lock.Unlock()
	if len(listeners) == 0 {
		return
	}
	ctx = context.WithValue(ctx, dispatchKey{}, t)
	for _, l := range listeners {
		l.fn(ctx, ev)
	}
}

// reentrant tells whether ctx belongs to a dispatch of this tree's
// listeners.
func (t *Tree) reentrant(ctx context.Context) bool {
	from, _ := ctx.Value(dispatchKey{}).(*Tree)
	return from == t
}

// CurrentView is the tree with pending local edits applied.
func (t *Tree) CurrentView() *Snapshot {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.view
}

// Head is the tree after every sequenced edit, without local ones.
func (t *Tree) Head() *Snapshot {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.head
}

func (t *Tree) Revision() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.edits.Revision()
}

func (t *Tree) Pending() []Edit {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.edits.Pending()
}

// EditResult returns the verdict of a sequenced edit and its revision.
func (t *Tree) EditResult(id ids.EditId) (EditResult, int, bool) {
	t.lock.Lock()
	defer t.lock.Unlock()
	seen, rev, ok := t.edits.Lookup(id)
	return seen.Result, rev, ok
}

// History returns the sequenced edits the log still holds.
func (t *Tree) History() []SequencedEdit {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.edits.Since(t.edits.Baseline())
}

// SnapshotAt returns the sequenced tree as of rev.
func (t *Tree) SnapshotAt(rev int) (*Snapshot, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.viewer.SnapshotAt(rev)
}

// Equals compares the current views of two replicas by content.
func (t *Tree) Equals(other *Tree) bool {
	return t.CurrentView().Equals(other.CurrentView())
}

// Bootstrap restores a replica from st: the latest stored summary, then
// every sequenced packet stored after it.
func Bootstrap(ctx context.Context, st Store, opts Options) (*Tree, error) {
	opts.Store = st
	t := New(opts)
	_, raw, err := st.LatestSummary()
	if err != nil {
		return nil, err
	}
	if raw != nil {
		summary, err := Deserialize(raw)
		if err != nil {
			return nil, err
		}
		if err = t.LoadSummary(ctx, summary); err != nil {
			return nil, err
		}
	}
	recs, err := st.SequencedFrom(uint64(t.Revision()) + 1)
	if err != nil {
		return nil, err
	}
	if err = t.applyPackets(ctx, recs, nil); err != nil {
		return nil, err
	}
	t.log.InfoCtx(ctx, "bootstrapped", "revision", t.Revision(), "replayed", len(recs))
	return t, nil
}

// Checkpoint stores a summary of the sequenced head and drops the stored
// packets it covers.
func (t *Tree) Checkpoint() error {
	if t.opts.Store == nil {
		return errors.New("no store")
	}
	summary, err := t.Summarize(SummaryOptions{})
	if err != nil {
		return err
	}
	raw, err := Serialize(summary)
	if err != nil {
		return err
	}
	rev := uint64(summary.Revision())
	if err = t.opts.Store.PutSummary(rev, raw); err != nil {
		return err
	}
	return t.opts.Store.TruncateSequenced(rev)
}
