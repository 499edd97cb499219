package sharedtree

import (
	"context"
	"maps"

	"github.com/drpcorg/sharedtree/ids"
	"github.com/pkg/errors"
)

// Summary is a replica's sequenced state in the current in-memory shape,
// whatever format it was read from.
type Summary struct {
	Version string
	Tree    ChangeNode
	// BaselineRevision is the revision before the first edit in Edits;
	// zero means Edits is the whole history.
	BaselineRevision int
	Edits            []SequencedEdit
	// Verdicts is false when the format did not record edit statuses.
	Verdicts   bool
	Tombstones map[ids.NodeId]ids.TraitLocation
	// Checksum is the Fingerprint of Tree; zero when not recorded.
	Checksum uint64
}

// Revision is the revision the summary was taken at.
func (s Summary) Revision() int {
	return s.BaselineRevision + len(s.Edits)
}

// Compacted reports whether the summary lacks the start of the history.
func (s Summary) Compacted() bool {
	return s.BaselineRevision > 0
}

type SummaryOptions struct {
	// Version defaults to the tree's configured summary version.
	Version string
	// TailLength, if positive, keeps only that many most recent edits.
	TailLength int
}

// Summarize captures the sequenced head. Pending local edits are not part
// of it.
func (t *Tree) Summarize(o SummaryOptions) (Summary, error) {
	if o.Version == "" {
		o.Version = t.opts.SummaryVersion
	}
	if o.TailLength == 0 {
		o.TailLength = t.opts.SummaryTailLength
	}
	if !isSupportedVersion(o.Version) {
		return Summary{}, errors.Wrapf(ErrUnsupportedSummaryVersion, "%q", o.Version)
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	baseline := t.edits.Baseline()
	if o.TailLength > 0 && t.edits.Revision()-o.TailLength > baseline {
		baseline = t.edits.Revision() - o.TailLength
	}
	if baseline > 0 && o.Version != CurrentSummaryVersion {
		return Summary{}, errors.Wrapf(ErrHistoryUnavailable, "version %s needs the whole history", o.Version)
	}
	return Summary{
		Version:          o.Version,
		Tree:             t.head.Tree(),
		BaselineRevision: baseline,
		Edits:            t.edits.Since(baseline),
		Verdicts:         true,
		Tombstones:       t.head.Tombstones(),
		Checksum:         t.head.Fingerprint(),
	}, nil
}

// LoadSummary replaces the replica's state with s, or fails leaving it as
// it was. A summary with the whole history is replayed from the initial
// tree and must reproduce its own content; a compacted one is trusted on
// its checksum.
func (t *Tree) LoadSummary(ctx context.Context, s Summary) (err error) {
	if t.reentrant(ctx) {
		return ErrReentrant
	}
	defer func() {
		result := "ok"
		if err != nil {
			result = "failed"
		}
		SummaryLoads.WithLabelValues(s.Version, result).Inc()
	}()
	t.lock.Lock()
	if len(t.edits.pending) > 0 {
		t.lock.Unlock()
		return errors.Wrapf(ErrLocalEditsPending, "%d edits", len(t.edits.pending))
	}
	log, trustedRev, trusted, head, err := t.rebuild(s)
	if err != nil {
		t.lock.Unlock()
		t.log.Warn("summary rejected", "version", s.Version, "err", err)
		return err
	}
	t.reset(log, trustedRev, trusted, head)
	ev := Event{Kind: EventReset, Revision: log.Revision(), Result: appliedResult, View: head}
	t.lock.Unlock()
	t.log.Info("summary loaded", "version", s.Version, "revision", log.Revision())
	t.notify(ctx, ev)
	return nil
}

func (t *Tree) rebuild(s Summary) (log *EditLog, trustedRev int, trusted, head *Snapshot, err error) {
	if s.BaselineRevision < 0 {
		err = errors.Wrap(ErrCorruptSummary, "negative baseline")
		return
	}
	head, err = SnapshotFromTree(s.Tree, s.Tombstones)
	if err != nil {
		if !errors.Is(err, ErrCorruptSummary) {
			err = errors.Wrapf(ErrCorruptSummary, "%v", err)
		}
		return
	}
	if s.Checksum != 0 && head.Fingerprint() != s.Checksum {
		err = errors.Wrapf(ErrCorruptSummary, "checksum %016x, tree hashes to %016x", s.Checksum, head.Fingerprint())
		return
	}
	log = NewEditLog(s.BaselineRevision)
	if s.Compacted() {
		if s.Checksum == 0 {
			err = errors.Wrap(ErrCorruptSummary, "compacted history without a checksum")
			return
		}
		for i, se := range s.Edits {
			if _, _, dup := log.Lookup(se.Edit.ID); dup && se.Result.Applied() {
				err = errors.Wrapf(ErrCorruptSummary, "edit %d applies %s twice", i+1, se.Edit.ID)
				return
			}
			log.Append(se.Edit, se.Result)
		}
		return log, log.Revision(), head, head, nil
	}
	replayed := InitialSnapshot()
	for i, se := range s.Edits {
		var result EditResult
		if _, _, dup := log.Lookup(se.Edit.ID); dup {
			result = duplicateResult
		} else {
			result, replayed = ApplyEdit(replayed, se.Edit, t.opts.Validator)
		}
		if s.Verdicts && result.Status != se.Result.Status {
			err = errors.Wrapf(ErrCorruptSummary, "edit %d was %s, replays as %s", i+1, se.Result.Status, result.Status)
			return
		}
		log.Append(se.Edit, result)
	}
	if !replayed.Equals(head) {
		err = errors.Wrap(ErrCorruptSummary, "tree does not match its history")
		return
	}
	if s.Tombstones != nil && !maps.Equal(s.Tombstones, replayed.tombstones) {
		t.log.Debug("summary tombstones differ from replay, using replay")
	}
	return log, 0, InitialSnapshot(), replayed, nil
}
