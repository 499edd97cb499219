package sharedtree

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

// LogViewer reconstructs the tree at past revisions. It replays the log
// forward from the nearest cached snapshot, or from the trusted snapshot
// the log starts from, using the verdicts already stored in the log.
type LogViewer struct {
	log        *EditLog
	validator  Validator
	trustedRev int
	trusted    *Snapshot
	cache      *lru.Cache[int, *Snapshot]
}

func NewLogViewer(log *EditLog, trustedRev int, trusted *Snapshot, validator Validator, cacheSize int) *LogViewer {
	if cacheSize <= 0 {
		cacheSize = 1
	}
	cache, _ := lru.New[int, *Snapshot](cacheSize)
	return &LogViewer{
		log:        log,
		validator:  validator,
		trustedRev: trustedRev,
		trusted:    trusted,
		cache:      cache,
	}
}

// Remember caches the snapshot of rev.
func (v *LogViewer) Remember(rev int, s *Snapshot) {
	v.cache.Add(rev, s)
}

// SnapshotAt returns the tree right after the edit at rev was applied.
func (v *LogViewer) SnapshotAt(rev int) (*Snapshot, error) {
	if rev < v.trustedRev || rev > v.log.Revision() {
		return nil, errors.Wrapf(ErrHistoryUnavailable, "revision %d, have %d..%d", rev, v.trustedRev, v.log.Revision())
	}
	if rev == v.trustedRev {
		return v.trusted, nil
	}
	if s, ok := v.cache.Get(rev); ok {
		return s, nil
	}
	from, snap := v.trustedRev, v.trusted
	for r := rev - 1; r > v.trustedRev; r-- {
		if s, ok := v.cache.Peek(r); ok {
			from, snap = r, s
			break
		}
	}
	for r := from + 1; r <= rev; r++ {
		entry, _ := v.log.At(r)
		if entry.Result.Applied() {
			_, snap = ApplyEdit(snap, entry.Edit, v.validator)
		}
	}
	replayLength.Observe(float64(rev - from))
	v.cache.Add(rev, snap)
	return snap, nil
}
