// Package store persists a replica on disk: summaries by the revision they
// were taken at, and the sequenced packets the replica has applied.
//
// Keys are one type byte and a big-endian position, so pebble's byte order
// is the order of the history:
//
//	S <rev>   serialized summary
//	E <pos>   sequenced packet
package store

import (
	"encoding/binary"
	"log/slog"

	"github.com/cockroachdb/pebble"
	"github.com/drpcorg/sharedtree"
	"github.com/drpcorg/sharedtree/protocol"
	"github.com/drpcorg/sharedtree/utils"
	"github.com/pkg/errors"
)

const (
	summaryKey   = 'S'
	sequencedKey = 'E'
)

var ErrGap = errors.New("store: sequenced packets out of order")

type Options struct {
	Logger utils.Logger
	// Sync makes every write wait for the WAL to hit the disk.
	Sync bool
	// KeepSummaries is how many summaries survive a PutSummary; 0 keeps all.
	KeepSummaries int
}

func (o *Options) SetDefaults() {
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelWarn)
	}
}

type Store struct {
	db    *pebble.DB
	dir   string
	opts  Options
	log   utils.Logger
	write *pebble.WriteOptions
}

var _ sharedtree.Store = (*Store)(nil)

// Open opens or creates a store in dir.
func Open(dir string, opts Options) (*Store, error) {
	opts.SetDefaults()
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrapf(err, "store %s", dir)
	}
	s := &Store{
		db:    db,
		dir:   dir,
		opts:  opts,
		log:   opts.Logger,
		write: pebble.NoSync,
	}
	if opts.Sync {
		s.write = pebble.Sync
	}
	return s, nil
}

func (s *Store) Dir() string {
	return s.dir
}

func key(kind byte, n uint64) []byte {
	k := make([]byte, 9)
	k[0] = kind
	binary.BigEndian.PutUint64(k[1:], n)
	return k
}

func keyNum(k []byte) uint64 {
	return binary.BigEndian.Uint64(k[1:])
}

func span(kind byte) *pebble.IterOptions {
	return &pebble.IterOptions{
		LowerBound: []byte{kind},
		UpperBound: []byte{kind + 1},
	}
}

// AppendSequenced stores the packet at position pos. Positions go one by
// one; storing a position again is a no-op.
func (s *Store) AppendSequenced(pos uint64, packet []byte) error {
	last, err := s.LastSequenced()
	if err != nil {
		return err
	}
	switch {
	case pos <= last:
		return nil
	case pos != last+1 && last != 0:
		return errors.Wrapf(ErrGap, "have %d, got %d", last, pos)
	}
	return s.db.Set(key(sequencedKey, pos), packet, s.write)
}

// LastSequenced is the highest stored position, zero if none.
func (s *Store) LastSequenced() (uint64, error) {
	it, err := s.db.NewIter(span(sequencedKey))
	if err != nil {
		return 0, err
	}
	defer it.Close()
	if !it.Last() {
		return 0, it.Error()
	}
	return keyNum(it.Key()), nil
}

// SequencedFrom returns the stored packets from position pos on.
func (s *Store) SequencedFrom(pos uint64) (recs protocol.Records, err error) {
	opts := span(sequencedKey)
	opts.LowerBound = key(sequencedKey, pos)
	it, err := s.db.NewIter(opts)
	if err != nil {
		return nil, err
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		recs = append(recs, append([]byte(nil), it.Value()...))
	}
	return recs, it.Error()
}

// PutSummary stores a serialized summary taken at revision rev and drops
// what it makes redundant: older summaries beyond KeepSummaries.
func (s *Store) PutSummary(rev uint64, raw []byte) error {
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(key(summaryKey, rev), raw, nil); err != nil {
		return err
	}
	if s.opts.KeepSummaries > 0 {
		revs, err := s.Summaries()
		if err != nil {
			return err
		}
		revs = append(revs, rev)
		for i := 0; i < len(revs)-s.opts.KeepSummaries; i++ {
			if revs[i] == rev {
				continue
			}
			if err = b.Delete(key(summaryKey, revs[i]), nil); err != nil {
				return err
			}
		}
	}
	if err := b.Commit(s.write); err != nil {
		return err
	}
	s.log.Debug("store: summary", "revision", rev, "bytes", len(raw))
	return nil
}

// LatestSummary returns the summary with the highest revision, or a nil raw
// summary when none is stored.
func (s *Store) LatestSummary() (rev uint64, raw []byte, err error) {
	it, err := s.db.NewIter(span(summaryKey))
	if err != nil {
		return 0, nil, err
	}
	defer it.Close()
	if !it.Last() {
		return 0, nil, it.Error()
	}
	return keyNum(it.Key()), append([]byte(nil), it.Value()...), nil
}

// Summaries lists the stored summary revisions, oldest first.
func (s *Store) Summaries() (revs []uint64, err error) {
	it, err := s.db.NewIter(span(summaryKey))
	if err != nil {
		return nil, err
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		revs = append(revs, keyNum(it.Key()))
	}
	return revs, it.Error()
}

// TruncateSequenced drops the packets up to and including position pos,
// once a summary covers them.
func (s *Store) TruncateSequenced(pos uint64) error {
	return s.db.DeleteRange(key(sequencedKey, 0), key(sequencedKey, pos+1), s.write)
}

// Replace drops every summary and packet and keeps raw as the only
// summary, in one batch, for a replica adopting another history.
func (s *Store) Replace(rev uint64, raw []byte) error {
	b := s.db.NewBatch()
	defer b.Close()
	for _, kind := range []byte{summaryKey, sequencedKey} {
		if err := b.DeleteRange([]byte{kind}, []byte{kind + 1}, nil); err != nil {
			return err
		}
	}
	if err := b.Set(key(summaryKey, rev), raw, nil); err != nil {
		return err
	}
	if err := b.Commit(s.write); err != nil {
		return err
	}
	s.log.Info("store: replaced", "revision", rev)
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
