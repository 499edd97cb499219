package store

import (
	"context"
	"testing"

	"github.com/drpcorg/sharedtree"
	"github.com/drpcorg/sharedtree/ids"
	"github.com/drpcorg/sharedtree/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func open(t *testing.T, dir string, opts Options) *Store {
	s, err := Open(dir, opts)
	require.Nil(t, err)
	return s
}

func TestStore_Sequenced(t *testing.T) {
	dir := t.TempDir()
	s := open(t, dir, Options{})
	for pos := uint64(1); pos <= 300; pos++ {
		require.Nil(t, s.AppendSequenced(pos, protocol.Record('Q', protocol.ZipUint64(pos))))
	}
	assert.Nil(t, s.AppendSequenced(7, []byte("ignored")))
	assert.ErrorIs(t, s.AppendSequenced(302, nil), ErrGap)

	recs, err := s.SequencedFrom(256)
	assert.Nil(t, err)
	require.Len(t, recs, 45)
	assert.Equal(t, protocol.Record('Q', protocol.ZipUint64(256)), recs[0])
	recs, err = s.SequencedFrom(301)
	assert.Nil(t, err)
	assert.Empty(t, recs)
	require.Nil(t, s.Close())

	s = open(t, dir, Options{})
	defer s.Close()
	last, err := s.LastSequenced()
	assert.Nil(t, err)
	assert.Equal(t, uint64(300), last)
	require.Nil(t, s.TruncateSequenced(299))
	recs, err = s.SequencedFrom(0)
	assert.Nil(t, err)
	assert.Len(t, recs, 1)
}

func TestStore_Summaries(t *testing.T) {
	s := open(t, t.TempDir(), Options{KeepSummaries: 2, Sync: true})
	defer s.Close()
	rev, raw, err := s.LatestSummary()
	assert.Nil(t, err)
	assert.Zero(t, rev)
	assert.Nil(t, raw)

	for _, r := range []uint64{3, 10, 255, 256} {
		require.Nil(t, s.PutSummary(r, []byte{byte(r)}))
	}
	rev, raw, err = s.LatestSummary()
	assert.Nil(t, err)
	assert.Equal(t, uint64(256), rev)
	assert.Equal(t, []byte{0}, raw)
	revs, err := s.Summaries()
	assert.Nil(t, err)
	assert.Equal(t, []uint64{255, 256}, revs)
}

func TestStore_Bootstrap(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := open(t, dir, Options{})
	tree := sharedtree.New(sharedtree.Options{Store: s})
	children := ids.TraitLocation{Parent: ids.InitialTreeId, Label: "children"}
	for pos := uint64(1); pos <= 4; pos++ {
		edit := sharedtree.NewEdit(
			sharedtree.Build(0, sharedtree.Leaf(ids.NewNodeId(), "node", nil)),
			sharedtree.Insert(0, sharedtree.AtEndOf(children)),
		)
		require.Nil(t, tree.Drain(ctx, protocol.Records{sharedtree.SequencedPacket(pos, edit)}))
		if pos == 2 {
			require.Nil(t, tree.Checkpoint())
		}
	}
	require.Nil(t, s.Close())

	s = open(t, dir, Options{})
	defer s.Close()
	// the checkpoint at 2 dropped the packets it covers
	recs, err := s.SequencedFrom(0)
	require.Nil(t, err)
	assert.Len(t, recs, 2)
	restored, err := sharedtree.Bootstrap(ctx, s, sharedtree.Options{})
	require.Nil(t, err)
	assert.Equal(t, 4, restored.Revision())
	assert.True(t, restored.Equals(tree))

	reg := prometheus.NewPedanticRegistry()
	require.Nil(t, reg.Register(s.Collector()))
	families, err := reg.Gather()
	assert.Nil(t, err)
	assert.Len(t, families, len(pebbleMetrics))
}

func TestStore_Replace(t *testing.T) {
	s := open(t, t.TempDir(), Options{})
	defer s.Close()
	for pos := uint64(1); pos <= 5; pos++ {
		require.Nil(t, s.AppendSequenced(pos, protocol.Record('Q', protocol.ZipUint64(pos))))
	}
	require.Nil(t, s.PutSummary(3, []byte("old")))

	require.Nil(t, s.Replace(2, []byte("new")))
	rev, raw, err := s.LatestSummary()
	assert.Nil(t, err)
	assert.Equal(t, uint64(2), rev)
	assert.Equal(t, []byte("new"), raw)
	revs, err := s.Summaries()
	assert.Nil(t, err)
	assert.Equal(t, []uint64{2}, revs)
	last, err := s.LastSequenced()
	assert.Nil(t, err)
	assert.Zero(t, last)
	assert.Nil(t, s.AppendSequenced(3, []byte("next")))
}
