package sharedtree

import (
	"errors"
	"testing"

	"github.com/drpcorg/sharedtree/ids"
	"github.com/drpcorg/sharedtree/protocol"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackets_RoundTrip(t *testing.T) {
	into := ids.DetachedSequenceId(5)
	parent := ids.NewNodeId()
	edit := NewEdit(
		Build(3, BuildNode{
			Identifier: parent,
			Definition: "list",
			Payload:    Payload(`{"title":"x"}`),
			Traits: map[ids.TraitLabel][]BuildNode{
				"items": {Leaf(ids.NewNodeId(), "item", Payload(`1`)), DetachedRef(5)},
				"attrs": {Leaf(ids.NewNodeId(), "attr", nil)},
			},
		}),
		Insert(3, AtEndOf(ids.TraitLocation{Parent: left, Label: "kids"})),
		Detach(RangeOver(left, right), &into),
		Delete(StableRange{Start: AfterNode(left), End: AtEndOf(rootChildren)}),
		SetValue(right, Payload(`[true]`)),
		SetValue(left, nil),
	)
	edit.Baseline = 42

	back, err := ParseEditPacket(EditPacket(edit))
	require.Nil(t, err)
	if diff := cmp.Diff(edit, back); diff != "" {
		t.Errorf("edit packet (-sent +parsed):\n%s", diff)
	}

	pos, back, err := ParseSequencedPacket(SequencedPacket(7, edit))
	require.Nil(t, err)
	assert.Equal(t, uint64(7), pos)
	if diff := cmp.Diff(edit, back); diff != "" {
		t.Errorf("sequenced packet (-sent +parsed):\n%s", diff)
	}

	assert.Equal(t, SequencedPacket(7, edit), SequencePacket(7, EditPacket(edit)))
}

func TestPackets_LabelsSorted(t *testing.T) {
	node := BuildNode{
		Identifier: "n",
		Definition: "d",
		Traits: map[ids.TraitLabel][]BuildNode{
			"b": {Leaf("b1", "d", nil)},
			"a": {Leaf("a1", "d", nil)},
			"c": {Leaf("c1", "d", nil)},
		},
	}
	edit := NewEdit(Build(0, node))
	first := EditPacket(edit)
	for i := 0; i < 16; i++ {
		assert.Equal(t, first, EditPacket(edit))
	}
}

func TestPackets_Errors(t *testing.T) {
	good := EditPacket(NewEdit(Insert(0, BeforeNode(left))))
	cases := map[string][]byte{
		"empty":       nil,
		"wrong lit":   protocol.Record('X', good),
		"truncated":   good[:len(good)-3],
		"stray":       protocol.Record('E', protocol.Record('Z', nil)),
		"bad side":    protocol.Record('E', protocol.Record('I', protocol.Record('Q', protocol.ZipUint64(0)), protocol.Record('P', protocol.Record('A', []byte{9})))),
		"no place":    protocol.Record('E', protocol.Record('I', protocol.Record('Q', protocol.ZipUint64(0)))),
		"half range":  protocol.Record('E', protocol.Record('D', protocol.Record('R', protocol.Record('P', protocol.Record('A', []byte{0}))))),
		"seq in set":  protocol.Record('E', protocol.Record('S', protocol.Record('Q', protocol.ZipUint64(1)))),
		"node in set": protocol.Record('E', protocol.Record('S', protocol.Record('N', nil))),
	}
	for name, rec := range cases {
		_, err := ParseEditPacket(rec)
		assert.True(t, errors.Is(err, ErrBadPacket), "%s: %v", name, err)
	}

	_, _, err := ParseSequencedPacket(SequencePacket(0, good))
	assert.True(t, errors.Is(err, ErrBadPacket))
	_, _, err = ParseSequencedPacket(good)
	assert.True(t, errors.Is(err, ErrBadPacket))
	_, _, err = ParseSequencedPacket(protocol.Record('Q', good))
	assert.True(t, errors.Is(err, ErrBadPacket))
}
