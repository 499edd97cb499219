// Package ids holds the identifier types shared by every sharedtree package.
//
// NodeId and EditId are globally unique and are minted as random uuids unless
// the caller supplies its own. DetachedSequenceId is only meaningful inside
// the edit that produced it.
package ids

import (
	"strconv"

	"github.com/google/uuid"
)

// NodeId names a node for its whole lifetime. Never reused.
type NodeId string

// EditId names an edit; used for duplicate detection and history lookups.
type EditId string

// DetachedSequenceId names a sequence of detached or freshly built nodes
// within a single edit.
type DetachedSequenceId uint32

// Definition is the type tag of a node.
type Definition string

// TraitLabel names a child collection of a node.
type TraitLabel string

// InitialTreeId is the root of every tree before any edit is applied.
const InitialTreeId NodeId = "24e26f0b-3c1a-47f8-a7a1-e8461ddb69ce"

// InitialTreeDefinition is the definition of the initial root.
const InitialTreeDefinition Definition = "node"

func NewNodeId() NodeId {
	return NodeId(uuid.NewString())
}

func NewEditId() EditId {
	return EditId(uuid.NewString())
}

func (id NodeId) Valid() bool {
	return len(id) > 0
}

func (id EditId) Valid() bool {
	return len(id) > 0
}

// Short is a log-friendly prefix of the id.
func (id NodeId) Short() string {
	if len(id) > 8 {
		return string(id[:8])
	}
	return string(id)
}

func (id EditId) Short() string {
	if len(id) > 8 {
		return string(id[:8])
	}
	return string(id)
}

func (seq DetachedSequenceId) String() string {
	return "#" + strconv.FormatUint(uint64(seq), 10)
}

// TraitLocation is a child collection of a particular parent.
type TraitLocation struct {
	Parent NodeId     `json:"parent"`
	Label  TraitLabel `json:"label"`
}

func (loc TraitLocation) String() string {
	return loc.Parent.Short() + "." + string(loc.Label)
}
