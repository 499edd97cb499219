package sharedtree

import (
	"bytes"
	"encoding/json"

	"github.com/drpcorg/sharedtree/ids"
	"github.com/pkg/errors"
)

// Payload is the compact JSON value of a node. nil means no payload.
type Payload []byte

// NewPayload marshals v into a compact payload.
func NewPayload(v any) (Payload, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	p, _ := Payload(raw).compact()
	return p, nil
}

func (p Payload) MarshalJSON() ([]byte, error) {
	if p == nil {
		return []byte("null"), nil
	}
	return p, nil
}

func (p *Payload) UnmarshalJSON(raw []byte) error {
	if bytes.Equal(raw, []byte("null")) {
		*p = nil
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return err
	}
	*p = Payload(buf.Bytes())
	return nil
}

// compact normalizes a payload so byte equality is value equality.
func (p Payload) compact() (Payload, bool) {
	if p == nil {
		return nil, true
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, p); err != nil {
		return nil, false
	}
	if bytes.Equal(buf.Bytes(), []byte("null")) {
		return nil, true
	}
	return Payload(buf.Bytes()), true
}

func (p Payload) String() string {
	if p == nil {
		return "-"
	}
	return string(p)
}

// ChangeNode is the materialized form of a subtree, as stored in summaries.
type ChangeNode struct {
	Identifier ids.NodeId                      `json:"identifier"`
	Definition ids.Definition                  `json:"definition"`
	Traits     map[ids.TraitLabel][]ChangeNode `json:"traits,omitempty"`
	Payload    Payload                         `json:"payload,omitempty"`
}

// BuildNode is a node to be created by a Build change. A BuildNode with a
// Sequence stands for a detached sequence produced earlier in the same edit
// and carries nothing else.
type BuildNode struct {
	Identifier ids.NodeId
	Definition ids.Definition
	Traits     map[ids.TraitLabel][]BuildNode
	Payload    Payload
	Sequence   *ids.DetachedSequenceId
}

// Leaf is a childless BuildNode.
func Leaf(id ids.NodeId, def ids.Definition, payload Payload) BuildNode {
	return BuildNode{Identifier: id, Definition: def, Payload: payload}
}

// DetachedRef is a BuildNode standing for the detached sequence seq.
func DetachedRef(seq ids.DetachedSequenceId) BuildNode {
	return BuildNode{Sequence: &seq}
}

// BuildNode converts a materialized subtree into build input.
func (n ChangeNode) BuildNode() BuildNode {
	b := BuildNode{
		Identifier: n.Identifier,
		Definition: n.Definition,
		Payload:    n.Payload,
	}
	if len(n.Traits) > 0 {
		b.Traits = make(map[ids.TraitLabel][]BuildNode, len(n.Traits))
		for label, kids := range n.Traits {
			for _, kid := range kids {
				b.Traits[label] = append(b.Traits[label], kid.BuildNode())
			}
		}
	}
	return b
}

type Side uint8

const (
	// Before a sibling, or at the start of a trait.
	Before Side = iota
	// After a sibling, or at the end of a trait.
	After
)

func (s Side) String() string {
	switch s {
	case Before:
		return "before"
	case After:
		return "after"
	default:
		return "?"
	}
}

func (s Side) MarshalText() ([]byte, error) {
	if s > After {
		return nil, errors.Errorf("bad side %d", s)
	}
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(text []byte) error {
	switch string(text) {
	case "before":
		*s = Before
	case "after":
		*s = After
	default:
		return errors.Errorf("bad side %q", text)
	}
	return nil
}

// StablePlace names a position relative to a sibling or to the ends of a
// trait, rather than by index.
type StablePlace struct {
	Side    Side               `json:"side"`
	Sibling ids.NodeId         `json:"sibling,omitempty"`
	Trait   *ids.TraitLocation `json:"trait,omitempty"`
}

func BeforeNode(node ids.NodeId) StablePlace {
	return StablePlace{Side: Before, Sibling: node}
}

func AfterNode(node ids.NodeId) StablePlace {
	return StablePlace{Side: After, Sibling: node}
}

func AtStartOf(trait ids.TraitLocation) StablePlace {
	return StablePlace{Side: Before, Trait: &trait}
}

func AtEndOf(trait ids.TraitLocation) StablePlace {
	return StablePlace{Side: After, Trait: &trait}
}

func (p StablePlace) valid() bool {
	if p.Side > After {
		return false
	}
	if p.Trait != nil {
		return !p.Sibling.Valid() && p.Trait.Parent.Valid()
	}
	return p.Sibling.Valid()
}

func (p StablePlace) String() string {
	if p.Trait != nil {
		if p.Side == Before {
			return "start of " + p.Trait.String()
		}
		return "end of " + p.Trait.String()
	}
	return p.Side.String() + " " + p.Sibling.Short()
}

// StableRange is the run of siblings between two places.
type StableRange struct {
	Start StablePlace `json:"start"`
	End   StablePlace `json:"end"`
}

// RangeOf is the range holding just node.
func RangeOf(node ids.NodeId) StableRange {
	return StableRange{Start: BeforeNode(node), End: AfterNode(node)}
}

// RangeOver is the range from first to last inclusive.
func RangeOver(first, last ids.NodeId) StableRange {
	return StableRange{Start: BeforeNode(first), End: AfterNode(last)}
}

// ChangeKind tags the variant of a Change.
type ChangeKind byte

const (
	KindBuild    ChangeKind = 'B'
	KindInsert   ChangeKind = 'I'
	KindDetach   ChangeKind = 'D'
	KindSetValue ChangeKind = 'S'
)

func (k ChangeKind) String() string {
	switch k {
	case KindBuild:
		return "build"
	case KindInsert:
		return "insert"
	case KindDetach:
		return "detach"
	case KindSetValue:
		return "setValue"
	default:
		return "unknown"
	}
}

// Change is one step of an edit. Only the fields of its Kind are meaningful.
type Change struct {
	Kind ChangeKind

	// Build: Nodes become the detached sequence Destination.
	Destination ids.DetachedSequenceId
	Nodes       []BuildNode

	// Insert: the sequence Source goes to Place.
	Source ids.DetachedSequenceId
	Place  StablePlace

	// Detach: Range leaves the tree; kept as sequence Into when set,
	// discarded otherwise.
	Range StableRange
	Into  *ids.DetachedSequenceId

	// SetValue: Node gets Payload (nil clears it).
	Node    ids.NodeId
	Payload Payload
}

func Build(dest ids.DetachedSequenceId, nodes ...BuildNode) Change {
	return Change{Kind: KindBuild, Destination: dest, Nodes: nodes}
}

func Insert(src ids.DetachedSequenceId, place StablePlace) Change {
	return Change{Kind: KindInsert, Source: src, Place: place}
}

// Detach removes rng. With a nil into the nodes are deleted.
func Detach(rng StableRange, into *ids.DetachedSequenceId) Change {
	return Change{Kind: KindDetach, Range: rng, Into: into}
}

// Delete is Detach with nowhere to go.
func Delete(rng StableRange) Change {
	return Detach(rng, nil)
}

func SetValue(node ids.NodeId, payload Payload) Change {
	return Change{Kind: KindSetValue, Node: node, Payload: payload}
}

// Move detaches rng into seq and inserts it at place.
func Move(rng StableRange, place StablePlace, seq ids.DetachedSequenceId) []Change {
	return []Change{Detach(rng, &seq), Insert(seq, place)}
}

// Edit is the unit of replication: applied entirely or not at all.
type Edit struct {
	ID      ids.EditId `json:"id"`
	Changes []Change   `json:"changes"`
	// Baseline is the sequenced revision the author saw.
	Baseline int `json:"baseline,omitempty"`
}

// NewEdit wraps changes into an edit with a fresh id.
func NewEdit(changes ...Change) Edit {
	return Edit{ID: ids.NewEditId(), Changes: changes}
}

// ValidateEdit checks what can be checked without a tree: that every change
// is well formed. Failures wrap ErrMalformedEdit.
func ValidateEdit(edit Edit) error {
	if !edit.ID.Valid() {
		return errors.Wrap(ErrMalformedEdit, "no edit id")
	}
	if len(edit.Changes) == 0 {
		return errors.Wrap(ErrMalformedEdit, "no changes")
	}
	for i, change := range edit.Changes {
		if err := validateChange(change); err != nil {
			return errors.Wrapf(err, "change %d (%s)", i, change.Kind)
		}
	}
	return nil
}

func validateChange(change Change) error {
	switch change.Kind {
	case KindBuild:
		if len(change.Nodes) == 0 {
			return errors.Wrap(ErrMalformedEdit, "nothing to build")
		}
		for _, node := range change.Nodes {
			if err := validateBuildNode(node); err != nil {
				return err
			}
		}
	case KindInsert:
		if !change.Place.valid() {
			return errors.Wrap(ErrMalformedEdit, "bad destination place")
		}
	case KindDetach:
		if !change.Range.Start.valid() || !change.Range.End.valid() {
			return errors.Wrap(ErrMalformedEdit, "bad range")
		}
	case KindSetValue:
		if !change.Node.Valid() {
			return errors.Wrap(ErrMalformedEdit, "no node to modify")
		}
		if _, ok := change.Payload.compact(); !ok {
			return errors.Wrap(ErrMalformedEdit, "payload is not JSON")
		}
	default:
		return errors.Wrapf(ErrMalformedEdit, "unknown change kind %q", byte(change.Kind))
	}
	return nil
}

func validateBuildNode(node BuildNode) error {
	if node.Sequence != nil {
		if node.Identifier.Valid() || len(node.Traits) > 0 || node.Payload != nil {
			return errors.Wrap(ErrMalformedEdit, "detached reference with node fields")
		}
		return nil
	}
	if !node.Identifier.Valid() || node.Definition == "" {
		return errors.Wrap(ErrMalformedEdit, "node without identifier or definition")
	}
	if _, ok := node.Payload.compact(); !ok {
		return errors.Wrapf(ErrMalformedEdit, "payload of %s is not JSON", node.Identifier.Short())
	}
	for _, kids := range node.Traits {
		for _, kid := range kids {
			if err := validateBuildNode(kid); err != nil {
				return err
			}
		}
	}
	return nil
}
