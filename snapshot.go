package sharedtree

import (
	"bytes"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/cespare/xxhash"
	"github.com/drpcorg/sharedtree/ids"
	"github.com/drpcorg/sharedtree/protocol"
	"github.com/pkg/errors"
)

type node struct {
	id         ids.NodeId
	definition ids.Definition
	payload    Payload
	traits     map[ids.TraitLabel][]ids.NodeId
	// parent is a back reference for traversal; nil for the root and for
	// nodes that are not in the tree.
	parent *ids.TraitLocation
}

func (n *node) clone() *node {
	c := *n
	if n.traits != nil {
		c.traits = make(map[ids.TraitLabel][]ids.NodeId, len(n.traits))
		for label, kids := range n.traits {
			c.traits[label] = slices.Clone(kids)
		}
	}
	if n.parent != nil {
		p := *n.parent
		c.parent = &p
	}
	return &c
}

func (n *node) labels() []ids.TraitLabel {
	labels := make([]ids.TraitLabel, 0, len(n.traits))
	for label, kids := range n.traits {
		if len(kids) > 0 {
			labels = append(labels, label)
		}
	}
	slices.Sort(labels)
	return labels
}

// Snapshot is an immutable view of the tree at some revision.
// The node table owns every node reachable from the root; tombstones keep
// the last location of nodes that left the tree.
type Snapshot struct {
	root       ids.NodeId
	nodes      map[ids.NodeId]*node
	tombstones map[ids.NodeId]ids.TraitLocation
}

// InitialSnapshot is the tree every replica starts from: a bare root.
func InitialSnapshot() *Snapshot {
	return &Snapshot{
		root: ids.InitialTreeId,
		nodes: map[ids.NodeId]*node{
			ids.InitialTreeId: {id: ids.InitialTreeId, definition: ids.InitialTreeDefinition},
		},
		tombstones: map[ids.NodeId]ids.TraitLocation{},
	}
}

// SnapshotFromTree materializes a ChangeNode tree. Identifiers must be unique.
func SnapshotFromTree(root ChangeNode, tombstones map[ids.NodeId]ids.TraitLocation) (*Snapshot, error) {
	s := &Snapshot{
		root:       root.Identifier,
		nodes:      make(map[ids.NodeId]*node),
		tombstones: make(map[ids.NodeId]ids.TraitLocation, len(tombstones)),
	}
	if err := s.addTree(root, nil); err != nil {
		return nil, err
	}
	for id, loc := range tombstones {
		if s.Has(id) {
			return nil, errors.Wrapf(ErrCorruptSummary, "tombstone for live node %s", id)
		}
		s.tombstones[id] = loc
	}
	return s, nil
}

func (s *Snapshot) addTree(cn ChangeNode, parent *ids.TraitLocation) error {
	if !cn.Identifier.Valid() || cn.Definition == "" {
		return errors.Wrap(ErrCorruptSummary, "node without identifier or definition")
	}
	if _, dup := s.nodes[cn.Identifier]; dup {
		return errors.Wrapf(ErrDuplicateNodeId, "node %s", cn.Identifier)
	}
	payload, ok := cn.Payload.compact()
	if !ok {
		return errors.Wrapf(ErrCorruptSummary, "payload of %s", cn.Identifier)
	}
	n := &node{id: cn.Identifier, definition: cn.Definition, payload: payload, parent: parent}
	s.nodes[n.id] = n
	for label, kids := range cn.Traits {
		if len(kids) == 0 {
			continue
		}
		if n.traits == nil {
			n.traits = make(map[ids.TraitLabel][]ids.NodeId)
		}
		loc := &ids.TraitLocation{Parent: n.id, Label: label}
		for _, kid := range kids {
			n.traits[label] = append(n.traits[label], kid.Identifier)
			if err := s.addTree(kid, loc); err != nil {
				return err
			}
		}
	}
	return nil
}

// fork is a shallow copy; callers copy nodes before touching them.
func (s *Snapshot) fork() *Snapshot {
	return &Snapshot{
		root:       s.root,
		nodes:      maps.Clone(s.nodes),
		tombstones: s.tombstones,
	}
}

func (s *Snapshot) Root() ids.NodeId {
	return s.root
}

// Size is the number of nodes in the tree, root included.
func (s *Snapshot) Size() int {
	return len(s.nodes)
}

func (s *Snapshot) Has(id ids.NodeId) bool {
	_, ok := s.nodes[id]
	return ok
}

func (s *Snapshot) Definition(id ids.NodeId) (ids.Definition, bool) {
	n, ok := s.nodes[id]
	if !ok {
		return "", false
	}
	return n.definition, true
}

func (s *Snapshot) Payload(id ids.NodeId) (Payload, bool) {
	n, ok := s.nodes[id]
	if !ok {
		return nil, false
	}
	return n.payload, true
}

// Parent returns the trait holding id; false for the root and unknown nodes.
func (s *Snapshot) Parent(id ids.NodeId) (ids.TraitLocation, bool) {
	n, ok := s.nodes[id]
	if !ok || n.parent == nil {
		return ids.TraitLocation{}, false
	}
	return *n.parent, true
}

// Children returns a copy of the trait's sequence.
func (s *Snapshot) Children(loc ids.TraitLocation) []ids.NodeId {
	n, ok := s.nodes[loc.Parent]
	if !ok {
		return nil
	}
	return slices.Clone(n.traits[loc.Label])
}

// Traits lists the non-empty traits of id in label order.
func (s *Snapshot) Traits(id ids.NodeId) []ids.TraitLabel {
	n, ok := s.nodes[id]
	if !ok {
		return nil
	}
	return n.labels()
}

// LastLocation reports where a node that left the tree used to be.
func (s *Snapshot) LastLocation(id ids.NodeId) (ids.TraitLocation, bool) {
	loc, ok := s.tombstones[id]
	return loc, ok
}

func (s *Snapshot) Tombstones() map[ids.NodeId]ids.TraitLocation {
	return maps.Clone(s.tombstones)
}

// ChangeNode materializes the subtree rooted at id.
func (s *Snapshot) ChangeNode(id ids.NodeId) (ChangeNode, bool) {
	n, ok := s.nodes[id]
	if !ok {
		return ChangeNode{}, false
	}
	cn := ChangeNode{Identifier: n.id, Definition: n.definition, Payload: n.payload}
	for _, label := range n.labels() {
		if cn.Traits == nil {
			cn.Traits = make(map[ids.TraitLabel][]ChangeNode)
		}
		for _, kid := range n.traits[label] {
			kcn, _ := s.ChangeNode(kid)
			cn.Traits[label] = append(cn.Traits[label], kcn)
		}
	}
	return cn, true
}

// Tree materializes the whole snapshot.
func (s *Snapshot) Tree() ChangeNode {
	cn, _ := s.ChangeNode(s.root)
	return cn
}

// Equals compares content only: nodes, their values and their order.
// Tombstones and the history that produced the snapshots do not matter.
func (s *Snapshot) Equals(other *Snapshot) bool {
	if s == other {
		return true
	}
	if s.root != other.root || len(s.nodes) != len(other.nodes) {
		return false
	}
	for id, a := range s.nodes {
		b, ok := other.nodes[id]
		if !ok || a.definition != b.definition || !bytes.Equal(a.payload, b.payload) {
			return false
		}
		if (a.parent == nil) != (b.parent == nil) || (a.parent != nil && *a.parent != *b.parent) {
			return false
		}
		la, lb := a.labels(), b.labels()
		if !slices.Equal(la, lb) {
			return false
		}
		for _, label := range la {
			if !slices.Equal(a.traits[label], b.traits[label]) {
				return false
			}
		}
	}
	return true
}

// Fingerprint hashes the canonical encoding of the content.
func (s *Snapshot) Fingerprint() uint64 {
	return xxhash.Sum64(s.appendCanonical(nil, s.root))
}

// appendCanonical writes N{I id, T definition, P payload?, L{T label, N...}...}
// with labels sorted, so equal content gives equal bytes.
func (s *Snapshot) appendCanonical(buf []byte, id ids.NodeId) []byte {
	n := s.nodes[id]
	bm, buf := protocol.OpenHeader(buf, 'N')
	buf = protocol.Append(buf, 'I', []byte(n.id))
	buf = protocol.Append(buf, 'T', []byte(n.definition))
	if n.payload != nil {
		buf = protocol.Append(buf, 'P', n.payload)
	}
	for _, label := range n.labels() {
		lbm, lbuf := protocol.OpenHeader(buf, 'L')
		lbuf = protocol.Append(lbuf, 'T', []byte(label))
		for _, kid := range n.traits[label] {
			lbuf = s.appendCanonical(lbuf, kid)
		}
		protocol.CloseHeader(lbuf, lbm)
		buf = lbuf
	}
	protocol.CloseHeader(buf, bm)
	return buf
}

// Dump writes an indented listing of the tree, one node per line.
func (s *Snapshot) Dump(w io.Writer) {
	s.dump(w, s.root, 0)
}

func (s *Snapshot) dump(w io.Writer, id ids.NodeId, depth int) {
	n := s.nodes[id]
	indent := strings.Repeat("  ", depth)
	_, _ = fmt.Fprintf(w, "%s%s (%s) %s\n", indent, n.id, n.definition, n.payload)
	for _, label := range n.labels() {
		_, _ = fmt.Fprintf(w, "%s  .%s\n", indent, label)
		for _, kid := range n.traits[label] {
			s.dump(w, kid, depth+2)
		}
	}
}
