package sharedtree

import (
	"maps"
	"slices"

	"github.com/drpcorg/sharedtree/ids"
	"github.com/pkg/errors"
)

type EditStatus uint8

const (
	EditApplied EditStatus = iota
	// EditInvalid: well formed, but does not apply to the tree it met.
	EditInvalid
	// EditMalformed: could never apply to any tree.
	EditMalformed
)

func (s EditStatus) String() string {
	switch s {
	case EditApplied:
		return "applied"
	case EditInvalid:
		return "invalid"
	case EditMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

func (s EditStatus) MarshalText() ([]byte, error) {
	if s > EditMalformed {
		return nil, errors.Errorf("bad edit status %d", s)
	}
	return []byte(s.String()), nil
}

func (s *EditStatus) UnmarshalText(text []byte) error {
	switch string(text) {
	case "applied":
		*s = EditApplied
	case "invalid":
		*s = EditInvalid
	case "malformed":
		*s = EditMalformed
	default:
		return errors.Errorf("bad edit status %q", text)
	}
	return nil
}

// EditResult is the verdict on an edit at its position in the order.
type EditResult struct {
	Status EditStatus
	// Reason is nil for applied edits.
	Reason error
	// Change is the index of the failing change, -1 if none.
	Change int
}

func (r EditResult) Applied() bool {
	return r.Status == EditApplied
}

func (r EditResult) String() string {
	if r.Reason == nil {
		return r.Status.String()
	}
	return r.Status.String() + ": " + r.Reason.Error()
}

var appliedResult = EditResult{Status: EditApplied, Change: -1}

// Validator is consulted while building and inserting nodes.
type Validator interface {
	ValidateNode(def ids.Definition, payload Payload) error
	ValidateTrait(parent ids.Definition, label ids.TraitLabel) error
}

// ApplyEdit runs every change of edit against base, left to right. On
// success it returns the new snapshot; otherwise base itself, untouched.
// A nil validator accepts everything.
func ApplyEdit(base *Snapshot, edit Edit, validator Validator) (EditResult, *Snapshot) {
	if !edit.ID.Valid() || len(edit.Changes) == 0 {
		return EditResult{Status: EditMalformed, Reason: ValidateEdit(edit), Change: -1}, base
	}
	tx := transaction{
		view:      base.fork(),
		owned:     make(map[ids.NodeId]bool),
		detached:  make(map[ids.DetachedSequenceId][]ids.NodeId),
		pool:      make(map[ids.NodeId]*node),
		built:     make(map[ids.NodeId]struct{}),
		validator: validator,
	}
	for i, change := range edit.Changes {
		err := validateChange(change)
		if err == nil {
			err = tx.apply(change)
		}
		if err != nil {
			return EditResult{Status: verdictOf(err), Reason: err, Change: i}, base
		}
	}
	return appliedResult, tx.view
}

func verdictOf(err error) EditStatus {
	if errors.Is(err, ErrMalformedEdit) || errors.Is(err, ErrUnknownDetachedSequence) {
		return EditMalformed
	}
	return EditInvalid
}

// transaction is a copy-on-write working view. Nodes of the base snapshot
// are shared until cloned by mutable.
type transaction struct {
	view       *Snapshot
	owned      map[ids.NodeId]bool
	tombsOwned bool
	// detached sequences of this edit, by id, holding their root nodes
	detached map[ids.DetachedSequenceId][]ids.NodeId
	// pool holds every node of every detached sequence
	pool      map[ids.NodeId]*node
	built     map[ids.NodeId]struct{}
	validator Validator
}

func (tx *transaction) apply(change Change) error {
	switch change.Kind {
	case KindBuild:
		return tx.build(change.Destination, change.Nodes)
	case KindInsert:
		return tx.insert(change.Source, change.Place)
	case KindDetach:
		return tx.detach(change.Range, change.Into)
	case KindSetValue:
		return tx.setValue(change.Node, change.Payload)
	default:
		return errors.Wrapf(ErrMalformedEdit, "unknown change kind %q", byte(change.Kind))
	}
}

func (tx *transaction) mutable(id ids.NodeId) *node {
	n := tx.view.nodes[id]
	if !tx.owned[id] {
		n = n.clone()
		tx.view.nodes[id] = n
		tx.owned[id] = true
	}
	return n
}

func (tx *transaction) tombstones() map[ids.NodeId]ids.TraitLocation {
	if !tx.tombsOwned {
		tx.view.tombstones = maps.Clone(tx.view.tombstones)
		tx.tombsOwned = true
	}
	return tx.view.tombstones
}

func (tx *transaction) build(dest ids.DetachedSequenceId, nodes []BuildNode) error {
	if _, ok := tx.detached[dest]; ok {
		return errors.Wrapf(ErrMalformedEdit, "sequence %s already exists", dest)
	}
	var roots []ids.NodeId
	for _, bn := range nodes {
		made, err := tx.buildNode(bn, nil)
		if err != nil {
			return err
		}
		roots = append(roots, made...)
	}
	tx.detached[dest] = roots
	return nil
}

// buildNode creates bn in the pool and returns the roots it stands for:
// one node, or the whole sequence a placeholder refers to.
func (tx *transaction) buildNode(bn BuildNode, parent *ids.TraitLocation) ([]ids.NodeId, error) {
	if bn.Sequence != nil {
		roots, ok := tx.detached[*bn.Sequence]
		if !ok {
			return nil, errors.Wrapf(ErrUnknownDetachedSequence, "build refers to %s", *bn.Sequence)
		}
		delete(tx.detached, *bn.Sequence)
		for _, root := range roots {
			tx.pool[root].parent = parent
		}
		return roots, nil
	}
	id := bn.Identifier
	_, inPool := tx.pool[id]
	_, wasBuilt := tx.built[id]
	if tx.view.Has(id) || inPool || wasBuilt {
		return nil, errors.Wrapf(ErrDuplicateNodeId, "node %s", id)
	}
	payload, ok := bn.Payload.compact()
	if !ok {
		return nil, errors.Wrapf(ErrMalformedEdit, "payload of %s is not JSON", id.Short())
	}
	if tx.validator != nil {
		if err := tx.validator.ValidateNode(bn.Definition, payload); err != nil {
			return nil, errors.Wrapf(ErrSchemaViolation, "node %s: %v", id.Short(), err)
		}
	}
	n := &node{id: id, definition: bn.Definition, payload: payload, parent: parent}
	tx.pool[id] = n
	tx.built[id] = struct{}{}
	labels := slices.Sorted(maps.Keys(bn.Traits))
	for _, label := range labels {
		kids := bn.Traits[label]
		if len(kids) == 0 {
			continue
		}
		if tx.validator != nil {
			if err := tx.validator.ValidateTrait(bn.Definition, label); err != nil {
				return nil, errors.Wrapf(ErrSchemaViolation, "trait %s of %s: %v", label, id.Short(), err)
			}
		}
		loc := &ids.TraitLocation{Parent: id, Label: label}
		for _, kid := range kids {
			made, err := tx.buildNode(kid, loc)
			if err != nil {
				return nil, err
			}
			if n.traits == nil {
				n.traits = make(map[ids.TraitLabel][]ids.NodeId)
			}
			n.traits[label] = append(n.traits[label], made...)
		}
	}
	return []ids.NodeId{id}, nil
}

func (tx *transaction) insert(src ids.DetachedSequenceId, place StablePlace) error {
	roots, ok := tx.detached[src]
	if !ok {
		return errors.Wrapf(ErrUnknownDetachedSequence, "insert of %s", src)
	}
	if place.Trait != nil {
		if _, detached := tx.pool[place.Trait.Parent]; detached {
			return errors.Wrapf(ErrMalformedEdit, "insert of %s under detached %s", src, place.Trait.Parent.Short())
		}
	}
	loc, index, err := ResolvePlace(tx.view, place)
	if err != nil {
		return err
	}
	if tx.validator != nil {
		def := tx.view.nodes[loc.Parent].definition
		if err = tx.validator.ValidateTrait(def, loc.Label); err != nil {
			return errors.Wrapf(ErrSchemaViolation, "trait %s: %v", loc, err)
		}
	}
	delete(tx.detached, src)
	if len(roots) == 0 {
		return nil
	}
	parent := tx.mutable(loc.Parent)
	if parent.traits == nil {
		parent.traits = make(map[ids.TraitLabel][]ids.NodeId)
	}
	parent.traits[loc.Label] = slices.Insert(parent.traits[loc.Label], index, roots...)
	for _, root := range roots {
		n := tx.pool[root]
		at := loc
		n.parent = &at
		tx.attach(n)
	}
	return nil
}

// attach moves a subtree from the pool into the tree.
func (tx *transaction) attach(n *node) {
	delete(tx.pool, n.id)
	tx.view.nodes[n.id] = n
	if _, gone := tx.view.tombstones[n.id]; gone {
		delete(tx.tombstones(), n.id)
	}
	for _, kids := range n.traits {
		for _, kid := range kids {
			tx.attach(tx.pool[kid])
		}
	}
}

func (tx *transaction) detach(rng StableRange, into *ids.DetachedSequenceId) error {
	if into != nil {
		if _, ok := tx.detached[*into]; ok {
			return errors.Wrapf(ErrMalformedEdit, "sequence %s already exists", *into)
		}
	}
	loc, start, end, err := ResolveRange(tx.view, rng)
	if err != nil {
		return err
	}
	var roots []ids.NodeId
	if start < end {
		parent := tx.mutable(loc.Parent)
		kids := parent.traits[loc.Label]
		roots = slices.Clone(kids[start:end])
		kids = slices.Delete(kids, start, end)
		if len(kids) == 0 {
			delete(parent.traits, loc.Label)
		} else {
			parent.traits[loc.Label] = kids
		}
		for _, root := range roots {
			tx.remove(root, loc, into != nil)
		}
	}
	if into != nil {
		for _, root := range roots {
			n := tx.pool[root]
			if !tx.owned[root] {
				n = n.clone()
				tx.pool[root] = n
				tx.owned[root] = true
			}
			n.parent = nil
		}
		tx.detached[*into] = roots
	}
	return nil
}

// remove takes a subtree out of the tree, leaving tombstones. Kept
// subtrees go to the pool.
func (tx *transaction) remove(id ids.NodeId, last ids.TraitLocation, keep bool) {
	n := tx.view.nodes[id]
	delete(tx.view.nodes, id)
	tx.tombstones()[id] = last
	if keep {
		tx.pool[id] = n
	}
	for label, kids := range n.traits {
		for _, kid := range kids {
			tx.remove(kid, ids.TraitLocation{Parent: id, Label: label}, keep)
		}
	}
}

func (tx *transaction) setValue(id ids.NodeId, payload Payload) error {
	n, ok := tx.view.nodes[id]
	if !ok {
		return errors.Wrapf(ErrNodeNotFound, "set value of %s", id.Short())
	}
	payload, _ = payload.compact()
	if tx.validator != nil {
		if err := tx.validator.ValidateNode(n.definition, payload); err != nil {
			return errors.Wrapf(ErrSchemaViolation, "node %s: %v", id.Short(), err)
		}
	}
	tx.mutable(id).payload = payload
	return nil
}
