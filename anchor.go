package sharedtree

import (
	"slices"

	"github.com/drpcorg/sharedtree/ids"
	"github.com/pkg/errors"
)

// ResolvePlace turns a stable place into an insertion index within a trait.
// The result depends only on the place and the snapshot, so replicas
// holding equal snapshots agree on it.
//
// A sibling that has left the tree falls back to the start (Before) or the
// end (After) of the trait it was last seen in, provided that trait's
// parent is still there.
func ResolvePlace(s *Snapshot, place StablePlace) (ids.TraitLocation, int, error) {
	if !place.valid() {
		return ids.TraitLocation{}, 0, errors.Wrap(ErrMalformedEdit, "bad place")
	}
	if place.Trait != nil {
		loc := *place.Trait
		parent, ok := s.nodes[loc.Parent]
		if !ok {
			return loc, 0, errors.Wrapf(ErrUnresolvableAnchor, "no trait parent %s", loc.Parent.Short())
		}
		if place.Side == Before {
			return loc, 0, nil
		}
		return loc, len(parent.traits[loc.Label]), nil
	}
	if sib, ok := s.nodes[place.Sibling]; ok {
		if sib.parent == nil {
			return ids.TraitLocation{}, 0, errors.Wrap(ErrUnresolvableAnchor, "root has no siblings")
		}
		loc := *sib.parent
		index := slices.Index(s.nodes[loc.Parent].traits[loc.Label], sib.id)
		if place.Side == After {
			index++
		}
		return loc, index, nil
	}
	loc, ok := s.tombstones[place.Sibling]
	if !ok {
		return ids.TraitLocation{}, 0, errors.Wrapf(ErrUnresolvableAnchor, "unknown sibling %s", place.Sibling.Short())
	}
	parent, ok := s.nodes[loc.Parent]
	if !ok {
		return loc, 0, errors.Wrapf(ErrUnresolvableAnchor, "sibling %s and its parent are gone", place.Sibling.Short())
	}
	if place.Side == Before {
		return loc, 0, nil
	}
	return loc, len(parent.traits[loc.Label]), nil
}

// ResolveRange resolves both ends of rng without any fallback: a range
// over nodes that are gone does not resolve. The result is [start, end).
func ResolveRange(s *Snapshot, rng StableRange) (loc ids.TraitLocation, start, end int, err error) {
	if loc, start, err = resolveStrict(s, rng.Start); err != nil {
		return
	}
	var endLoc ids.TraitLocation
	if endLoc, end, err = resolveStrict(s, rng.End); err != nil {
		return
	}
	if endLoc != loc {
		err = errors.Wrapf(ErrUnresolvableAnchor, "range spans %s and %s", loc, endLoc)
	} else if start > end {
		err = errors.Wrapf(ErrUnresolvableAnchor, "range ends before it starts")
	}
	return
}

func resolveStrict(s *Snapshot, place StablePlace) (ids.TraitLocation, int, error) {
	if place.Trait == nil && place.Sibling.Valid() && !s.Has(place.Sibling) {
		return ids.TraitLocation{}, 0, errors.Wrapf(ErrUnresolvableAnchor, "sibling %s is not in the tree", place.Sibling.Short())
	}
	return ResolvePlace(s, place)
}
