package sharedtree

import (
	"maps"
	"slices"

	"github.com/drpcorg/sharedtree/ids"
	"github.com/drpcorg/sharedtree/protocol"
	"github.com/pkg/errors"
)

// Wire form of edits, as exchanged with the sequencing service.
//
//	E{ K edit id, N baseline, change... }      a local edit
//	Q{ N position, E{...} }                    an edit at its place in the order
//
//	B{ Q dest, N{...} | R seq ... }            build
//	I{ Q source, P{...} }                      insert
//	D{ R{ P{...} P{...} }, Q into? }           detach
//	S{ I node, P payload? }                    set value
//
//	N{ I id, T definition, P payload?, L{ T label, N... }... }
//	P{ A side, I sibling | T{ I parent, L label } }

// EditPacket encodes a local edit.
func EditPacket(edit Edit) []byte {
	return appendEdit(nil, edit)
}

// SequencedPacket encodes an edit at its position in the total order.
func SequencedPacket(pos uint64, edit Edit) []byte {
	bm, buf := protocol.OpenHeader(nil, 'Q')
	buf = protocol.Append(buf, 'N', protocol.ZipUint64(pos))
	buf = appendEdit(buf, edit)
	protocol.CloseHeader(buf, bm)
	return buf
}

// SequencePacket wraps an encoded local edit into a sequenced one.
func SequencePacket(pos uint64, editPacket []byte) []byte {
	return protocol.Record('Q',
		protocol.Record('N', protocol.ZipUint64(pos)),
		editPacket,
	)
}

func appendEdit(buf []byte, edit Edit) []byte {
	bm, buf := protocol.OpenHeader(buf, 'E')
	buf = protocol.Append(buf, 'K', []byte(edit.ID))
	buf = protocol.Append(buf, 'N', protocol.ZipUint64(uint64(edit.Baseline)))
	for _, change := range edit.Changes {
		buf = appendChange(buf, change)
	}
	protocol.CloseHeader(buf, bm)
	return buf
}

func appendChange(buf []byte, change Change) []byte {
	bm, buf := protocol.OpenHeader(buf, byte(change.Kind))
	switch change.Kind {
	case KindBuild:
		buf = protocol.Append(buf, 'Q', protocol.ZipUint64(uint64(change.Destination)))
		for _, n := range change.Nodes {
			buf = appendBuildNode(buf, n)
		}
	case KindInsert:
		buf = protocol.Append(buf, 'Q', protocol.ZipUint64(uint64(change.Source)))
		buf = appendPlace(buf, change.Place)
	case KindDetach:
		rbm, rbuf := protocol.OpenHeader(buf, 'R')
		rbuf = appendPlace(rbuf, change.Range.Start)
		rbuf = appendPlace(rbuf, change.Range.End)
		protocol.CloseHeader(rbuf, rbm)
		buf = rbuf
		if change.Into != nil {
			buf = protocol.Append(buf, 'Q', protocol.ZipUint64(uint64(*change.Into)))
		}
	case KindSetValue:
		buf = protocol.Append(buf, 'I', []byte(change.Node))
		if change.Payload != nil {
			buf = protocol.Append(buf, 'P', change.Payload)
		}
	}
	protocol.CloseHeader(buf, bm)
	return buf
}

func appendBuildNode(buf []byte, n BuildNode) []byte {
	if n.Sequence != nil {
		return protocol.Append(buf, 'R', protocol.ZipUint64(uint64(*n.Sequence)))
	}
	bm, buf := protocol.OpenHeader(buf, 'N')
	buf = protocol.Append(buf, 'I', []byte(n.Identifier))
	buf = protocol.Append(buf, 'T', []byte(n.Definition))
	if n.Payload != nil {
		buf = protocol.Append(buf, 'P', n.Payload)
	}
	for _, label := range slices.Sorted(maps.Keys(n.Traits)) {
		kids := n.Traits[label]
		lbm, lbuf := protocol.OpenHeader(buf, 'L')
		lbuf = protocol.Append(lbuf, 'T', []byte(label))
		for _, kid := range kids {
			lbuf = appendBuildNode(lbuf, kid)
		}
		protocol.CloseHeader(lbuf, lbm)
		buf = lbuf
	}
	protocol.CloseHeader(buf, bm)
	return buf
}

func appendPlace(buf []byte, place StablePlace) []byte {
	bm, buf := protocol.OpenHeader(buf, 'P')
	buf = protocol.Append(buf, 'A', []byte{byte(place.Side)})
	if place.Trait != nil {
		buf = protocol.Append(buf, 'T',
			protocol.Record('I', []byte(place.Trait.Parent)),
			protocol.Record('L', []byte(place.Trait.Label)),
		)
	} else {
		buf = protocol.Append(buf, 'I', []byte(place.Sibling))
	}
	protocol.CloseHeader(buf, bm)
	return buf
}

// ParseEditPacket decodes a record made by EditPacket.
func ParseEditPacket(rec []byte) (edit Edit, err error) {
	body, _, err := protocol.TakeWary('E', rec)
	if err != nil {
		return edit, errors.Wrapf(ErrBadPacket, "edit: %v", err)
	}
	err = protocol.Each(body, func(lit byte, body []byte) error {
		switch lit {
		case 'K':
			edit.ID = ids.EditId(body)
		case 'N':
			baseline, ok := protocol.UnzipUint64(body)
			if !ok {
				return errors.New("bad baseline")
			}
			edit.Baseline = int(baseline)
		case 'B', 'I', 'D', 'S':
			change, err := parseChange(ChangeKind(lit), body)
			if err != nil {
				return err
			}
			edit.Changes = append(edit.Changes, change)
		default:
			return errors.Errorf("unexpected %q record", lit)
		}
		return nil
	})
	if err != nil {
		return Edit{}, errors.Wrapf(ErrBadPacket, "edit: %v", err)
	}
	return edit, nil
}

// ParseSequencedPacket decodes a record made by SequencedPacket.
func ParseSequencedPacket(rec []byte) (pos uint64, edit Edit, err error) {
	body, _, err := protocol.TakeWary('Q', rec)
	if err != nil {
		return 0, edit, errors.Wrapf(ErrBadPacket, "sequenced: %v", err)
	}
	posBody, rest, err := protocol.TakeWary('N', body)
	if err != nil {
		return 0, edit, errors.Wrapf(ErrBadPacket, "sequenced position: %v", err)
	}
	pos, ok := protocol.UnzipUint64(posBody)
	if !ok || pos == 0 {
		return 0, edit, errors.Wrap(ErrBadPacket, "sequenced position")
	}
	edit, err = ParseEditPacket(rest)
	return pos, edit, err
}

func parseChange(kind ChangeKind, body []byte) (change Change, err error) {
	change.Kind = kind
	places := 0
	err = protocol.Each(body, func(lit byte, body []byte) error {
		switch {
		case lit == 'Q':
			seq, ok := protocol.UnzipUint64(body)
			if !ok || seq > 0xffffffff {
				return errors.New("bad sequence id")
			}
			id := ids.DetachedSequenceId(seq)
			switch kind {
			case KindBuild:
				change.Destination = id
			case KindInsert:
				change.Source = id
			case KindDetach:
				change.Into = &id
			default:
				return errors.New("unexpected sequence id")
			}
		case kind == KindBuild && (lit == 'N' || lit == 'R'):
			n, err := parseBuildNode(lit, body)
			if err != nil {
				return err
			}
			change.Nodes = append(change.Nodes, n)
		case kind == KindInsert && lit == 'P':
			place, err := parsePlace(body)
			if err != nil {
				return err
			}
			change.Place = place
			places++
		case kind == KindDetach && lit == 'R':
			start, rest, err := protocol.TakeWary('P', body)
			if err != nil {
				return err
			}
			end, _, err := protocol.TakeWary('P', rest)
			if err != nil {
				return err
			}
			if change.Range.Start, err = parsePlace(start); err != nil {
				return err
			}
			if change.Range.End, err = parsePlace(end); err != nil {
				return err
			}
			places += 2
		case kind == KindSetValue && lit == 'I':
			change.Node = ids.NodeId(body)
		case kind == KindSetValue && lit == 'P':
			change.Payload = Payload(body)
		default:
			return errors.Errorf("unexpected %q record in %s", lit, kind)
		}
		return nil
	})
	if err == nil && (kind == KindInsert && places != 1 || kind == KindDetach && places != 2) {
		err = errors.Errorf("%s without a place", kind)
	}
	return
}

func parseBuildNode(lit byte, body []byte) (n BuildNode, err error) {
	if lit == 'R' {
		seq, ok := protocol.UnzipUint64(body)
		if !ok || seq > 0xffffffff {
			return n, errors.New("bad sequence reference")
		}
		return DetachedRef(ids.DetachedSequenceId(seq)), nil
	}
	err = protocol.Each(body, func(lit byte, body []byte) error {
		switch lit {
		case 'I':
			n.Identifier = ids.NodeId(body)
		case 'T':
			n.Definition = ids.Definition(body)
		case 'P':
			n.Payload = Payload(body)
		case 'L':
			label, rest, err := protocol.TakeWary('T', body)
			if err != nil {
				return err
			}
			if n.Traits == nil {
				n.Traits = make(map[ids.TraitLabel][]BuildNode)
			}
			key := ids.TraitLabel(label)
			return protocol.Each(rest, func(lit byte, body []byte) error {
				kid, err := parseBuildNode(lit, body)
				if err == nil {
					n.Traits[key] = append(n.Traits[key], kid)
				}
				return err
			})
		default:
			return errors.Errorf("unexpected %q record in node", lit)
		}
		return nil
	})
	return
}

func parsePlace(body []byte) (place StablePlace, err error) {
	err = protocol.Each(body, func(lit byte, body []byte) error {
		switch lit {
		case 'A':
			if len(body) != 1 || body[0] > byte(After) {
				return errors.New("bad side")
			}
			place.Side = Side(body[0])
		case 'I':
			place.Sibling = ids.NodeId(body)
		case 'T':
			parent, rest, err := protocol.TakeWary('I', body)
			if err != nil {
				return err
			}
			label, _, err := protocol.TakeWary('L', rest)
			if err != nil {
				return err
			}
			place.Trait = &ids.TraitLocation{Parent: ids.NodeId(parent), Label: ids.TraitLabel(label)}
		default:
			return errors.Errorf("unexpected %q record in place", lit)
		}
		return nil
	})
	return
}
