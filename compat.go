package sharedtree

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"

	"github.com/drpcorg/sharedtree/ids"
	"github.com/pkg/errors"
)

const (
	SummaryVersion001     = "0.0.1"
	SummaryVersion002     = "0.0.2"
	SummaryVersion010     = "0.1.0"
	CurrentSummaryVersion = SummaryVersion010
)

// SupportedSummaryVersions lists every format ever written, oldest first.
var SupportedSummaryVersions = []string{SummaryVersion001, SummaryVersion002, SummaryVersion010}

func isSupportedVersion(v string) bool {
	return slices.Contains(SupportedSummaryVersions, v)
}

// 0.1.0

type summaryV010 struct {
	FormatVersion string          `json:"formatVersion"`
	CurrentTree   ChangeNode      `json:"currentTree"`
	EditHistory   editHistoryV010 `json:"editHistory"`
	Tombstones    []tombstoneV010 `json:"tombstones,omitempty"`
	Checksum      string          `json:"checksum,omitempty"`
}

type editHistoryV010 struct {
	BaselineRevision int        `json:"baselineRevision"`
	Edits            []editV010 `json:"edits"`
}

type editV010 struct {
	ID       ids.EditId `json:"id"`
	Changes  []Change   `json:"changes"`
	Baseline int        `json:"baseline,omitempty"`
	Status   EditStatus `json:"status"`
}

type tombstoneV010 struct {
	Node   ids.NodeId     `json:"node"`
	Parent ids.NodeId     `json:"parent"`
	Label  ids.TraitLabel `json:"label"`
}

// 0.0.2

type summaryV002 struct {
	Version        string     `json:"version"`
	CurrentTree    ChangeNode `json:"currentTree"`
	SequencedEdits []Edit     `json:"sequencedEdits"`
}

// 0.0.1 numbered change types and wrote places with "reference" fields.
// Its trait places had the sides the other way round: side 1 was the start.

type summaryV001 struct {
	Version        string     `json:"version"`
	CurrentTree    ChangeNode `json:"currentTree"`
	SequencedEdits []editV001 `json:"sequencedEdits"`
}

type editV001 struct {
	ID      ids.EditId   `json:"id"`
	Changes []changeV001 `json:"changes"`
}

const (
	changeTypeInsertV001 = iota
	changeTypeDetachV001
	changeTypeBuildV001
	changeTypeSetValueV001
)

type changeV001 struct {
	Type         int             `json:"type"`
	Destination  json.RawMessage `json:"destination,omitempty"`
	Source       json.RawMessage `json:"source,omitempty"`
	NodeToModify ids.NodeId      `json:"nodeToModify,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

type placeV001 struct {
	Side             int                `json:"side"`
	ReferenceSibling ids.NodeId         `json:"referenceSibling,omitempty"`
	ReferenceTrait   *ids.TraitLocation `json:"referenceTrait,omitempty"`
}

type rangeV001 struct {
	Start placeV001 `json:"start"`
	End   placeV001 `json:"end"`
}

// Serialize writes s in the format named by s.Version.
func Serialize(s Summary) ([]byte, error) {
	switch s.Version {
	case SummaryVersion010:
		return json.Marshal(toV010(s))
	case SummaryVersion002:
		if s.Compacted() {
			return nil, errors.Wrapf(ErrHistoryUnavailable, "version %s", s.Version)
		}
		return json.Marshal(toV002(s))
	case SummaryVersion001:
		if s.Compacted() {
			return nil, errors.Wrapf(ErrHistoryUnavailable, "version %s", s.Version)
		}
		v001, err := downgradeV002(toV002(s))
		if err != nil {
			return nil, err
		}
		return json.Marshal(v001)
	default:
		return nil, errors.Wrapf(ErrUnsupportedSummaryVersion, "%q", s.Version)
	}
}

// Deserialize reads any supported format and upgrades it to a Summary.
func Deserialize(raw []byte) (Summary, error) {
	var probe struct {
		FormatVersion *string `json:"formatVersion"`
		Version       *string `json:"version"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Summary{}, errors.Wrapf(ErrCorruptSummary, "%v", err)
	}
	var version string
	switch {
	case probe.FormatVersion != nil:
		version = *probe.FormatVersion
	case probe.Version != nil:
		version = *probe.Version
	default:
		return Summary{}, errors.Wrap(ErrUnsupportedSummaryVersion, "no version")
	}
	switch version {
	case SummaryVersion001:
		var v001 summaryV001
		if err := json.Unmarshal(raw, &v001); err != nil {
			return Summary{}, errors.Wrapf(ErrCorruptSummary, "%s: %v", version, err)
		}
		v002, err := upgradeV001(v001)
		if err != nil {
			return Summary{}, err
		}
		return fromV010(upgradeV002(v002))
	case SummaryVersion002:
		var v002 summaryV002
		if err := json.Unmarshal(raw, &v002); err != nil {
			return Summary{}, errors.Wrapf(ErrCorruptSummary, "%s: %v", version, err)
		}
		return fromV010(upgradeV002(v002))
	case SummaryVersion010:
		var v010 summaryV010
		if err := json.Unmarshal(raw, &v010); err != nil {
			return Summary{}, errors.Wrapf(ErrCorruptSummary, "%s: %v", version, err)
		}
		return fromV010(v010)
	default:
		return Summary{}, errors.Wrapf(ErrUnsupportedSummaryVersion, "%q", version)
	}
}

func toV010(s Summary) summaryV010 {
	out := summaryV010{
		FormatVersion: SummaryVersion010,
		CurrentTree:   s.Tree,
		EditHistory:   editHistoryV010{BaselineRevision: s.BaselineRevision, Edits: []editV010{}},
	}
	for _, se := range s.Edits {
		out.EditHistory.Edits = append(out.EditHistory.Edits, editV010{
			ID:       se.Edit.ID,
			Changes:  se.Edit.Changes,
			Baseline: se.Edit.Baseline,
			Status:   se.Result.Status,
		})
	}
	nodes := make([]ids.NodeId, 0, len(s.Tombstones))
	for id := range s.Tombstones {
		nodes = append(nodes, id)
	}
	slices.Sort(nodes)
	for _, id := range nodes {
		loc := s.Tombstones[id]
		out.Tombstones = append(out.Tombstones, tombstoneV010{Node: id, Parent: loc.Parent, Label: loc.Label})
	}
	if s.Checksum != 0 {
		out.Checksum = fmt.Sprintf("%016x", s.Checksum)
	}
	return out
}

func fromV010(in summaryV010) (Summary, error) {
	s := Summary{
		Version:          in.FormatVersion,
		Tree:             in.CurrentTree,
		BaselineRevision: in.EditHistory.BaselineRevision,
		Verdicts:         in.FormatVersion == SummaryVersion010,
	}
	for _, e := range in.EditHistory.Edits {
		s.Edits = append(s.Edits, SequencedEdit{
			Edit:   Edit{ID: e.ID, Changes: e.Changes, Baseline: e.Baseline},
			Result: EditResult{Status: e.Status, Change: -1},
		})
	}
	if len(in.Tombstones) > 0 {
		s.Tombstones = make(map[ids.NodeId]ids.TraitLocation, len(in.Tombstones))
		for _, ts := range in.Tombstones {
			s.Tombstones[ts.Node] = ids.TraitLocation{Parent: ts.Parent, Label: ts.Label}
		}
	}
	if in.Checksum != "" {
		sum, err := strconv.ParseUint(in.Checksum, 16, 64)
		if err != nil {
			return Summary{}, errors.Wrapf(ErrCorruptSummary, "checksum %q", in.Checksum)
		}
		s.Checksum = sum
	}
	return s, nil
}

// upgradeV002 adds what 0.0.2 never recorded: verdicts, tombstones and the
// checksum are left for the loader to recompute by replay.
func upgradeV002(in summaryV002) summaryV010 {
	out := summaryV010{
		FormatVersion: in.Version,
		CurrentTree:   in.CurrentTree,
		EditHistory:   editHistoryV010{Edits: make([]editV010, 0, len(in.SequencedEdits))},
	}
	for _, e := range in.SequencedEdits {
		out.EditHistory.Edits = append(out.EditHistory.Edits, editV010{ID: e.ID, Changes: e.Changes, Baseline: e.Baseline})
	}
	return out
}

func toV002(s Summary) summaryV002 {
	out := summaryV002{
		Version:        SummaryVersion002,
		CurrentTree:    s.Tree,
		SequencedEdits: make([]Edit, 0, len(s.Edits)),
	}
	for _, se := range s.Edits {
		out.SequencedEdits = append(out.SequencedEdits, se.Edit)
	}
	return out
}

func upgradeV001(in summaryV001) (summaryV002, error) {
	out := summaryV002{
		Version:        in.Version,
		CurrentTree:    in.CurrentTree,
		SequencedEdits: make([]Edit, 0, len(in.SequencedEdits)),
	}
	for i, e := range in.SequencedEdits {
		edit := Edit{ID: e.ID}
		for j, c := range e.Changes {
			change, err := upgradeChangeV001(c)
			if err != nil {
				return summaryV002{}, errors.Wrapf(ErrCorruptSummary, "0.0.1 edit %d change %d: %v", i, j, err)
			}
			edit.Changes = append(edit.Changes, change)
		}
		out.SequencedEdits = append(out.SequencedEdits, edit)
	}
	return out, nil
}

func upgradeChangeV001(c changeV001) (change Change, err error) {
	switch c.Type {
	case changeTypeBuildV001:
		change.Kind = KindBuild
		if err = unmarshalRequired(c.Destination, &change.Destination); err == nil {
			err = unmarshalRequired(c.Source, &change.Nodes)
		}
	case changeTypeInsertV001:
		change.Kind = KindInsert
		var place placeV001
		if err = unmarshalRequired(c.Destination, &place); err == nil {
			err = unmarshalRequired(c.Source, &change.Source)
		}
		change.Place = place.upgrade()
	case changeTypeDetachV001:
		change.Kind = KindDetach
		var rng rangeV001
		if err = unmarshalRequired(c.Source, &rng); err == nil && len(c.Destination) > 0 {
			var into ids.DetachedSequenceId
			err = json.Unmarshal(c.Destination, &into)
			change.Into = &into
		}
		change.Range = StableRange{Start: rng.Start.upgrade(), End: rng.End.upgrade()}
	case changeTypeSetValueV001:
		change.Kind = KindSetValue
		change.Node = c.NodeToModify
		if len(c.Payload) > 0 {
			err = change.Payload.UnmarshalJSON(c.Payload)
		}
	default:
		err = errors.Errorf("unknown change type %d", c.Type)
	}
	return
}

func (p placeV001) upgrade() StablePlace {
	side := Side(p.Side)
	if p.ReferenceTrait != nil {
		loc := *p.ReferenceTrait
		return StablePlace{Side: After - side, Trait: &loc}
	}
	return StablePlace{Side: side, Sibling: p.ReferenceSibling}
}

func downgradePlace(p StablePlace) placeV001 {
	if p.Trait != nil {
		loc := *p.Trait
		return placeV001{Side: int(After - p.Side), ReferenceTrait: &loc}
	}
	return placeV001{Side: int(p.Side), ReferenceSibling: p.Sibling}
}

func downgradeV002(in summaryV002) (summaryV001, error) {
	out := summaryV001{
		Version:        SummaryVersion001,
		CurrentTree:    in.CurrentTree,
		SequencedEdits: make([]editV001, 0, len(in.SequencedEdits)),
	}
	for _, e := range in.SequencedEdits {
		old := editV001{ID: e.ID}
		for _, c := range e.Changes {
			var oc changeV001
			var err error
			switch c.Kind {
			case KindBuild:
				oc.Type = changeTypeBuildV001
				if oc.Destination, err = json.Marshal(c.Destination); err == nil {
					oc.Source, err = json.Marshal(c.Nodes)
				}
			case KindInsert:
				oc.Type = changeTypeInsertV001
				if oc.Destination, err = json.Marshal(downgradePlace(c.Place)); err == nil {
					oc.Source, err = json.Marshal(c.Source)
				}
			case KindDetach:
				oc.Type = changeTypeDetachV001
				if c.Into != nil {
					oc.Destination, err = json.Marshal(*c.Into)
				}
				if err == nil {
					oc.Source, err = json.Marshal(rangeV001{Start: downgradePlace(c.Range.Start), End: downgradePlace(c.Range.End)})
				}
			case KindSetValue:
				oc.Type = changeTypeSetValueV001
				oc.NodeToModify = c.Node
				oc.Payload, err = c.Payload.MarshalJSON()
			default:
				err = errors.Errorf("unknown change kind %q", byte(c.Kind))
			}
			if err != nil {
				return summaryV001{}, err
			}
			old.Changes = append(old.Changes, oc)
		}
		out.SequencedEdits = append(out.SequencedEdits, old)
	}
	return out, nil
}
