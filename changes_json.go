package sharedtree

import (
	"bytes"
	"encoding/json"

	"github.com/drpcorg/sharedtree/ids"
	"github.com/pkg/errors"
)

// JSON shapes of the current summary format.

type buildNodeJSON struct {
	Identifier ids.NodeId                     `json:"identifier"`
	Definition ids.Definition                 `json:"definition"`
	Traits     map[ids.TraitLabel][]BuildNode `json:"traits,omitempty"`
	Payload    Payload                        `json:"payload,omitempty"`
}

// MarshalJSON writes a detached reference as a bare number and a node as
// an object, the way ChangeNode is written.
func (n BuildNode) MarshalJSON() ([]byte, error) {
	if n.Sequence != nil {
		return json.Marshal(uint32(*n.Sequence))
	}
	return json.Marshal(buildNodeJSON{
		Identifier: n.Identifier,
		Definition: n.Definition,
		Traits:     n.Traits,
		Payload:    n.Payload,
	})
}

func (n *BuildNode) UnmarshalJSON(raw []byte) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] != '{' {
		var seq ids.DetachedSequenceId
		if err := json.Unmarshal(raw, &seq); err != nil {
			return err
		}
		*n = DetachedRef(seq)
		return nil
	}
	var wire buildNodeJSON
	if err := json.Unmarshal(raw, &wire); err != nil {
		return err
	}
	*n = BuildNode{
		Identifier: wire.Identifier,
		Definition: wire.Definition,
		Traits:     wire.Traits,
		Payload:    wire.Payload,
	}
	return nil
}

type changeJSON struct {
	Type         string          `json:"type"`
	Destination  json.RawMessage `json:"destination,omitempty"`
	Source       json.RawMessage `json:"source,omitempty"`
	NodeToModify ids.NodeId      `json:"nodeToModify,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

func (c Change) MarshalJSON() ([]byte, error) {
	wire := changeJSON{Type: c.Kind.String()}
	var err error
	switch c.Kind {
	case KindBuild:
		if wire.Destination, err = json.Marshal(c.Destination); err == nil {
			wire.Source, err = json.Marshal(c.Nodes)
		}
	case KindInsert:
		if wire.Destination, err = json.Marshal(c.Place); err == nil {
			wire.Source, err = json.Marshal(c.Source)
		}
	case KindDetach:
		if c.Into != nil {
			wire.Destination, err = json.Marshal(*c.Into)
		}
		if err == nil {
			wire.Source, err = json.Marshal(c.Range)
		}
	case KindSetValue:
		wire.NodeToModify = c.Node
		wire.Payload, err = c.Payload.MarshalJSON()
	default:
		err = errors.Errorf("unknown change kind %q", byte(c.Kind))
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(wire)
}

func (c *Change) UnmarshalJSON(raw []byte) error {
	var wire changeJSON
	if err := json.Unmarshal(raw, &wire); err != nil {
		return err
	}
	var change Change
	var err error
	switch wire.Type {
	case "build":
		change.Kind = KindBuild
		if err = unmarshalRequired(wire.Destination, &change.Destination); err == nil {
			err = unmarshalRequired(wire.Source, &change.Nodes)
		}
	case "insert":
		change.Kind = KindInsert
		if err = unmarshalRequired(wire.Destination, &change.Place); err == nil {
			err = unmarshalRequired(wire.Source, &change.Source)
		}
	case "detach":
		change.Kind = KindDetach
		if len(wire.Destination) > 0 {
			var into ids.DetachedSequenceId
			if err = json.Unmarshal(wire.Destination, &into); err == nil {
				change.Into = &into
			}
		}
		if err == nil {
			err = unmarshalRequired(wire.Source, &change.Range)
		}
	case "setValue":
		change.Kind = KindSetValue
		change.Node = wire.NodeToModify
		if len(wire.Payload) > 0 {
			err = change.Payload.UnmarshalJSON(wire.Payload)
		}
	default:
		return errors.Errorf("unknown change type %q", wire.Type)
	}
	if err != nil {
		return errors.Wrapf(err, "%s change", wire.Type)
	}
	*c = change
	return nil
}

func unmarshalRequired(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errors.New("missing field")
	}
	return json.Unmarshal(raw, v)
}
