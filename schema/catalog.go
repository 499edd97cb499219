// Package schema keeps the rules replicas agree on for node definitions:
// what payload a definition may carry and which traits its children go in.
// A Catalog plugs into the tree as its validator.
package schema

import (
	"io"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/drpcorg/sharedtree"
	"github.com/drpcorg/sharedtree/ids"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"gopkg.in/yaml.v3"
)

var (
	ErrDuplicateDefinition = errors.New("schema: definition registered twice")
	ErrBadShape            = errors.New("schema: bad shape")
	ErrUnknownDefinition   = errors.New("schema: unknown definition")
	ErrPayload             = errors.New("schema: payload not allowed")
	ErrTrait               = errors.New("schema: trait not allowed")
)

// PayloadRule says what payload a node may carry.
// The JSON kinds also require a payload to be present.
type PayloadRule string

const (
	PayloadAny      PayloadRule = "any"
	PayloadNone     PayloadRule = "none"
	PayloadRequired PayloadRule = "required"
	PayloadObject   PayloadRule = "object"
	PayloadArray    PayloadRule = "array"
	PayloadString   PayloadRule = "string"
	PayloadNumber   PayloadRule = "number"
	PayloadBool     PayloadRule = "bool"
)

var payloadRules = []PayloadRule{PayloadAny, PayloadNone, PayloadRequired,
	PayloadObject, PayloadArray, PayloadString, PayloadNumber, PayloadBool}

// Shape is the rule set of one definition. A nil Traits list allows any
// label; an empty one allows no children at all.
type Shape struct {
	Payload PayloadRule      `yaml:"payload"`
	Traits  []ids.TraitLabel `yaml:"traits"`
}

// MarshalYAML keeps "traits: []" apart from an absent traits list.
func (s Shape) MarshalYAML() (any, error) {
	type plain struct {
		Payload PayloadRule       `yaml:"payload,omitempty"`
		Traits  *[]ids.TraitLabel `yaml:"traits,omitempty"`
	}
	p := plain{Payload: s.Payload}
	if s.Traits != nil {
		p.Traits = &s.Traits
	}
	return p, nil
}

func (s Shape) Valid() bool {
	if s.Payload != "" && !slices.Contains(payloadRules, s.Payload) {
		return false
	}
	for _, label := range s.Traits {
		if !validName(string(label)) {
			return false
		}
	}
	return true
}

func (s Shape) allowsTrait(label ids.TraitLabel) bool {
	return s.Traits == nil || slices.Contains(s.Traits, label)
}

func (s Shape) checkPayload(p sharedtree.Payload) error {
	switch s.Payload {
	case "", PayloadAny:
		return nil
	case PayloadNone:
		if p != nil {
			return errors.Wrap(ErrPayload, "expected none")
		}
		return nil
	}
	if p == nil {
		return errors.Wrapf(ErrPayload, "expected %s, got none", s.Payload)
	}
	if s.Payload == PayloadRequired {
		return nil
	}
	if kind := kindOf(p); kind != s.Payload {
		return errors.Wrapf(ErrPayload, "expected %s, got %s", s.Payload, kind)
	}
	return nil
}

// kindOf reads the JSON kind off the first byte of a compact payload.
func kindOf(p sharedtree.Payload) PayloadRule {
	switch c := p[0]; {
	case c == '{':
		return PayloadObject
	case c == '[':
		return PayloadArray
	case c == '"':
		return PayloadString
	case c == 't' || c == 'f':
		return PayloadBool
	case c == '-' || (c >= '0' && c <= '9'):
		return PayloadNumber
	}
	return PayloadAny
}

func validName(name string) bool {
	for _, l := range name {
		if l < ' ' {
			return false
		}
	}
	return len(name) > 0 && utf8.ValidString(name)
}

// Catalog maps definitions to shapes. Registration may go on while trees
// validate against it. In strict mode an unregistered definition is
// rejected; otherwise it is allowed anything.
type Catalog struct {
	strict bool
	shapes *xsync.MapOf[ids.Definition, Shape]
}

var _ sharedtree.Validator = (*Catalog)(nil)

func NewCatalog(strict bool) *Catalog {
	return &Catalog{
		strict: strict,
		shapes: xsync.NewMapOf[ids.Definition, Shape](),
	}
}

func (c *Catalog) Strict() bool {
	return c.strict
}

// Register adds a definition. Definitions are never redefined: replicas
// that validated history under the old shape would disagree.
func (c *Catalog) Register(def ids.Definition, shape Shape) error {
	if !validName(string(def)) || !shape.Valid() {
		return errors.Wrapf(ErrBadShape, "%q", def)
	}
	if shape.Traits != nil {
		shape.Traits = slices.Clone(shape.Traits)
	}
	if _, loaded := c.shapes.LoadOrStore(def, shape); loaded {
		return errors.Wrapf(ErrDuplicateDefinition, "%q", def)
	}
	return nil
}

func (c *Catalog) Lookup(def ids.Definition) (Shape, bool) {
	return c.shapes.Load(def)
}

// Definitions lists what is registered, sorted.
func (c *Catalog) Definitions() []ids.Definition {
	defs := make([]ids.Definition, 0, c.shapes.Size())
	c.shapes.Range(func(def ids.Definition, _ Shape) bool {
		defs = append(defs, def)
		return true
	})
	slices.Sort(defs)
	return defs
}

func (c *Catalog) shape(def ids.Definition) (Shape, error) {
	shape, ok := c.shapes.Load(def)
	if !ok && c.strict {
		return shape, errors.Wrapf(ErrUnknownDefinition, "%q", def)
	}
	return shape, nil
}

func (c *Catalog) ValidateNode(def ids.Definition, payload sharedtree.Payload) error {
	shape, err := c.shape(def)
	if err != nil {
		return err
	}
	return shape.checkPayload(payload)
}

func (c *Catalog) ValidateTrait(parent ids.Definition, label ids.TraitLabel) error {
	shape, err := c.shape(parent)
	if err != nil {
		return err
	}
	if !shape.allowsTrait(label) {
		return errors.Wrapf(ErrTrait, "%q under %q", label, parent)
	}
	return nil
}

// File is the YAML form of a catalog:
//
//	strict: true
//	definitions:
//	  node: {traits: [children]}
//	  text: {payload: string, traits: []}
type File struct {
	Strict      bool                     `yaml:"strict"`
	Definitions map[ids.Definition]Shape `yaml:"definitions"`
}

// Load reads a catalog from YAML.
func Load(r io.Reader) (*Catalog, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "schema")
	}
	c := NewCatalog(f.Strict)
	for def, shape := range f.Definitions {
		if err := c.Register(def, shape); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Dump writes the catalog back as YAML.
func (c *Catalog) Dump(w io.Writer) error {
	f := File{Strict: c.strict, Definitions: make(map[ids.Definition]Shape)}
	c.shapes.Range(func(def ids.Definition, shape Shape) bool {
		f.Definitions[def] = shape
		return true
	})
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(f); err != nil {
		return err
	}
	return enc.Close()
}

func (c *Catalog) String() string {
	var b strings.Builder
	for _, def := range c.Definitions() {
		shape, _ := c.shapes.Load(def)
		b.WriteString(string(def))
		if shape.Payload != "" {
			b.WriteString(" payload=" + string(shape.Payload))
		}
		if shape.Traits != nil {
			labels := make([]string, len(shape.Traits))
			for i, l := range shape.Traits {
				labels[i] = string(l)
			}
			b.WriteString(" traits=[" + strings.Join(labels, ",") + "]")
		}
		b.WriteByte('\n')
	}
	return b.String()
}
