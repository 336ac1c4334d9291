package element

import (
	"context"
	"maps"
	"regexp"
	"slices"
	"strings"

	"github.com/c360/semtree/errors"
)

// Element types known to the registry. Custom types are allowed.
const (
	TypeDevice    = "device"
	TypeStructure = "structure"
	TypeData      = "data"
	TypeService   = "service"
	TypeEvent     = "event"
)

// Element is a node in the tree. Every implementation embeds *Base.
type Element interface {
	Identifier() string
	Type() string
	Address() string
	Parent() Element
	Node() *Node
}

// Raiser is implemented by event elements.
type Raiser interface {
	Raise(ctx context.Context)
}

// Readable elements expose a current value.
type Readable interface {
	Read(ctx context.Context) (any, error)
}

// Writable elements accept a new value.
type Writable interface {
	Write(ctx context.Context, value any) error
}

// Invocable elements can be called in-process with an event payload.
type Invocable interface {
	Invoke(ctx context.Context, payload any) (any, error)
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_\-\[\]]{1,128}$`)

// ValidIdentifier reports whether id matches the identifier grammar.
func ValidIdentifier(id string) bool {
	return identifierPattern.MatchString(id)
}

// ValidateIdentifier returns ErrDataInvalid for a malformed identifier.
func ValidateIdentifier(id string) error {
	if !ValidIdentifier(id) {
		return errors.WrapInvalid(errors.ErrDataInvalid, "element", "ValidateIdentifier",
			"validate identifier "+quote(id))
	}
	return nil
}

// ValidAddress reports whether addr is a slash-separated path of valid
// identifiers. A single leading slash is allowed.
func ValidAddress(addr string) bool {
	addr = strings.TrimPrefix(addr, "/")
	if addr == "" {
		return false
	}
	for _, seg := range strings.Split(addr, "/") {
		if !ValidIdentifier(seg) {
			return false
		}
	}
	return true
}

// SplitAddress returns the identifiers of addr, or nil if it is malformed.
func SplitAddress(addr string) []string {
	if !ValidAddress(addr) {
		return nil
	}
	return strings.Split(strings.TrimPrefix(addr, "/"), "/")
}

func quote(s string) string {
	return "\"" + s + "\""
}

// Base carries the identity metadata shared by all element kinds. Metadata is
// guarded by the node lock.
type Base struct {
	node *Node
	typ  string

	format   any
	hidden   bool
	profiles []string
	tags     []string
	info     map[string]any
	userData map[string]any
}

// NewBase creates a detached element of the given type.
func NewBase(identifier, typ string) *Base {
	return &Base{
		node: NewNode(identifier),
		typ:  typ,
	}
}

// Node returns the lockable node backing the element.
func (b *Base) Node() *Node { return b.node }

// Identifier returns the element name.
func (b *Base) Identifier() string { return b.node.Identifier() }

// Type returns the element type tag.
func (b *Base) Type() string { return b.typ }

// Address returns the element's path from its root.
func (b *Base) Address() string { return b.node.Address() }

// Parent returns the structural parent.
func (b *Base) Parent() Element { return b.node.Parent() }

// GetByIdentifier follows the forward edge named id.
func (b *Base) GetByIdentifier(ctx context.Context, id string) (Element, error) {
	return b.node.GetByIdentifier(ctx, id)
}

func (b *Base) read(ctx context.Context, fn func()) error {
	if err := b.node.EnterReadLock(ctx); err != nil {
		return err
	}
	defer b.node.ExitReadLock(ctx)
	fn()
	return nil
}

func (b *Base) write(ctx context.Context, fn func()) error {
	if err := b.node.EnterWriteLock(ctx); err != nil {
		return err
	}
	defer b.node.ExitWriteLock(ctx)
	fn()
	return nil
}

// Format returns the opaque format descriptor.
func (b *Base) Format(ctx context.Context) (any, error) {
	var f any
	err := b.read(ctx, func() { f = b.format })
	return f, err
}

// SetFormat replaces the format descriptor.
func (b *Base) SetFormat(ctx context.Context, format any) error {
	return b.write(ctx, func() { b.format = format })
}

// Hidden reports whether the element is hidden from tree listings.
func (b *Base) Hidden(ctx context.Context) (bool, error) {
	var h bool
	err := b.read(ctx, func() { h = b.hidden })
	return h, err
}

// SetHidden sets the hidden flag.
func (b *Base) SetHidden(ctx context.Context, hidden bool) error {
	return b.write(ctx, func() { b.hidden = hidden })
}

// Profiles returns the element's profile set.
func (b *Base) Profiles(ctx context.Context) ([]string, error) {
	var p []string
	err := b.read(ctx, func() { p = slices.Clone(b.profiles) })
	return p, err
}

// AddProfile adds a profile; duplicates are ignored.
func (b *Base) AddProfile(ctx context.Context, profile string) error {
	return b.write(ctx, func() { b.profiles = addUnique(b.profiles, profile) })
}

// Tags returns the element's tag set.
func (b *Base) Tags(ctx context.Context) ([]string, error) {
	var t []string
	err := b.read(ctx, func() { t = slices.Clone(b.tags) })
	return t, err
}

// AddTag adds a tag; duplicates are ignored.
func (b *Base) AddTag(ctx context.Context, tag string) error {
	return b.write(ctx, func() { b.tags = addUnique(b.tags, tag) })
}

// RemoveTag removes a tag if present.
func (b *Base) RemoveTag(ctx context.Context, tag string) error {
	return b.write(ctx, func() {
		b.tags = slices.DeleteFunc(b.tags, func(t string) bool { return strings.EqualFold(t, tag) })
	})
}

// Info returns a copy of the info map.
func (b *Base) Info(ctx context.Context) (map[string]any, error) {
	var m map[string]any
	err := b.read(ctx, func() { m = maps.Clone(b.info) })
	return m, err
}

// SetInfo stores one info entry. A nil value deletes the key.
func (b *Base) SetInfo(ctx context.Context, key string, value any) error {
	return b.write(ctx, func() { b.info = setOrDelete(b.info, key, value) })
}

// UserData returns a copy of the user data map.
func (b *Base) UserData(ctx context.Context) (map[string]any, error) {
	var m map[string]any
	err := b.read(ctx, func() { m = maps.Clone(b.userData) })
	return m, err
}

// SetUserData stores one user data entry. A nil value deletes the key.
func (b *Base) SetUserData(ctx context.Context, key string, value any) error {
	return b.write(ctx, func() { b.userData = setOrDelete(b.userData, key, value) })
}

// Description is a point-in-time view of an element's metadata.
type Description struct {
	Identifier string         `json:"identifier" yaml:"identifier"`
	Type       string         `json:"type" yaml:"type"`
	Address    string         `json:"address" yaml:"address"`
	Hidden     bool           `json:"hidden,omitempty" yaml:"hidden,omitempty"`
	Profiles   []string       `json:"profiles,omitempty" yaml:"profiles,omitempty"`
	Tags       []string       `json:"tags,omitempty" yaml:"tags,omitempty"`
	Info       map[string]any `json:"info,omitempty" yaml:"info,omitempty"`
}

// Describe snapshots the element metadata under one read lock.
func (b *Base) Describe(ctx context.Context) (Description, error) {
	var d Description
	err := b.read(ctx, func() {
		d = Description{
			Identifier: b.Identifier(),
			Type:       b.typ,
			Address:    b.Address(),
			Hidden:     b.hidden,
			Profiles:   slices.Clone(b.profiles),
			Tags:       slices.Clone(b.tags),
			Info:       maps.Clone(b.info),
		}
	})
	return d, err
}

func addUnique(set []string, v string) []string {
	if slices.ContainsFunc(set, func(s string) bool { return strings.EqualFold(s, v) }) {
		return set
	}
	return append(set, v)
}

func setOrDelete(m map[string]any, key string, value any) map[string]any {
	if value == nil {
		delete(m, key)
		return m
	}
	if m == nil {
		m = make(map[string]any)
	}
	m[key] = value
	return m
}
