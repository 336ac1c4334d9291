package registry

import (
	"context"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/c360/semtree/element"
	"github.com/c360/semtree/errors"
	"github.com/c360/semtree/event"
)

// TreeFile is the on-disk description of an initial tree.
type TreeFile struct {
	Elements      []ElementSpec      `yaml:"elements"`
	Links         []LinkSpec         `yaml:"links,omitempty"`
	Subscriptions []SubscriptionSpec `yaml:"subscriptions,omitempty"`
}

// ElementSpec describes one element and its children.
type ElementSpec struct {
	ID       string         `yaml:"id"`
	Type     string         `yaml:"type"`
	Hidden   bool           `yaml:"hidden,omitempty"`
	Profiles []string       `yaml:"profiles,omitempty"`
	Tags     []string       `yaml:"tags,omitempty"`
	Info     map[string]any `yaml:"info,omitempty"`
	Format   any            `yaml:"format,omitempty"`

	// Data elements
	Value  any    `yaml:"value,omitempty"`
	Access string `yaml:"access,omitempty"` // rw (default), r, w

	// Service elements
	Handler string `yaml:"handler,omitempty"`

	Children []ElementSpec `yaml:"children,omitempty"`
}

// LinkSpec describes a link edge.
type LinkSpec struct {
	Source string `yaml:"source"`
	ID     string `yaml:"id"`
	Target string `yaml:"target"`
}

// SubscriptionSpec describes a subscription registered at load time.
type SubscriptionSpec struct {
	Event      string   `yaml:"event"`
	Callback   string   `yaml:"callback"`
	DataToSend []string `yaml:"datatosend,omitempty"`
	Persist    bool     `yaml:"persist,omitempty"`
}

// Handlers maps service handler names used in a tree file to functions.
type Handlers map[string]element.InvokeFunc

// ParseTreeFile decodes a tree description.
func ParseTreeFile(r io.Reader) (*TreeFile, error) {
	var tf TreeFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&tf); err != nil && err != io.EOF {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrDataInvalid, err),
			"Registry", "ParseTreeFile", "decode tree file")
	}
	return &tf, nil
}

// LoadFile reads path and builds its tree into r.
func (r *Registry) LoadFile(ctx context.Context, path string, handlers Handlers) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.WrapInvalid(err, "Registry", "LoadFile", fmt.Sprintf("open %s", path))
	}
	defer f.Close()

	tf, err := ParseTreeFile(f)
	if err != nil {
		return err
	}
	return r.Load(ctx, tf, handlers)
}

// Load builds the elements, links and subscriptions of tf. Elements are
// created parent first, so each one is in the tree before its children join.
func (r *Registry) Load(ctx context.Context, tf *TreeFile, handlers Handlers) error {
	ctx = element.WithOwner(ctx)

	for _, spec := range tf.Elements {
		if err := r.loadElement(ctx, nil, spec, handlers); err != nil {
			return err
		}
	}

	for _, l := range tf.Links {
		source, err := r.Resolve(ctx, l.Source)
		if err != nil {
			return errors.Wrap(err, "Registry", "Load", fmt.Sprintf("resolve link source %q", l.Source))
		}
		target, err := r.Resolve(ctx, l.Target)
		if err != nil {
			return errors.Wrap(err, "Registry", "Load", fmt.Sprintf("resolve link target %q", l.Target))
		}
		if err := r.AddLink(ctx, source, l.ID, target); err != nil {
			return err
		}
	}

	for _, s := range tf.Subscriptions {
		el, err := r.Resolve(ctx, s.Event)
		if err != nil {
			return errors.Wrap(err, "Registry", "Load", fmt.Sprintf("resolve event %q", s.Event))
		}
		ev, ok := el.(*event.Element)
		if !ok {
			return errors.WrapInvalid(errors.ErrDataInvalid, "Registry", "Load",
				fmt.Sprintf("subscribe to %q which is a %s", s.Event, el.Type()))
		}
		if _, err := ev.Subscribe(ctx, s.Callback,
			event.WithDataToSend(s.DataToSend...), event.WithPersist(s.Persist)); err != nil {
			return err
		}
	}

	r.logger.Info("tree loaded",
		"roots", len(tf.Elements), "links", len(tf.Links), "subscriptions", len(tf.Subscriptions))
	return nil
}

func (r *Registry) loadElement(ctx context.Context, parent element.Element, spec ElementSpec, handlers Handlers) error {
	el, err := buildElement(spec, handlers)
	if err != nil {
		return err
	}
	if err := applyMetadata(ctx, el, spec); err != nil {
		return err
	}
	if err := r.Create(ctx, parent, el); err != nil {
		return err
	}
	for _, child := range spec.Children {
		if err := r.loadElement(ctx, el, child, handlers); err != nil {
			return err
		}
	}
	return nil
}

func buildElement(spec ElementSpec, handlers Handlers) (element.Element, error) {
	switch spec.Type {
	case element.TypeDevice:
		return element.NewDevice(spec.ID), nil
	case element.TypeStructure, "":
		return element.NewStructure(spec.ID), nil
	case element.TypeEvent:
		return event.New(spec.ID), nil
	case element.TypeData:
		opts := []element.DataOption{element.WithValue(spec.Value)}
		switch spec.Access {
		case "", "rw":
		case "r":
			opts = append(opts, element.ReadOnly())
		case "w":
			opts = append(opts, element.WriteOnly())
		default:
			return nil, errors.WrapInvalid(errors.ErrDataInvalid, "Registry", "Load",
				fmt.Sprintf("parse access %q of %q", spec.Access, spec.ID))
		}
		return element.NewData(spec.ID, opts...), nil
	case element.TypeService:
		var fn element.InvokeFunc
		if spec.Handler != "" {
			var ok bool
			if fn, ok = handlers[spec.Handler]; !ok {
				return nil, errors.WrapInvalid(errors.ErrNotFound, "Registry", "Load",
					fmt.Sprintf("find handler %q for %q", spec.Handler, spec.ID))
			}
		}
		return element.NewService(spec.ID, fn), nil
	default:
		return element.NewBase(spec.ID, spec.Type), nil
	}
}

type metadataSetter interface {
	SetHidden(ctx context.Context, hidden bool) error
	AddProfile(ctx context.Context, profile string) error
	AddTag(ctx context.Context, tag string) error
	SetInfo(ctx context.Context, key string, value any) error
	SetFormat(ctx context.Context, format any) error
}

func applyMetadata(ctx context.Context, el element.Element, spec ElementSpec) error {
	m, ok := el.(metadataSetter)
	if !ok {
		return nil
	}
	if spec.Hidden {
		if err := m.SetHidden(ctx, true); err != nil {
			return err
		}
	}
	if spec.Format != nil {
		if err := m.SetFormat(ctx, spec.Format); err != nil {
			return err
		}
	}
	for _, p := range spec.Profiles {
		if err := m.AddProfile(ctx, p); err != nil {
			return err
		}
	}
	for _, t := range spec.Tags {
		if err := m.AddTag(ctx, t); err != nil {
			return err
		}
	}
	for k, v := range spec.Info {
		if err := m.SetInfo(ctx, k, v); err != nil {
			return err
		}
	}
	return nil
}
