package element

import (
	"context"

	"github.com/c360/semtree/errors"
)

// EventDataChanged is the identifier of the event child a Data element raises
// after every successful write.
const EventDataChanged = "datachanged"

// EventTreeChanged is the identifier of the event child the registry raises on
// a root after a structural mutation.
const EventTreeChanged = "treechanged"

// NewDevice creates a device element, usually a root.
func NewDevice(identifier string) *Base {
	return NewBase(identifier, TypeDevice)
}

// NewStructure creates a grouping element.
func NewStructure(identifier string) *Base {
	return NewBase(identifier, TypeStructure)
}

// Data holds a single value that can be read and written.
type Data struct {
	*Base

	value    any
	readable bool
	writable bool
}

// DataOption configures a Data element.
type DataOption func(*Data)

// WithValue sets the initial value.
func WithValue(v any) DataOption {
	return func(d *Data) { d.value = v }
}

// ReadOnly rejects writes with ErrNotSupported.
func ReadOnly() DataOption {
	return func(d *Data) { d.writable = false }
}

// WriteOnly rejects reads with ErrNotSupported.
func WriteOnly() DataOption {
	return func(d *Data) { d.readable = false }
}

// NewData creates a readable, writable data element.
func NewData(identifier string, opts ...DataOption) *Data {
	d := &Data{
		Base:     NewBase(identifier, TypeData),
		readable: true,
		writable: true,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Read returns the current value.
func (d *Data) Read(ctx context.Context) (any, error) {
	if !d.readable {
		return nil, errors.WrapInvalid(errors.ErrNotSupported, "Data", "Read", "read "+d.Address())
	}
	var v any
	err := d.read(ctx, func() { v = d.value })
	return v, err
}

// Write stores a new value, then raises the datachanged child event if one
// is attached.
func (d *Data) Write(ctx context.Context, value any) error {
	if !d.writable {
		return errors.WrapInvalid(errors.ErrNotSupported, "Data", "Write", "write "+d.Address())
	}
	if err := d.write(ctx, func() { d.value = value }); err != nil {
		return err
	}

	if ev, err := d.GetByIdentifier(ctx, EventDataChanged); err == nil {
		if r, ok := ev.(Raiser); ok {
			r.Raise(ctx)
		}
	}
	return nil
}

// Set is Write under the name used by tree loaders and CLIs.
func (d *Data) Set(ctx context.Context, value any) error {
	return d.Write(ctx, value)
}

// InvokeFunc handles an in-process invocation.
type InvokeFunc func(ctx context.Context, payload any) (any, error)

// Service is an element that can be invoked, typically as an event callback.
type Service struct {
	*Base
	fn InvokeFunc
}

// NewService creates a service element backed by fn.
func NewService(identifier string, fn InvokeFunc) *Service {
	return &Service{Base: NewBase(identifier, TypeService), fn: fn}
}

// Invoke calls the service function.
func (s *Service) Invoke(ctx context.Context, payload any) (any, error) {
	if s.fn == nil {
		return nil, errors.WrapInvalid(errors.ErrNotSupported, "Service", "Invoke", "invoke "+s.Address())
	}
	return s.fn(ctx, payload)
}
