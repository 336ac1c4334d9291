package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/c360/semtree/element"
	"github.com/c360/semtree/errors"
	"github.com/c360/semtree/event"
)

// EnvelopeCode tags every delivered event.
const EnvelopeCode = "event"

// DataEntry is the result of one best-effort read. Code follows
// errors.StatusCode; Data is set on success and Message on failure.
type DataEntry struct {
	Code    int    `json:"code"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"msg,omitempty"`
}

// Payload is what a subscriber learns about one raise.
type Payload struct {
	EventNo uint64               `json:"eventno"`
	Source  string               `json:"srcurl"`
	Data    map[string]DataEntry `json:"payload,omitempty"`
}

// Envelope wraps a payload for one subscription. CorrelationID is the
// subscription id and Address the callback it was registered with.
type Envelope struct {
	Code          string  `json:"code"`
	CorrelationID int     `json:"cid"`
	Address       string  `json:"adr"`
	Data          Payload `json:"data"`
}

// payloadBuilder reads each address at most once per job.
type payloadBuilder struct {
	resolver Resolver
	source   *event.Element
	eventNo  uint64
	entries  map[string]DataEntry
}

func newPayloadBuilder(resolver Resolver, source *event.Element, eventNo uint64) *payloadBuilder {
	return &payloadBuilder{
		resolver: resolver,
		source:   source,
		eventNo:  eventNo,
		entries:  make(map[string]DataEntry),
	}
}

// envelope builds the envelope for sub.
func (b *payloadBuilder) envelope(ctx context.Context, sub event.Subscription) Envelope {
	p := Payload{EventNo: b.eventNo, Source: b.source.Address()}

	switch {
	case len(sub.DataToSend) > 0:
		p.Data = make(map[string]DataEntry, len(sub.DataToSend))
		for _, addr := range sub.DataToSend {
			p.Data[addr] = b.entry(ctx, addr)
		}
	case strings.EqualFold(b.source.Identifier(), element.EventDataChanged):
		if parent := b.source.Parent(); parent != nil {
			if _, ok := parent.(element.Readable); ok {
				p.Data = map[string]DataEntry{parent.Address(): b.read(ctx, parent.Address(), parent)}
			}
		}
	}

	return Envelope{
		Code:          EnvelopeCode,
		CorrelationID: sub.ID,
		Address:       sub.Callback,
		Data:          p,
	}
}

func (b *payloadBuilder) entry(ctx context.Context, addr string) DataEntry {
	key := strings.ToLower(strings.TrimPrefix(addr, "/"))
	if e, ok := b.entries[key]; ok {
		return e
	}

	el, err := b.resolver.Resolve(ctx, addr)
	if err != nil {
		e := errorEntry(err)
		b.entries[key] = e
		return e
	}
	return b.read(ctx, key, el)
}

func (b *payloadBuilder) read(ctx context.Context, key string, el element.Element) (e DataEntry) {
	key = strings.ToLower(strings.TrimPrefix(key, "/"))
	if cached, ok := b.entries[key]; ok {
		return cached
	}
	defer func() {
		if p := recover(); p != nil {
			e = errorEntry(fmt.Errorf("%w: read panicked: %v", errors.ErrInternal, p))
		}
		b.entries[key] = e
	}()

	r, ok := el.(element.Readable)
	if !ok {
		return errorEntry(errors.WrapInvalid(errors.ErrNotSupported, "dispatch", "read",
			fmt.Sprintf("read %s %q", el.Type(), el.Address())))
	}
	v, err := r.Read(ctx)
	if err != nil {
		return errorEntry(err)
	}
	return DataEntry{Code: errors.StatusCode(nil), Data: v}
}

func errorEntry(err error) DataEntry {
	return DataEntry{Code: errors.StatusCode(err), Message: err.Error()}
}
