package event

import (
	"net/url"
	"slices"
	"strings"

	"github.com/c360/semtree/element"
	"github.com/c360/semtree/errors"
)

// DefaultMaxSubscriptionID bounds automatically allocated subscription ids.
const DefaultMaxSubscriptionID = 32767

// ClientIDParam is the query parameter that names a connected client in a
// callback such as "ws:?clientid=7".
const ClientIDParam = "clientid"

// Subscription is one registered interest in an event element. It is always
// handed out as a copy.
type Subscription struct {
	ID         int      `json:"id"`
	Callback   string   `json:"callback"`
	DataToSend []string `json:"datatosend,omitempty"`
	Persist    bool     `json:"persist,omitempty"`
}

func (s Subscription) clone() Subscription {
	s.DataToSend = slices.Clone(s.DataToSend)
	return s
}

// SubscribeOption configures Subscribe and Unsubscribe.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	dataToSend    []string
	persist       bool
	id            *int
	correlationID *int
}

// WithDataToSend lists the addresses whose values are attached to each event.
func WithDataToSend(addresses ...string) SubscribeOption {
	return func(o *subscribeOptions) { o.dataToSend = addresses }
}

// WithPersist marks the subscription for the persistence collaborator.
func WithPersist(persist bool) SubscribeOption {
	return func(o *subscribeOptions) { o.persist = persist }
}

// WithID requests an explicit subscription id.
func WithID(id int) SubscribeOption {
	return func(o *subscribeOptions) { o.id = &id }
}

// WithCorrelationID supplies the caller's correlation id, used as the
// subscription id when no explicit id is given.
func WithCorrelationID(cid int) SubscribeOption {
	return func(o *subscribeOptions) { o.correlationID = &cid }
}

// ValidCallback reports whether cb is an absolute URI or a local address.
// Brackets in the path and query are escaped before parsing since they are
// legal in identifiers but not in URI paths.
func ValidCallback(cb string) bool {
	cb = strings.TrimSpace(cb)
	if cb == "" {
		return false
	}
	if element.ValidAddress(cb) {
		return true
	}
	u, err := ParseCallback(cb)
	if err != nil || u.Scheme == "" {
		return false
	}
	return u.Host != "" || u.Opaque != "" || u.Query().Get(ClientIDParam) != ""
}

// ParseCallback parses a callback URI after escaping brackets outside its
// authority.
func ParseCallback(cb string) (*url.URL, error) {
	return url.Parse(escapeBrackets(cb))
}

func escapeBrackets(cb string) string {
	start := 0
	if i := strings.Index(cb, "://"); i >= 0 {
		start = i + 3
		if end := strings.IndexAny(cb[start:], "/?#"); end >= 0 {
			start += end
		} else {
			return cb
		}
	}
	r := strings.NewReplacer("[", "%5B", "]", "%5D")
	return cb[:start] + r.Replace(cb[start:])
}

func validateDataToSend(addresses []string) error {
	seen := make(map[string]struct{}, len(addresses))
	for _, addr := range addresses {
		if !element.ValidAddress(addr) {
			return errors.WrapInvalid(errors.ErrDataInvalid, "Element", "Subscribe",
				"validate datatosend entry \""+addr+"\"")
		}
		key := strings.ToLower(strings.TrimPrefix(addr, "/"))
		if _, dup := seen[key]; dup {
			return errors.WrapInvalid(errors.ErrDataInvalid, "Element", "Subscribe",
				"validate duplicate datatosend entry \""+addr+"\"")
		}
		seen[key] = struct{}{}
	}
	return nil
}
