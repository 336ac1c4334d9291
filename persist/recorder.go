package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/semtree/errors"
	"github.com/c360/semtree/event"
	"github.com/c360/semtree/natsclient"
)

// DefaultBucket is the KV bucket used when none is configured.
const DefaultBucket = "semtree_subscriptions"

// Store is the part of natsclient.KVStore the recorder needs.
type Store interface {
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Get(ctx context.Context, key string) (*natsclient.KVEntry, error)
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// Record is the stored form of one persistent subscription.
type Record struct {
	Address      string             `json:"address"`
	Subscription event.Subscription `json:"subscription"`
	RecordedAt   time.Time          `json:"recorded_at"`
}

// Recorder keeps persist=true subscriptions in a KV bucket. It implements
// event.Notifier. Records are written and removed as subscriptions change;
// nothing is replayed into the tree.
type Recorder struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time

	recorded atomic.Int64
	removed  atomic.Int64
	failed   atomic.Int64
}

var _ event.Notifier = (*Recorder)(nil)

// NewRecorder creates a recorder on store.
func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:  store,
		logger: logger.With("component", "persist"),
		now:    time.Now,
	}
}

// Open creates or reuses bucket on client and returns a recorder writing to it.
func Open(ctx context.Context, client *natsclient.Client, bucket string, logger *slog.Logger) (*Recorder, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}
	kv, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "SemTree persistent event subscriptions",
		History:     1,
	})
	if err != nil {
		return nil, errors.Wrap(err, "Recorder", "Open", "open bucket "+bucket)
	}
	return NewRecorder(client.NewKVStore(kv), logger), nil
}

// Key returns the KV key for subscription id on the event at address. Keys are
// case-insensitive like addresses; brackets are escaped since KV keys do not
// allow them.
func Key(address string, id int) string {
	addr := strings.ToLower(strings.Trim(address, "/"))
	addr = strings.NewReplacer("[", "=5B", "]", "=5D").Replace(addr)
	return addr + "." + strconv.Itoa(id)
}

// SubscriptionAdded stores sub when it is persistent. A non-persistent
// subscription may have replaced a persistent one with the same id, so its
// key is removed on a best-effort basis.
func (r *Recorder) SubscriptionAdded(ctx context.Context, source *event.Element, sub event.Subscription) error {
	address := source.Address()
	key := Key(address, sub.ID)

	if !sub.Persist {
		if err := r.store.Delete(ctx, key); err != nil && !natsclient.IsKVNotFoundError(err) {
			r.logger.Debug("Stale subscription record not removed", "key", key, "error", err)
		}
		return nil
	}

	data, err := json.Marshal(Record{Address: address, Subscription: sub, RecordedAt: r.now().UTC()})
	if err != nil {
		r.failed.Add(1)
		return errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrInternal, err),
			"Recorder", "SubscriptionAdded", "marshal record")
	}
	if _, err := r.store.Put(ctx, key, data); err != nil {
		r.failed.Add(1)
		return errors.WrapTransient(err, "Recorder", "SubscriptionAdded", "store "+key)
	}

	r.recorded.Add(1)
	r.logger.Debug("Subscription recorded", "key", key, "callback", sub.Callback)
	return nil
}

// SubscriptionRemoved deletes the record of a persistent subscription.
func (r *Recorder) SubscriptionRemoved(ctx context.Context, source *event.Element, sub event.Subscription) error {
	if !sub.Persist {
		return nil
	}
	key := Key(source.Address(), sub.ID)
	if err := r.store.Delete(ctx, key); err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil
		}
		r.failed.Add(1)
		return errors.WrapTransient(err, "Recorder", "SubscriptionRemoved", "delete "+key)
	}
	r.removed.Add(1)
	return nil
}

// Records lists the stored subscriptions ordered by key. Entries that vanish
// between listing and reading are skipped.
func (r *Recorder) Records(ctx context.Context) ([]Record, error) {
	keys, err := r.store.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "Recorder", "Records", "list keys")
	}
	sort.Strings(keys)

	out := make([]Record, 0, len(keys))
	for _, key := range keys {
		entry, err := r.store.Get(ctx, key)
		if err != nil {
			if natsclient.IsKVNotFoundError(err) {
				continue
			}
			return nil, errors.WrapTransient(err, "Recorder", "Records", "get "+key)
		}
		var rec Record
		if err := json.Unmarshal(entry.Value, &rec); err != nil {
			r.logger.Warn("Skipping malformed subscription record", "key", key, "error", err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Stats is a snapshot of recorder counters.
type Stats struct {
	Recorded int64 `json:"recorded"`
	Removed  int64 `json:"removed"`
	Failed   int64 `json:"failed"`
}

// Stats returns the recorder counters.
func (r *Recorder) Stats() Stats {
	return Stats{Recorded: r.recorded.Load(), Removed: r.removed.Load(), Failed: r.failed.Load()}
}
