package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"afteryou/internal/middleware"
	"afteryou/internal/models"

	"github.com/rs/zerolog"
	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel/attribute"
)

// Mutation is a resolved write as handed to publishers and received from
// peer instances. Server values are already replaced in Data.
type Mutation struct {
	Op   string          `json:"op"`
	Path string          `json:"path"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Persister receives the new encoded value of every persist unit touched by
// a local write. A nil value means the unit is gone.
type Persister interface {
	Enqueue(key string, value json.RawMessage) error
}

// Publisher fans local mutations out to peer instances. Publish must not
// block: it is called with the store lock held.
type Publisher interface {
	Publish(m Mutation)
}

// Listener receives the encoded value at a subscribed path, nil when absent.
type Listener func(value json.RawMessage)

// Store is the in-memory gateway tree with push subscriptions.
//
// Deliveries are queued while the tree lock is held and drained afterwards by
// whichever goroutine gets there first, so listeners see changes in the
// order they were applied and may write to the store themselves.
type Store struct {
	mu        sync.Mutex
	root      map[string]any
	subs      []*subscription
	persister Persister
	publisher Publisher
	now       func() time.Time
	logger    zerolog.Logger

	qmu      sync.Mutex
	queue    []delivery
	draining bool
}

type subscription struct {
	id        string
	segs      []string
	fn        Listener
	last      json.RawMessage
	seen      bool
	cancelled atomic.Bool
}

type delivery struct {
	sub   *subscription
	value json.RawMessage
}

type change struct {
	segs  []string
	value any
}

// ephemeral roots live only in memory; collection roots persist one unit per
// child. Every other root persists as a single unit.
var (
	ephemeralRoots  = map[string]bool{models.PathPresence: true}
	collectionRoots = map[string]bool{models.PathSnapshots: true}
)

func NewStore(logger zerolog.Logger) *Store {
	return &Store{
		root:   make(map[string]any),
		now:    time.Now,
		logger: logger.With().Str("component", "store").Logger(),
	}
}

func (s *Store) SetPersister(p Persister) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persister = p
}

func (s *Store) SetPublisher(p Publisher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publisher = p
}

// SetClock replaces the clock used for server timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Set replaces the subtree at path. A null or empty value removes it.
func (s *Store) Set(ctx context.Context, path string, value json.RawMessage) error {
	ctx, span := middleware.StartSpan(ctx, "Store.Set", attribute.String("gateway.path", path))
	defer span.End()

	segs, err := writablePath(path)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return err
	}

	v, err := s.prepareRaw(value)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return err
	}

	op := models.OpSet
	if v == nil {
		op = models.OpRemove
	}
	s.commit([]change{{segs: segs, value: v}}, &Mutation{Op: op, Path: JoinPath(segs), Data: encodeValue(v)})
	return nil
}

// Update sets each child of path independently. Keys may be relative paths.
func (s *Store) Update(ctx context.Context, path string, fields map[string]json.RawMessage) error {
	ctx, span := middleware.StartSpan(ctx, "Store.Update",
		attribute.String("gateway.path", path),
		attribute.Int("gateway.fields", len(fields)),
	)
	defer span.End()

	changes, resolved, err := s.prepareUpdate(path, fields)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return err
	}
	if len(changes) == 0 {
		return nil
	}

	data, err := json.Marshal(resolved)
	if err != nil {
		return fmt.Errorf("failed to encode update: %w", err)
	}
	s.commit(changes, &Mutation{Op: models.OpUpdate, Path: path, Data: data})
	return nil
}

// Remove deletes the subtree at path and prunes empty ancestors.
func (s *Store) Remove(ctx context.Context, path string) error {
	return s.Set(ctx, path, nil)
}

// Get returns the encoded subtree at path, nil when absent.
func (s *Store) Get(ctx context.Context, path string) (json.RawMessage, error) {
	_, span := middleware.StartSpan(ctx, "Store.Get", attribute.String("gateway.path", path))
	defer span.End()

	segs, err := SplitPath(path)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return encodeValue(getAt(s.root, segs)), nil
}

// Subscribe delivers the current value at path and then every change at
// path, above it or below it. Unchanged values are not delivered twice.
func (s *Store) Subscribe(path string, fn Listener) (func(), error) {
	segs, err := SplitPath(path)
	if err != nil {
		return nil, err
	}

	sub := &subscription{
		id:   ksuid.New().String(),
		segs: segs,
		fn:   fn,
	}

	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.offerLocked(sub)
	s.mu.Unlock()

	s.drain()

	return func() { s.unsubscribe(sub) }, nil
}

// SubscriberCount is the number of live subscriptions.
func (s *Store) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// ApplyRemote applies a mutation that a peer instance already persisted.
// It is delivered to local subscribers but neither persisted nor published.
func (s *Store) ApplyRemote(m Mutation) error {
	var changes []change

	switch m.Op {
	case models.OpSet, models.OpRemove:
		segs, err := writablePath(m.Path)
		if err != nil {
			return err
		}
		v, err := s.prepareRaw(m.Data)
		if err != nil {
			return err
		}
		changes = []change{{segs: segs, value: v}}

	case models.OpUpdate:
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(m.Data, &fields); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		var err error
		if changes, _, err = s.prepareUpdate(m.Path, fields); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unknown mutation op %q", m.Op)
	}

	s.commit(changes, nil)
	return nil
}

// Load seeds the tree from persisted entries without notifying anyone.
func (s *Store) Load(entries []*models.Entry) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	loaded := 0
	for _, e := range entries {
		segs, err := writablePath(e.Key)
		if err != nil {
			s.logger.Warn().Str("key", e.Key).Err(err).Msg("skipping persisted entry")
			continue
		}
		v, err := decodeValue(e.Value)
		if err == nil {
			v, err = prepare(v, 0)
		}
		if err != nil {
			s.logger.Warn().Str("key", e.Key).Err(err).Msg("skipping malformed entry")
			continue
		}
		setAt(s.root, segs, v)
		loaded++
	}
	return loaded
}

func writablePath(path string) ([]string, error) {
	segs, err := SplitPath(path)
	if err != nil {
		return nil, err
	}
	if len(segs) == 0 {
		return nil, fmt.Errorf("%w: cannot write the root", ErrInvalidPath)
	}
	return segs, nil
}

func (s *Store) prepareRaw(raw json.RawMessage) (any, error) {
	v, err := decodeValue(raw)
	if err != nil {
		return nil, err
	}
	return prepare(v, s.nowMillis())
}

func (s *Store) prepareUpdate(path string, fields map[string]json.RawMessage) ([]change, map[string]any, error) {
	base, err := SplitPath(path)
	if err != nil {
		return nil, nil, err
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	now := s.nowMillis()
	changes := make([]change, 0, len(keys))
	resolved := make(map[string]any, len(keys))
	for _, k := range keys {
		rel, err := SplitPath(k)
		if err != nil {
			return nil, nil, err
		}
		if len(rel) == 0 {
			return nil, nil, fmt.Errorf("%w: empty update key", ErrInvalidPath)
		}
		v, err := decodeValue(fields[k])
		if err != nil {
			return nil, nil, err
		}
		if v, err = prepare(v, now); err != nil {
			return nil, nil, err
		}

		segs := append(append([]string{}, base...), rel...)
		changes = append(changes, change{segs: segs, value: v})
		resolved[k] = v
	}
	return changes, resolved, nil
}

func (s *Store) nowMillis() int64 {
	s.mu.Lock()
	now := s.now
	s.mu.Unlock()
	return models.EpochMillis(now())
}

// commit applies changes atomically. A non-nil mutation marks a local write.
func (s *Store) commit(changes []change, m *Mutation) {
	s.mu.Lock()

	var units map[string]struct{}
	if m != nil && s.persister != nil {
		units = make(map[string]struct{})
		for _, c := range changes {
			s.collectUnitsLocked(c.segs, units)
		}
	}

	for _, c := range changes {
		setAt(s.root, c.segs, c.value)
	}

	if m != nil {
		if s.persister != nil {
			for _, c := range changes {
				s.collectUnitsLocked(c.segs, units)
			}
			s.persistLocked(units)
		}
		if s.publisher != nil {
			s.publisher.Publish(*m)
		}
	}

	for _, sub := range s.subs {
		for _, c := range changes {
			if related(sub.segs, c.segs) {
				s.offerLocked(sub)
				break
			}
		}
	}

	s.mu.Unlock()
	s.drain()
}

func (s *Store) collectUnitsLocked(segs []string, into map[string]struct{}) {
	root := segs[0]
	switch {
	case ephemeralRoots[root]:
	case !collectionRoots[root]:
		into[root] = struct{}{}
	case len(segs) >= 2:
		into[root+"/"+segs[1]] = struct{}{}
	default:
		for _, k := range childKeys(s.root[root]) {
			into[root+"/"+k] = struct{}{}
		}
	}
}

func (s *Store) persistLocked(units map[string]struct{}) {
	keys := make([]string, 0, len(units))
	for k := range units {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		segs, _ := SplitPath(key)
		value := encodeValue(getAt(s.root, segs))
		if err := s.persister.Enqueue(key, value); err != nil {
			s.logger.Warn().Str("key", key).Err(err).Msg("failed to enqueue persist job")
		}
	}
}

func (s *Store) offerLocked(sub *subscription) {
	value := encodeValue(getAt(s.root, sub.segs))
	if sub.seen && bytes.Equal(value, sub.last) {
		return
	}
	sub.seen = true
	sub.last = value

	s.qmu.Lock()
	s.queue = append(s.queue, delivery{sub: sub, value: value})
	s.qmu.Unlock()
}

func (s *Store) drain() {
	s.qmu.Lock()
	if s.draining {
		s.qmu.Unlock()
		return
	}
	s.draining = true

	for len(s.queue) > 0 {
		d := s.queue[0]
		s.queue[0] = delivery{}
		s.queue = s.queue[1:]
		s.qmu.Unlock()

		if !d.sub.cancelled.Load() {
			s.deliver(d)
		}

		s.qmu.Lock()
	}

	s.draining = false
	s.qmu.Unlock()
}

func (s *Store) deliver(d delivery) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("subscription", d.sub.id).
				Str("path", JoinPath(d.sub.segs)).
				Interface("panic", r).
				Msg("subscriber panicked")
		}
	}()
	d.sub.fn(d.value)
}

func (s *Store) unsubscribe(sub *subscription) {
	if sub.cancelled.Swap(true) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, other := range s.subs {
		if other == sub {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			return
		}
	}
}
