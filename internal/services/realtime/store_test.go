package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"afteryou/internal/models"

	"github.com/rs/zerolog"
)

type recordingPersister struct {
	mu   sync.Mutex
	keys []string
	vals map[string]json.RawMessage
}

func (p *recordingPersister) Enqueue(key string, value json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.vals == nil {
		p.vals = make(map[string]json.RawMessage)
	}
	p.keys = append(p.keys, key)
	p.vals[key] = value
	return nil
}

type recordingPublisher struct {
	mu  sync.Mutex
	ops []Mutation
}

func (p *recordingPublisher) Publish(m Mutation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ops = append(p.ops, m)
}

func newTestStore() *Store {
	return NewStore(zerolog.Nop())
}

func mustGet(t *testing.T, s *Store, path string) string {
	t.Helper()
	v, err := s.Get(context.Background(), path)
	if err != nil {
		t.Fatalf("Get %s failed: %v", path, err)
	}
	return string(v)
}

func TestSplitPath(t *testing.T) {
	tests := []struct {
		path    string
		want    int
		invalid bool
	}{
		{"", 0, false},
		{"/", 0, false},
		{"paper", 1, false},
		{"/paper/typing/", 2, false},
		{"snapshots/1700000000000", 2, false},
		{"paper//typing", 0, true},
		{"a.b", 0, true},
		{"presence/$uid", 0, true},
		{"x[0]", 0, true},
		{"tag#1", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			segs, err := SplitPath(tt.path)
			if tt.invalid {
				if !errors.Is(err, ErrInvalidPath) {
					t.Errorf("Expected ErrInvalidPath, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if len(segs) != tt.want {
				t.Errorf("Expected %d segments, got %d", tt.want, len(segs))
			}
		})
	}
}

func TestSetGetRemove(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	if err := s.Set(ctx, "paper", json.RawMessage(`{"inkColor":"red","carriagePosition":100}`)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if got := mustGet(t, s, "paper/inkColor"); got != `"red"` {
		t.Errorf("Expected \"red\", got %s", got)
	}

	if err := s.Set(ctx, "paper/typing/isTyping", json.RawMessage(`true`)); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if got := mustGet(t, s, "paper/typing"); got != `{"isTyping":true}` {
		t.Errorf("Unexpected typing value %s", got)
	}

	if err := s.Remove(ctx, "paper/typing/isTyping"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if got := mustGet(t, s, "paper/typing"); got != "" {
		t.Errorf("Empty parent should be pruned, got %s", got)
	}

	if err := s.Set(ctx, "paper", json.RawMessage(`null`)); err != nil {
		t.Fatalf("Set null failed: %v", err)
	}
	if got := mustGet(t, s, "paper"); got != "" {
		t.Errorf("Expected absent paper, got %s", got)
	}
	if got := mustGet(t, s, ""); got != "" {
		t.Errorf("Expected empty root, got %s", got)
	}

	if err := s.Set(ctx, "", json.RawMessage(`1`)); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("Writing the root should fail, got %v", err)
	}
	if err := s.Set(ctx, "paper", json.RawMessage(`{"bad.key":1}`)); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("Expected ErrInvalidValue, got %v", err)
	}
}

func TestUpdateKeepsSiblings(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	s.Set(ctx, "paper", json.RawMessage(`{"inkColor":"black","typing":{"isTyping":true}}`))

	err := s.Update(ctx, "paper", map[string]json.RawMessage{
		"inkColor":         json.RawMessage(`"red"`),
		"carriagePosition": json.RawMessage(`92`),
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	want := `{"carriagePosition":92,"inkColor":"red","typing":{"isTyping":true}}`
	if got := mustGet(t, s, "paper"); got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}

	s.Update(ctx, "", map[string]json.RawMessage{"paper/typing": json.RawMessage(`null`)})
	if got := mustGet(t, s, "paper/typing"); got != "" {
		t.Errorf("Expected typing removed by multi-path update, got %s", got)
	}
}

func TestServerTimestampIsResolved(t *testing.T) {
	s := newTestStore()
	s.SetClock(func() time.Time { return time.UnixMilli(1700000000123) })

	value, _ := json.Marshal(map[string]any{"userId": "u1", "timestamp": models.ServerTimestamp})
	if err := s.Set(context.Background(), "presence/u1", value); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	want := `{"timestamp":1700000000123,"userId":"u1"}`
	if got := mustGet(t, s, "presence/u1"); got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}
}

func TestSubscribeDeliversInitialAndRelatedChanges(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	s.Set(ctx, "paper/inkColor", json.RawMessage(`"black"`))

	var got []string
	cancel, err := s.Subscribe("paper", func(v json.RawMessage) {
		got = append(got, string(v))
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	s.Set(ctx, "paper/carriagePosition", json.RawMessage(`92`))
	s.Set(ctx, "paper/carriagePosition", json.RawMessage(`92`))
	s.Set(ctx, "snapshots/1", json.RawMessage(`{"timestamp":1}`))
	s.Remove(ctx, "paper")

	want := []string{
		`{"inkColor":"black"}`,
		`{"carriagePosition":92,"inkColor":"black"}`,
		"",
	}
	if len(got) != len(want) {
		t.Fatalf("Expected %d deliveries, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Delivery %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	cancel()
	s.Set(ctx, "paper/inkColor", json.RawMessage(`"red"`))
	if len(got) != len(want) {
		t.Errorf("Cancelled subscription should not receive events")
	}
	if s.SubscriberCount() != 0 {
		t.Errorf("Expected no subscribers, got %d", s.SubscriberCount())
	}
}

func TestSubscribeAbsentDeliversNil(t *testing.T) {
	s := newTestStore()

	calls := 0
	var last json.RawMessage = json.RawMessage(`"sentinel"`)
	s.Subscribe("snapshots", func(v json.RawMessage) {
		calls++
		last = v
	})

	if calls != 1 || last != nil {
		t.Errorf("Expected one nil delivery, got %d calls with %s", calls, last)
	}
}

func TestReentrantWritesAreDeliveredInOrder(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	var order []string
	s.Subscribe("a", func(v json.RawMessage) {
		order = append(order, "a="+string(v))
		if string(v) == "1" {
			s.Set(ctx, "b", json.RawMessage(`2`))
		}
	})
	s.Subscribe("b", func(v json.RawMessage) {
		order = append(order, "b="+string(v))
	})

	s.Set(ctx, "a", json.RawMessage(`1`))

	want := []string{"a=", "b=", "a=1", "b=2"}
	if len(order) != len(want) {
		t.Fatalf("Expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("Step %d: expected %s, got %s", i, want[i], order[i])
		}
	}
}

func TestPersistUnits(t *testing.T) {
	s := newTestStore()
	p := &recordingPersister{}
	s.SetPersister(p)
	ctx := context.Background()

	s.Set(ctx, "paper/typing", json.RawMessage(`{"isTyping":true}`))
	s.Set(ctx, "snapshots/100", json.RawMessage(`{"timestamp":100}`))
	s.Set(ctx, "snapshots/200", json.RawMessage(`{"timestamp":200}`))
	s.Set(ctx, "presence/u1", json.RawMessage(`{"userId":"u1"}`))

	want := []string{"paper", "snapshots/100", "snapshots/200"}
	if len(p.keys) != len(want) {
		t.Fatalf("Expected units %v, got %v", want, p.keys)
	}
	for i := range want {
		if p.keys[i] != want[i] {
			t.Errorf("Unit %d: expected %s, got %s", i, want[i], p.keys[i])
		}
	}
	if string(p.vals["paper"]) != `{"typing":{"isTyping":true}}` {
		t.Errorf("Paper unit should carry the whole root, got %s", p.vals["paper"])
	}

	p.keys = nil
	s.Remove(ctx, "snapshots")
	if len(p.keys) != 2 {
		t.Fatalf("Removing the collection should delete each child, got %v", p.keys)
	}
	if p.vals["snapshots/100"] != nil || p.vals["snapshots/200"] != nil {
		t.Error("Deleted units should carry nil values")
	}
}

func TestApplyRemoteIsNotRepublished(t *testing.T) {
	s := newTestStore()
	p := &recordingPersister{}
	pub := &recordingPublisher{}
	s.SetPersister(p)
	s.SetPublisher(pub)
	ctx := context.Background()

	var events int
	s.Subscribe("paper", func(json.RawMessage) { events++ })

	s.Set(ctx, "paper/inkColor", json.RawMessage(`"red"`))
	if len(pub.ops) != 1 || pub.ops[0].Op != models.OpSet || pub.ops[0].Path != "paper/inkColor" {
		t.Fatalf("Expected one published set, got %+v", pub.ops)
	}

	err := s.ApplyRemote(Mutation{Op: models.OpUpdate, Path: "paper", Data: json.RawMessage(`{"carriagePosition":50}`)})
	if err != nil {
		t.Fatalf("ApplyRemote failed: %v", err)
	}
	if len(pub.ops) != 1 || len(p.keys) != 1 {
		t.Errorf("Remote mutations must not be republished or persisted")
	}
	if events != 3 {
		t.Errorf("Expected 3 deliveries, got %d", events)
	}

	if err := s.ApplyRemote(Mutation{Op: "bogus", Path: "paper"}); err == nil {
		t.Error("Unknown op should fail")
	}
}

func TestLoadSeedsTree(t *testing.T) {
	s := newTestStore()

	n := s.Load([]*models.Entry{
		{Key: "paper", Value: []byte(`{"inkColor":"red"}`)},
		{Key: "snapshots/100", Value: []byte(`{"timestamp":100}`)},
		{Key: "bad..key", Value: []byte(`1`)},
		{Key: "broken", Value: []byte(`{`)},
	})
	if n != 2 {
		t.Errorf("Expected 2 loaded entries, got %d", n)
	}
	if got := mustGet(t, s, "snapshots"); got != `{"100":{"timestamp":100}}` {
		t.Errorf("Unexpected snapshots %s", got)
	}
}
