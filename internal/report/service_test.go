package report

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/guptmilan/chat-server/internal/ban"
	"github.com/guptmilan/chat-server/internal/chat"
	"github.com/guptmilan/chat-server/internal/logging"
	"github.com/guptmilan/chat-server/internal/matching"
	"github.com/guptmilan/chat-server/internal/moderation"
	"github.com/guptmilan/chat-server/internal/modstore"
	"github.com/guptmilan/chat-server/internal/session"
)

type memStore struct {
	modstore.Nop
	mu      sync.Mutex
	reports []*modstore.Report
	err     error
}

func (m *memStore) SaveReport(ctx context.Context, r *modstore.Report) error {
	if err := r.Prepare(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.reports = append(m.reports, r)
	return nil
}

type fakePublisher struct {
	events []moderation.ReportEvent
}

func (f *fakePublisher) PublishReport(ev moderation.ReportEvent) error {
	f.events = append(f.events, ev)
	return nil
}

type fixture struct {
	svc      *Service
	engine   *matching.Engine
	sessions *session.Store
	blocks   *ban.BlockStore
	history  *chat.History
	store    *memStore
	pub      *fakePublisher
	mr       *miniredis.Miniredis
}

func setup(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	f := &fixture{
		sessions: session.NewStore(rdb, "ws-test"),
		blocks:   ban.NewBlockStore(rdb),
		history:  chat.NewHistory(rdb),
		store:    &memStore{},
		pub:      &fakePublisher{},
		mr:       mr,
	}
	f.engine = matching.NewEngine(f.sessions, matching.NewQueue(rdb), f.blocks, logging.Nop())
	f.svc = NewService(f.engine, f.store, f.blocks, f.history, f.pub, logging.Nop())
	return f
}

func (f *fixture) request(t *testing.T, id string) matching.Outcome {
	t.Helper()
	out, err := f.engine.RequestMatch(context.Background(), matching.Request{
		ConnID: id, Type: session.TypeText, Fingerprint: "fp-" + id,
	})
	if err != nil {
		t.Fatalf("RequestMatch(%s): %v", id, err)
	}
	return out
}

func TestSubmit_ReportScenario(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.request(t, "a")
	if out := f.request(t, "b"); out.PartnerID != "a" {
		t.Fatalf("b matched %q, want a", out.PartnerID)
	}
	f.history.Add(ctx, "a", "b", chat.BufferedMessage{From: "a", Text: "rude", Ts: 1})
	f.history.Add(ctx, "a", "b", chat.BufferedMessage{From: "b", Text: "stop", Ts: 2})

	res, err := f.svc.Submit(ctx, "b", "harassment", "said rude things")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.ReportedID != "a" || !res.Persisted || res.ReportID == "" {
		t.Errorf("result = %+v", res)
	}

	// (1) report persisted with evidence.
	if len(f.store.reports) != 1 {
		t.Fatalf("reports = %d, want 1", len(f.store.reports))
	}
	rec := f.store.reports[0]
	if rec.ReporterID != "b" || rec.ReportedID != "a" || rec.Reason != "harassment" || rec.ReportedIdentity != "fp-a" {
		t.Errorf("report = %+v", rec)
	}
	if len(rec.Messages) != 2 || rec.Messages[0].From != "reported" || rec.Messages[1].From != "reporter" {
		t.Errorf("messages = %+v", rec.Messages)
	}

	// (2) pair blocked for 24h.
	if blocked, _ := f.blocks.Blocked(ctx, "a", "b"); !blocked {
		t.Error("pair not blocked")
	}
	if ttl := f.mr.TTL("block:b:a"); ttl != ban.BlockTTL {
		t.Errorf("block ttl = %s, want %s", ttl, ban.BlockTTL)
	}

	// (3) both halves of the pairing are gone.
	for _, id := range []string{"a", "b"} {
		if sess, _ := f.sessions.Get(ctx, id); sess != nil {
			t.Errorf("session %s survived: %+v", id, sess)
		}
	}
	if msgs, _ := f.history.Get(ctx, "a", "b"); len(msgs) != 0 {
		t.Errorf("transcript survived: %v", msgs)
	}

	// Moderator is told about the reported identity.
	if len(f.pub.events) != 1 || f.pub.events[0].ReportedIdentity != "fp-a" {
		t.Errorf("events = %+v", f.pub.events)
	}

	// The two never meet again while the block lasts.
	f.request(t, "a")
	if out := f.request(t, "b"); out.Matched() {
		t.Errorf("blocked pair re-matched: %+v", out)
	}
}

func TestSubmit_NoPartner(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.request(t, "c") // waiting, not paired
	if _, err := f.svc.Submit(ctx, "c", "spam", ""); !errors.Is(err, ErrNoPartner) {
		t.Errorf("Submit(waiting) error = %v, want ErrNoPartner", err)
	}
	if _, err := f.svc.Submit(ctx, "nobody", "spam", ""); !errors.Is(err, ErrNoPartner) {
		t.Errorf("Submit(absent) error = %v, want ErrNoPartner", err)
	}
	if len(f.store.reports) != 0 || len(f.pub.events) != 0 {
		t.Error("no-partner report left a record")
	}
}

func TestSubmit_DefaultReason(t *testing.T) {
	f := setup(t)
	f.request(t, "a")
	f.request(t, "b")

	if _, err := f.svc.Submit(context.Background(), "a", "  ", ""); err != nil {
		t.Fatal(err)
	}
	if got := f.store.reports[0].Reason; got != modstore.DefaultReason {
		t.Errorf("reason = %q, want %q", got, modstore.DefaultReason)
	}
}

func TestSubmit_StoreDown(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.store.err = modstore.ErrUnavailable

	f.request(t, "a")
	f.request(t, "b")

	res, err := f.svc.Submit(ctx, "a", "spam", "")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Persisted || !errors.Is(res.StoreErr, modstore.ErrUnavailable) {
		t.Errorf("result = %+v, want unpersisted", res)
	}
	// Safety actions still apply.
	if blocked, _ := f.blocks.Blocked(ctx, "a", "b"); !blocked {
		t.Error("pair not blocked")
	}
	if sess, _ := f.sessions.Get(ctx, "a"); sess != nil {
		t.Error("reporter not released")
	}
}

func TestSubmit_BlockExpires(t *testing.T) {
	f := setup(t)
	f.request(t, "a")
	f.request(t, "b")
	if _, err := f.svc.Submit(context.Background(), "a", "spam", ""); err != nil {
		t.Fatal(err)
	}

	f.mr.FastForward(ban.BlockTTL + time.Second)

	f.request(t, "a")
	if out := f.request(t, "b"); out.PartnerID != "a" {
		t.Errorf("after block expiry b matched %q, want a", out.PartnerID)
	}
}
