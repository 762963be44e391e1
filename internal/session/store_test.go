package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewStore(rdb, "ws-test"), mr
}

func waiting(t *testing.T, s *Store, id string, tags ...string) {
	t.Helper()
	err := s.CreateWaiting(context.Background(), &Session{
		ID: id, Type: TypeText, Tags: EncodeTags(tags), Nickname: "nick-" + id,
	})
	if err != nil {
		t.Fatalf("CreateWaiting(%s): %v", id, err)
	}
}

func TestCreateAndGet(t *testing.T) {
	s, mr := setupTestStore(t)
	ctx := context.Background()

	waiting(t, s, "a", "music", "go")

	got, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("Get returned nil")
	}
	if got.Status != StatusWaiting || got.Partner != "" {
		t.Errorf("status=%q partner=%q, want waiting/empty", got.Status, got.Partner)
	}
	if tags := got.TagList(); len(tags) != 2 || tags[0] != "music" || tags[1] != "go" {
		t.Errorf("tags = %v", tags)
	}
	if got.Server != "ws-test" {
		t.Errorf("server = %q", got.Server)
	}
	if ttl := mr.TTL(Key("a")); ttl != TTL {
		t.Errorf("ttl = %s, want %s", ttl, TTL)
	}

	missing, err := s.Get(ctx, "nobody")
	if err != nil || missing != nil {
		t.Errorf("Get(missing) = %v, %v; want nil, nil", missing, err)
	}
}

func TestCreateWaiting_OverwritesPairedRecord(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	waiting(t, s, "a")
	waiting(t, s, "b")
	if res, _ := s.Pair(ctx, "a", "b"); res != PairOK {
		t.Fatalf("Pair = %d, want %d", res, PairOK)
	}

	waiting(t, s, "a")
	got, _ := s.Get(ctx, "a")
	if got.Status != StatusWaiting || got.Partner != "" {
		t.Errorf("after overwrite status=%q partner=%q", got.Status, got.Partner)
	}
}

func TestPair(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(t *testing.T, s *Store)
		want   int
		paired bool
	}{
		{
			name: "both waiting",
			setup: func(t *testing.T, s *Store) {
				waiting(t, s, "req")
				waiting(t, s, "cand")
			},
			want:   PairOK,
			paired: true,
		},
		{
			name: "candidate missing",
			setup: func(t *testing.T, s *Store) {
				waiting(t, s, "req")
			},
			want: PairCandidateGone,
		},
		{
			name: "candidate already paired",
			setup: func(t *testing.T, s *Store) {
				waiting(t, s, "req")
				waiting(t, s, "cand")
				waiting(t, s, "other")
				if res, _ := s.Pair(context.Background(), "other", "cand"); res != PairOK {
					t.Fatalf("setup pair = %d", res)
				}
			},
			want: PairCandidateGone,
		},
		{
			name: "requester gone",
			setup: func(t *testing.T, s *Store) {
				waiting(t, s, "cand")
			},
			want: PairRequesterGone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := setupTestStore(t)
			ctx := context.Background()
			tt.setup(t, s)

			res, err := s.Pair(ctx, "req", "cand")
			if err != nil {
				t.Fatalf("Pair: %v", err)
			}
			if res != tt.want {
				t.Fatalf("Pair = %d, want %d", res, tt.want)
			}
			if !tt.paired {
				return
			}

			req, _ := s.Get(ctx, "req")
			cand, _ := s.Get(ctx, "cand")
			if !req.Paired() || req.Partner != "cand" {
				t.Errorf("req = %+v", req)
			}
			if !cand.Paired() || cand.Partner != "req" {
				t.Errorf("cand = %+v", cand)
			}
		})
	}
}

func TestUnpair(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	waiting(t, s, "a")
	waiting(t, s, "b")
	if res, _ := s.Pair(ctx, "a", "b"); res != PairOK {
		t.Fatalf("Pair = %d", res)
	}

	partner, err := s.Unpair(ctx, "a")
	if err != nil {
		t.Fatalf("Unpair: %v", err)
	}
	if partner != "b" {
		t.Errorf("partner = %q, want b", partner)
	}
	for _, id := range []string{"a", "b"} {
		if ok, _ := s.Exists(ctx, id); ok {
			t.Errorf("session %s still exists", id)
		}
	}

	// Idempotent and a no-op for unknown ids.
	partner, err = s.Unpair(ctx, "a")
	if err != nil || partner != "" {
		t.Errorf("second Unpair = %q, %v", partner, err)
	}
	partner, err = s.Unpair(ctx, "ghost")
	if err != nil || partner != "" {
		t.Errorf("Unpair(ghost) = %q, %v", partner, err)
	}
}

func TestUnpair_PartnerMovedOn(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	waiting(t, s, "a")
	waiting(t, s, "b")
	s.Pair(ctx, "a", "b")

	// b starts over before a's record is cleaned up.
	waiting(t, s, "b")

	partner, err := s.Unpair(ctx, "a")
	if err != nil {
		t.Fatalf("Unpair: %v", err)
	}
	if partner != "b" {
		t.Errorf("partner = %q, want b", partner)
	}
	if ok, _ := s.Exists(ctx, "b"); !ok {
		t.Error("b's fresh session must survive")
	}
}

func TestFieldAndTouch(t *testing.T) {
	s, mr := setupTestStore(t)
	ctx := context.Background()

	waiting(t, s, "a")
	nick, err := s.Field(ctx, "a", "nickname")
	if err != nil || nick != "nick-a" {
		t.Errorf("Field = %q, %v", nick, err)
	}
	if v, err := s.Field(ctx, "ghost", "nickname"); err != nil || v != "" {
		t.Errorf("Field(ghost) = %q, %v", v, err)
	}

	mr.SetTTL(Key("a"), 10*time.Second)
	if ok, err := s.Touch(ctx, "a"); err != nil || !ok {
		t.Fatalf("Touch = %v, %v", ok, err)
	}
	if ttl := mr.TTL(Key("a")); ttl != TTL {
		t.Errorf("ttl after touch = %s", ttl)
	}

	if ok, err := s.Touch(ctx, "ghost"); err != nil || ok {
		t.Errorf("Touch(ghost) = %v, %v", ok, err)
	}
	if ok, _ := s.Exists(ctx, "ghost"); ok {
		t.Error("Touch must not create a session")
	}
}

func TestTouch_KeepsSessionsPastTTL(t *testing.T) {
	s, mr := setupTestStore(t)
	ctx := context.Background()

	waiting(t, s, "a")
	waiting(t, s, "b")
	waiting(t, s, "w")
	if res, err := s.Pair(ctx, "a", "b"); err != nil || res != PairOK {
		t.Fatalf("Pair = %d, %v", res, err)
	}

	// Two hours of heartbeats, well past one TTL.
	for elapsed := time.Duration(0); elapsed < 2*TTL; elapsed += 30 * time.Minute {
		mr.FastForward(30 * time.Minute)
		for _, id := range []string{"a", "b", "w"} {
			if ok, err := s.Touch(ctx, id); err != nil || !ok {
				t.Fatalf("Touch(%s) after %s = %v, %v", id, elapsed, ok, err)
			}
		}
	}

	a, err := s.Get(ctx, "a")
	if err != nil || a == nil || !a.Paired() || a.Partner != "b" {
		t.Fatalf("a = %+v, %v; want paired with b", a, err)
	}
	w, err := s.Get(ctx, "w")
	if err != nil || w == nil || w.Status != StatusWaiting {
		t.Fatalf("w = %+v, %v; want waiting", w, err)
	}
}

func TestSessionExpiresWithoutTouch(t *testing.T) {
	s, mr := setupTestStore(t)
	waiting(t, s, "a")

	mr.FastForward(TTL + time.Minute)
	if ok, _ := s.Exists(context.Background(), "a"); ok {
		t.Error("untouched session outlived its TTL")
	}
}
