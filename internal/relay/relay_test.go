package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/guptmilan/chat-server/internal/logging"
	"github.com/guptmilan/chat-server/internal/protocol"
)

type fakeLocal struct {
	mu     sync.Mutex
	conns  map[string]bool
	frames map[string][][]byte
	fail   error
}

func newFakeLocal(ids ...string) *fakeLocal {
	f := &fakeLocal{conns: map[string]bool{}, frames: map[string][][]byte{}}
	for _, id := range ids {
		f.conns[id] = true
	}
	return f
}

func (f *fakeLocal) SendMessage(connID string, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.conns[connID] {
		return ErrNotConnected
	}
	if f.fail != nil {
		return f.fail
	}
	f.frames[connID] = append(f.frames[connID], frame)
	return nil
}

type fakeRemote struct {
	published map[string][][]byte
}

func (f *fakeRemote) PublishDeliver(connID string, frame []byte) error {
	if f.published == nil {
		f.published = map[string][][]byte{}
	}
	f.published[connID] = append(f.published[connID], frame)
	return nil
}

func TestRouter_Paths(t *testing.T) {
	ctx := context.Background()
	local := newFakeLocal("here")
	remote := &fakeRemote{}
	r := NewRouter(local, remote, logging.Nop())

	if err := r.Deliver(ctx, "here", []byte(`{"type":"pong"}`)); err != nil {
		t.Fatal(err)
	}
	if err := r.Deliver(ctx, "elsewhere", []byte(`{"type":"pong"}`)); err != nil {
		t.Fatal(err)
	}

	if len(local.frames["here"]) != 1 {
		t.Errorf("local frames = %d, want 1", len(local.frames["here"]))
	}
	if len(remote.published["elsewhere"]) != 1 || len(remote.published["here"]) != 0 {
		t.Errorf("remote published = %v", remote.published)
	}
}

func TestRouter_GoneIsNoop(t *testing.T) {
	r := NewRouter(newFakeLocal(), nil, logging.Nop())
	if err := r.Deliver(context.Background(), "gone", []byte(`{}`)); err != nil {
		t.Errorf("Deliver to gone destination = %v, want nil", err)
	}

	local := newFakeLocal("broken")
	local.fail = errors.New("broken pipe")
	r = NewRouter(local, &fakeRemote{}, logging.Nop())
	if err := r.Deliver(context.Background(), "broken", []byte(`{}`)); err != nil {
		t.Errorf("Deliver on write failure = %v, want nil", err)
	}
}

func TestForward(t *testing.T) {
	local := newFakeLocal("b")
	rl := New(NewRouter(local, nil, logging.Nop()), logging.Nop())
	ctx := context.Background()

	payloads := []struct {
		kind string
		key  string
		body string
	}{
		{protocol.TypeSignalOffer, "offer", `{"sdp":"o"}`},
		{protocol.TypeSignalAnswer, "answer", `{"sdp":"a"}`},
		{protocol.TypeSignalICECandidate, "candidate", `{"candidate":"c1"}`},
		{protocol.TypeSignalICECandidate, "candidate", `{"candidate":"c2"}`},
	}
	for _, p := range payloads {
		if err := rl.Forward(ctx, p.kind, "a", "b", json.RawMessage(p.body)); err != nil {
			t.Fatalf("Forward(%s): %v", p.kind, err)
		}
	}

	frames := local.frames["b"]
	if len(frames) != len(payloads) {
		t.Fatalf("got %d frames, want %d", len(frames), len(payloads))
	}
	// Order within one sender→destination stream is preserved.
	for i, p := range payloads {
		var got map[string]json.RawMessage
		if err := json.Unmarshal(frames[i], &got); err != nil {
			t.Fatal(err)
		}
		if string(got["type"]) != `"`+p.kind+`"` || string(got["from"]) != `"a"` {
			t.Errorf("frame %d = %s", i, frames[i])
		}
		if string(got[p.key]) != p.body {
			t.Errorf("frame %d payload = %s, want %s", i, got[p.key], p.body)
		}
	}
}

func TestForward_RejectsNonSignal(t *testing.T) {
	rl := New(NewRouter(newFakeLocal("b"), nil, logging.Nop()), logging.Nop())
	if err := rl.Forward(context.Background(), protocol.TypeSendMessage, "a", "b", nil); err == nil {
		t.Error("expected error for non-signal kind")
	}
}
