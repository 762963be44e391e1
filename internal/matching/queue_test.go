package matching

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestQueue(t *testing.T) (*Queue, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewQueue(rdb), rdb, mr
}

func TestRegistryKeys(t *testing.T) {
	if got := GlobalKey("text"); got != "queue:text:global" {
		t.Errorf("GlobalKey = %q", got)
	}
	if got := TagKey("video", "music"); got != "queue:video:tag:music" {
		t.Errorf("TagKey = %q", got)
	}
	if TagKey("text", "global") == GlobalKey("text") {
		t.Error("a tag named global must not alias the global registry")
	}
}

func TestRegistries(t *testing.T) {
	tests := []struct {
		name string
		tags []string
		want []string
	}{
		{"untagged", nil, []string{"queue:text:global"}},
		{"tagged keeps order", []string{"b", "a"}, []string{"queue:text:tag:b", "queue:text:tag:a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Registries("text", tt.tags)
			if len(got) != len(tt.want) {
				t.Fatalf("Registries = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("Registries[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestQueue_AddPopRemove(t *testing.T) {
	q, _, _ := setupTestQueue(t)
	ctx := context.Background()

	if _, ok, err := q.Pop(ctx, GlobalKey("text")); err != nil || ok {
		t.Fatalf("Pop(empty) ok=%v err=%v", ok, err)
	}

	keys := Registries("text", []string{"music", "go"})
	if err := q.Add(ctx, "a", keys...); err != nil {
		t.Fatalf("Add: %v", err)
	}
	for _, key := range keys {
		if ok, _ := q.Contains(ctx, key, "a"); !ok {
			t.Errorf("a missing from %s", key)
		}
	}

	id, ok, err := q.Pop(ctx, keys[0])
	if err != nil || !ok || id != "a" {
		t.Fatalf("Pop = %q, %v, %v", id, ok, err)
	}
	if ok, _ := q.Contains(ctx, keys[0], "a"); ok {
		t.Error("popped member still present")
	}

	if err := q.Remove(ctx, "a", keys...); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if ok, _ := q.Contains(ctx, keys[1], "a"); ok {
		t.Error("a still listed after Remove")
	}
}

func TestQueue_SizeAndAllKeys(t *testing.T) {
	q, _, _ := setupTestQueue(t)
	ctx := context.Background()

	_ = q.Add(ctx, "a", GlobalKey("text"))
	_ = q.Add(ctx, "b", TagKey("text", "music"), TagKey("text", "go"))
	_ = q.Add(ctx, "c", GlobalKey("video"))

	keys, err := q.AllKeys(ctx)
	if err != nil {
		t.Fatalf("AllKeys: %v", err)
	}
	if len(keys) != 4 {
		t.Errorf("AllKeys = %v, want 4 keys", keys)
	}

	size, err := q.Size(ctx)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 4 {
		t.Errorf("Size = %d, want 4", size)
	}
}
