package localstore

import (
	"context"
	"testing"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if _, ok, err := m.Get(ctx, "vtt:a"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}

	if err := m.Set(ctx, "vtt:a", "1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, ok, err := m.Get(ctx, "vtt:a")
	if err != nil || !ok || v != "1" {
		t.Fatalf("expected hit with value 1, got v=%q ok=%v err=%v", v, ok, err)
	}

	if err := m.Delete(ctx, "vtt:a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := m.Get(ctx, "vtt:a"); ok {
		t.Fatalf("expected miss after delete")
	}
}

func TestMemoryKeysByPrefix(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.Set(ctx, "vtt:backups:c2", "x")
	_ = m.Set(ctx, "vtt:backups:c1", "x")
	_ = m.Set(ctx, "vtt:sync_queue", "x")

	keys, err := m.Keys(ctx, "vtt:backups:")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 2 || keys[0] != "vtt:backups:c1" || keys[1] != "vtt:backups:c2" {
		t.Fatalf("expected sorted backup keys, got %v", keys)
	}
}
