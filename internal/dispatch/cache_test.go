package dispatch

import (
	"testing"
	"time"

	"somnus/internal/inference"
)

func testResponse(content string) *inference.ChatResponse {
	return &inference.ChatResponse{
		Model:   "llama3:8b",
		Message: inference.Message{Role: "assistant", Content: content},
		Done:    true,
	}
}

func TestResponseCache_PutGet(t *testing.T) {
	cache, err := NewResponseCache(64, time.Minute)
	if err != nil {
		t.Fatalf("NewResponseCache: %v", err)
	}
	defer cache.Close()

	key := "0123456789abcdef0123456789abcdef"
	if _, ok := cache.Get(key); ok {
		t.Fatal("unexpected hit on empty cache")
	}

	cache.Put(key, testResponse("remembered"), 0)

	got, ok := cache.Get(key)
	if !ok {
		t.Fatal("expected hit after Put")
	}
	if got.Message.Content != "remembered" {
		t.Errorf("content = %q, want remembered", got.Message.Content)
	}

	stats := cache.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("stats = %+v, want 1 hit / 1 miss", stats)
	}
}

func TestResponseCache_TTLExpiry(t *testing.T) {
	cache, err := NewResponseCache(64, time.Minute)
	if err != nil {
		t.Fatalf("NewResponseCache: %v", err)
	}
	defer cache.Close()

	key := "feedfacefeedfacefeedfacefeedface"
	cache.Put(key, testResponse("short lived"), 50*time.Millisecond)

	if _, ok := cache.Get(key); !ok {
		t.Fatal("expected hit before expiry")
	}

	time.Sleep(100 * time.Millisecond)
	if _, ok := cache.Get(key); ok {
		t.Error("expected miss after TTL expiry")
	}
}

func TestResponseCache_NilResponseIgnored(t *testing.T) {
	cache, err := NewResponseCache(64, time.Minute)
	if err != nil {
		t.Fatalf("NewResponseCache: %v", err)
	}
	defer cache.Close()

	key := "deadbeefdeadbeefdeadbeefdeadbeef"
	cache.Put(key, nil, 0)
	if _, ok := cache.Get(key); ok {
		t.Error("nil response should not be stored")
	}
}

func TestResponseCache_HitRate(t *testing.T) {
	cache, err := NewResponseCache(64, time.Minute)
	if err != nil {
		t.Fatalf("NewResponseCache: %v", err)
	}
	defer cache.Close()

	if rate := cache.HitRate(); rate != 0 {
		t.Errorf("HitRate before lookups = %v, want 0", rate)
	}

	key := "cafebabecafebabecafebabecafebabe"
	cache.Put(key, testResponse("x"), 0)
	cache.Get(key)
	cache.Get("missing-missing-missing-missing-")

	if rate := cache.HitRate(); rate != 0.5 {
		t.Errorf("HitRate = %v, want 0.5", rate)
	}
}
