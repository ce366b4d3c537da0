package sleep

import (
	"context"
	"strings"
	"testing"
)

func TestInMemoryStore_CoreMemoryEdit(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	// Append when old_text is empty.
	if _, err := store.CoreMemoryEdit(ctx, "human", "Prefers short answers.", ""); err != nil {
		t.Fatalf("append edit: %v", err)
	}
	got, _ := store.CoreBlock("human")
	if got != "Prefers short answers." {
		t.Errorf("content = %q", got)
	}

	// Replace when old_text matches.
	if _, err := store.CoreMemoryEdit(ctx, "human", "long", "short"); err != nil {
		t.Fatalf("replace edit: %v", err)
	}
	got, _ = store.CoreBlock("human")
	if got != "Prefers long answers." {
		t.Errorf("content after replace = %q", got)
	}

	// Append when old_text does not match.
	if _, err := store.CoreMemoryEdit(ctx, "human", "Works in Go.", "nonexistent"); err != nil {
		t.Fatalf("fallback append: %v", err)
	}
	got, _ = store.CoreBlock("human")
	if got != "Prefers long answers. Works in Go." {
		t.Errorf("content after fallback append = %q", got)
	}

	// Missing blocks are an error, not a create.
	if _, err := store.CoreMemoryEdit(ctx, "no_such_block", "x", ""); err == nil {
		t.Error("expected error for missing core block")
	}
}

func TestInMemoryStore_VectorMemoryEditCreates(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	result, err := store.VectorMemoryEdit(ctx, "projects", "somnus rewrite underway", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.Contains(result, "created") {
		t.Errorf("result = %q, want creation message", result)
	}

	if _, err := store.VectorMemoryEdit(ctx, "projects", "shipped", "underway"); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ := store.VectorBlock("projects")
	if got != "somnus rewrite shipped" {
		t.Errorf("content = %q", got)
	}
}

func TestInMemoryStore_EditSizeCap(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	huge := strings.Repeat("x", blockMaxChars+1)
	if _, err := store.CoreMemoryEdit(ctx, "human", huge, ""); err == nil {
		t.Error("expected error past the size cap")
	}
	got, _ := store.CoreBlock("human")
	if got != "" {
		t.Error("failed edit must not change the block")
	}
}

func TestInMemoryStore_Search(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	store.VectorMemoryEdit(ctx, "preferences", "User likes espresso.", "")
	store.AddRecall("user", "I switched from espresso to tea last month")

	out, err := store.MemorySearch(ctx, "espresso", 5)
	if err != nil {
		t.Fatalf("MemorySearch: %v", err)
	}
	if !strings.Contains(out, "User likes espresso.") {
		t.Errorf("missing vector match in %q", out)
	}
	if !strings.Contains(out, "switched from espresso") {
		t.Errorf("missing recall match in %q", out)
	}

	// VectorGet excludes recall.
	out, err = store.VectorGet(ctx, "espresso", 5)
	if err != nil {
		t.Fatalf("VectorGet: %v", err)
	}
	if strings.Contains(out, "switched from espresso") {
		t.Errorf("recall match leaked into vector-only search: %q", out)
	}

	out, _ = store.MemorySearch(ctx, "zebra", 5)
	if !strings.Contains(out, "No results found") {
		t.Errorf("want not-found message, got %q", out)
	}
}

func TestInMemoryStore_CoreMemoryFormat(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	store.CoreMemoryEdit(ctx, "persona", "Helpful assistant.", "")

	out, err := store.CoreMemory(ctx)
	if err != nil {
		t.Fatalf("CoreMemory: %v", err)
	}
	for _, want := range []string{"<core_memory>", "<persona>", "Helpful assistant.", "<human>"} {
		if !strings.Contains(out, want) {
			t.Errorf("core memory output missing %q:\n%s", want, out)
		}
	}
}
