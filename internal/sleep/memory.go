package sleep

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ToolFacade is the memory surface the sleep agent edits through. The real
// engine (vector store, recall log, embeddings) lives outside this process;
// somnus only drives these five operations.
//
// Edit semantics for both edit calls: when oldText is present and found it
// is replaced by newText, otherwise newText is appended. VectorMemoryEdit
// creates a missing block; CoreMemoryEdit fails on a missing block. Each
// call returns a human-readable result string that is fed back to the model
// as the tool result.
type ToolFacade interface {
	CoreMemory(ctx context.Context) (string, error)
	MemorySearch(ctx context.Context, query string, topN int) (string, error)
	VectorGet(ctx context.Context, query string, topN int) (string, error)
	VectorMemoryEdit(ctx context.Context, label, newText, oldText string) (string, error)
	CoreMemoryEdit(ctx context.Context, label, newText, oldText string) (string, error)
}

const blockMaxChars = 5000

type memoryBlock struct {
	content string
	updated time.Time
}

// InMemoryStore is a ToolFacade over plain maps, used by tests and the CLI
// demo. Search is substring matching, not embeddings.
type InMemoryStore struct {
	mu     sync.RWMutex
	core   map[string]*memoryBlock
	vector map[string]*memoryBlock
	recall []recallEntry
}

type recallEntry struct {
	Role    string
	Content string
}

// NewInMemoryStore creates a store with the standard core sections.
func NewInMemoryStore() *InMemoryStore {
	s := &InMemoryStore{
		core:   make(map[string]*memoryBlock),
		vector: make(map[string]*memoryBlock),
	}
	for _, label := range []string{"persona", "human"} {
		s.core[label] = &memoryBlock{}
	}
	return s
}

// AddRecall appends one conversation message to the recall log.
func (s *InMemoryStore) AddRecall(role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recall = append(s.recall, recallEntry{Role: role, Content: content})
}

// CoreMemory renders all core blocks as one formatted string.
func (s *InMemoryStore) CoreMemory(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	labels := make([]string, 0, len(s.core))
	for label := range s.core {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	var b strings.Builder
	b.WriteString("<core_memory>\n")
	for _, label := range labels {
		fmt.Fprintf(&b, "<%s>\n%s\n</%s>\n", label, s.core[label].content, label)
	}
	b.WriteString("</core_memory>")
	return b.String(), nil
}

// MemorySearch scans vector blocks and the recall log for the query.
func (s *InMemoryStore) MemorySearch(ctx context.Context, query string, topN int) (string, error) {
	return s.search(query, topN, true)
}

// VectorGet is MemorySearch restricted to vector blocks.
func (s *InMemoryStore) VectorGet(ctx context.Context, query string, topN int) (string, error) {
	return s.search(query, topN, false)
}

func (s *InMemoryStore) search(query string, topN int, includeRecall bool) (string, error) {
	if topN <= 0 {
		topN = 2
	}
	needle := strings.ToLower(query)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var b strings.Builder
	b.WriteString("<memory_search>\n")
	matches := 0

	labels := make([]string, 0, len(s.vector))
	for label := range s.vector {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	for _, label := range labels {
		if matches >= topN {
			break
		}
		block := s.vector[label]
		if strings.Contains(strings.ToLower(block.content), needle) {
			fmt.Fprintf(&b, "<%s>\n%s\n</%s>\n", label, block.content, label)
			matches++
		}
	}

	if includeRecall {
		for _, entry := range s.recall {
			if matches >= topN {
				break
			}
			if strings.Contains(strings.ToLower(entry.Content), needle) {
				fmt.Fprintf(&b, "<message role=%q>%s</message>\n", entry.Role, entry.Content)
				matches++
			}
		}
	}

	if matches == 0 {
		fmt.Fprintf(&b, "No results found for %q. The information may not be in memory, or you could try a different query.\n", query)
	}
	b.WriteString("</memory_search>")
	return b.String(), nil
}

// VectorMemoryEdit updates or creates a vector block.
func (s *InMemoryStore) VectorMemoryEdit(ctx context.Context, label, newText, oldText string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	block, ok := s.vector[label]
	if !ok {
		s.vector[label] = &memoryBlock{content: strings.TrimSpace(newText), updated: time.Now()}
		return fmt.Sprintf("Success: new vector memory block %q created.", label), nil
	}

	content, err := applyEdit(block.content, newText, oldText)
	if err != nil {
		return "", err
	}
	block.content = content
	block.updated = time.Now()
	return fmt.Sprintf("Success: vector memory block %q updated.", label), nil
}

// CoreMemoryEdit updates an existing core block.
func (s *InMemoryStore) CoreMemoryEdit(ctx context.Context, label, newText, oldText string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	block, ok := s.core[label]
	if !ok {
		return "", fmt.Errorf("core memory block %q does not exist", label)
	}

	content, err := applyEdit(block.content, newText, oldText)
	if err != nil {
		return "", err
	}
	block.content = content
	block.updated = time.Now()
	return fmt.Sprintf("Success: core memory block %q updated.", label), nil
}

// applyEdit implements replace-or-append with the size cap.
func applyEdit(content, newText, oldText string) (string, error) {
	if oldText != "" && strings.Contains(content, oldText) {
		content = strings.ReplaceAll(content, oldText, newText)
	} else {
		content = strings.TrimSpace(content + " " + newText)
	}
	if len(content) > blockMaxChars {
		return "", fmt.Errorf("updated content exceeds max of %d characters", blockMaxChars)
	}
	return content, nil
}

// CoreBlock returns one core block's content, for assertions and the demo.
func (s *InMemoryStore) CoreBlock(label string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	block, ok := s.core[label]
	if !ok {
		return "", false
	}
	return block.content, true
}

// VectorBlock returns one vector block's content.
func (s *InMemoryStore) VectorBlock(label string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	block, ok := s.vector[label]
	if !ok {
		return "", false
	}
	return block.content, true
}
