package sleep

import (
	"context"
	"encoding/json"
	"fmt"

	"somnus/internal/dispatch"
	"somnus/internal/inference"
	"somnus/internal/logging"
)

// Runner executes one Processing-phase cycle.
type Runner interface {
	RunCycle(ctx context.Context, model string) error
}

// maxReasoningRounds bounds the tool loop so a chatty model cannot pin the
// backend.
const maxReasoningRounds = 10

// nudgeMessage is appended when a round produces no tool calls.
const nudgeMessage = "[This is an automated system message hidden from the user] " +
	"Please try again, no tools were called. If you are done making edits, " +
	"call the finish_edits function."

// SnapshotFunc returns the recent conversation the cycle reasons over.
type SnapshotFunc func() []inference.Message

// CycleRunner drives the memory-maintenance reasoning loop: one Low-priority
// dispatch per round, executing the model's tool calls against the facade,
// until finish_edits or the round cap.
type CycleRunner struct {
	dispatcher   *dispatch.Client
	memory       ToolFacade
	snapshot     SnapshotFunc
	systemPrompt string
	contextSize  int
}

// NewCycleRunner creates a cycle runner.
func NewCycleRunner(dispatcher *dispatch.Client, memory ToolFacade, snapshot SnapshotFunc, systemPrompt string, contextSize int) *CycleRunner {
	return &CycleRunner{
		dispatcher:   dispatcher,
		memory:       memory,
		snapshot:     snapshot,
		systemPrompt: systemPrompt,
		contextSize:  contextSize,
	}
}

func cycleTools() []inference.Tool {
	queryParams := json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string"},
			"top_n": {"type": "integer"}
		},
		"required": ["query"]
	}`)
	editParams := json.RawMessage(`{
		"type": "object",
		"properties": {
			"label": {"type": "string"},
			"new_text": {"type": "string"},
			"old_text": {"type": "string"}
		},
		"required": ["label", "new_text"]
	}`)

	return []inference.Tool{
		inference.NewTool("memory_search", "Search vector and recall memory for information.", queryParams),
		inference.NewTool("vector_get", "Search vector memory only.", queryParams),
		inference.NewTool("vector_memory_edit", "Create or update a vector memory block. Replaces old_text when given, appends otherwise.", editParams),
		inference.NewTool("core_memory_edit", "Edit a core memory block. Replaces old_text when given, appends otherwise.", editParams),
		inference.NewTool("finish_edits", "Call when all new information has been integrated into memory.", json.RawMessage(`{"type":"object","properties":{}}`)),
	}
}

// RunCycle performs one full cycle with the given model.
func (r *CycleRunner) RunCycle(ctx context.Context, model string) error {
	core, err := r.memory.CoreMemory(ctx)
	if err != nil {
		return fmt.Errorf("core memory snapshot: %w", err)
	}

	messages := []inference.Message{
		{Role: "system", Content: r.systemPrompt + "\n" + core},
	}
	messages = append(messages, r.snapshot()...)
	messages = append(messages, inference.Message{
		Role:    "user",
		Content: "Review the conversation above and integrate any new information into memory.",
	})

	tools := cycleTools()

	for round := 1; round <= maxReasoningRounds; round++ {
		resp, err := r.dispatcher.Dispatch(ctx, &dispatch.Request{
			Chat: &inference.ChatRequest{
				Model:    model,
				Messages: messages,
				Tools:    tools,
				Options:  &inference.Options{NumCtx: r.contextSize},
			},
			Priority: dispatch.PriorityLow,
		})
		if err != nil {
			return fmt.Errorf("round %d dispatch: %w", round, err)
		}

		messages = append(messages, resp.Message)

		if len(resp.Message.ToolCalls) == 0 {
			logging.Memory("round %d: no tools called, nudging", round)
			messages = append(messages, inference.Message{Role: "user", Content: nudgeMessage})
			continue
		}

		finished := false
		for _, call := range resp.Message.ToolCalls {
			result, done := r.execute(ctx, call)
			if done {
				finished = true
				continue
			}
			messages = append(messages, inference.Message{
				Role:     "tool",
				ToolName: call.Function.Name,
				Content:  result,
			})
		}
		if finished {
			logging.Memory("cycle finished after %d rounds", round)
			return nil
		}
	}

	logging.MemoryWarn("cycle hit the %d round cap without finish_edits", maxReasoningRounds)
	return nil
}

// execute runs one tool call. done is true for finish_edits.
func (r *CycleRunner) execute(ctx context.Context, call inference.ToolCall) (result string, done bool) {
	name := call.Function.Name
	logging.Memory("tool %s", name)

	var err error
	switch name {
	case "finish_edits":
		return "", true
	case "memory_search":
		result, err = r.memory.MemorySearch(ctx, call.Function.ArgString("query"), argInt(call, "top_n"))
	case "vector_get":
		result, err = r.memory.VectorGet(ctx, call.Function.ArgString("query"), argInt(call, "top_n"))
	case "vector_memory_edit":
		result, err = r.memory.VectorMemoryEdit(ctx,
			call.Function.ArgString("label"),
			call.Function.ArgString("new_text"),
			call.Function.ArgString("old_text"))
	case "core_memory_edit":
		result, err = r.memory.CoreMemoryEdit(ctx,
			call.Function.ArgString("label"),
			call.Function.ArgString("new_text"),
			call.Function.ArgString("old_text"))
	default:
		return fmt.Sprintf("Failed: unknown tool %q.", name), false
	}
	if err != nil {
		logging.MemoryWarn("tool %s failed: %v", name, err)
		return fmt.Sprintf("Failed: %v", err), false
	}
	return result, false
}

func argInt(call inference.ToolCall, key string) int {
	var args map[string]interface{}
	if err := json.Unmarshal(call.Function.Arguments, &args); err != nil {
		return 0
	}
	if v, ok := args[key].(float64); ok {
		return int(v)
	}
	return 0
}
