package engine

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"podline/internal/events"
	"podline/internal/observability"
)

// Executor is the external execution engine. The registry forwards control
// requests and reflects the resulting status; it never runs work itself.
type Executor interface {
	Execute(ctx context.Context, workOrderID string) error
	Pause(ctx context.Context, workOrderID string) error
	Resume(ctx context.Context, workOrderID string) error
	Cancel(ctx context.Context, workOrderID string) error
}

// NopExecutor accepts every request.
type NopExecutor struct{}

func (NopExecutor) Execute(context.Context, string) error { return nil }
func (NopExecutor) Pause(context.Context, string) error   { return nil }
func (NopExecutor) Resume(context.Context, string) error  { return nil }
func (NopExecutor) Cancel(context.Context, string) error  { return nil }

// forward sends one request to the executor under a span. e.mu must not be
// held.
func (e *Engine) forward(ctx context.Context, verb, woID string, call func(context.Context, string) error) error {
	ctx, span := observability.StartSpan(ctx, "executor."+verb, attribute.String("work_order_id", woID))
	err := call(ctx, woID)
	observability.EndSpan(span, err)
	return err
}

// Narrator posts human-readable progress to a conversation attached to a
// work order. The conversation is created on first use.
type Narrator interface {
	CreateConversation(ctx context.Context, workOrderID, title string) (string, error)
	Post(ctx context.Context, conversationID, message string) error
}

// JournalNarrator records narration as conversation events in the engine's
// own journal. The engine queues each post behind the lifecycle events of the
// operation that produced it, so readers of the event log see them in order.
type JournalNarrator struct{}

func (JournalNarrator) CreateConversation(context.Context, string, string) (string, error) {
	return uuid.NewString(), nil
}

// Post is unused once the narrator is installed on an Engine, which writes
// the event itself.
func (JournalNarrator) Post(context.Context, string, string) error { return nil }

// narrate posts message for the work order, creating its conversation when
// needed. Failures are logged only. e.mu must not be held.
func (e *Engine) narrate(ctx context.Context, woID, message string) {
	if e.narrator == nil {
		return
	}
	e.mu.Lock()
	wo, ok := e.orders[woID]
	if !ok {
		e.mu.Unlock()
		return
	}
	convID := wo.ConversationID
	title := wo.Objective
	e.mu.Unlock()

	if convID == "" {
		id, err := e.narrator.CreateConversation(ctx, woID, title)
		if err != nil {
			e.log.Warn("create conversation failed", "work_order_id", woID, "err", err)
			return
		}
		e.mu.Lock()
		if wo, ok := e.orders[woID]; ok {
			if wo.ConversationID == "" {
				wo.ConversationID = id
				e.commit(wo)
			}
			convID = wo.ConversationID
		}
		e.mu.Unlock()
	}
	if _, ok := e.narrator.(JournalNarrator); ok {
		e.mu.Lock()
		if wo, ok := e.orders[woID]; ok {
			e.emit(ctx, wo, events.NarrationPosted, "conversation", convID, map[string]any{"message": message})
		}
		e.mu.Unlock()
		return
	}
	if err := e.narrator.Post(ctx, convID, message); err != nil {
		e.log.Warn("narration failed", "work_order_id", woID, "err", err)
	}
}
