package adapter

import (
	"strings"
	"sync"
	"time"

	"github.com/codegateio/gateway/internal/model"
)

// Emitter publishes one (topic, payload) event. Adapters bind it to their
// eventbus publisher; tests bind it to a slice-collecting stub.
type Emitter func(topic string, payload any)

// MessageBuffer accumulates streaming deltas from a backend into the
// canonical Message/Part model described in §4.3. One buffer tracks exactly
// one in-flight message (assistant or, during history replay, user); it is
// created when the first delta for a turn arrives and discarded by Finalize.
//
// All mutation happens under mu so a buffer can safely be driven from a
// backend's single reader goroutine while another goroutine (e.g. a
// cancellation path) reads its snapshot.
type MessageBuffer struct {
	mu sync.Mutex

	ids        *model.IDGenerator
	emit       Emitter
	engineType string
	sessionID  string
	suppress   bool // loading-flag: suppress outbound events during session/load replay

	message *model.Message

	toolIndex map[string]int // callId -> index into message.Parts

	textPartID string
	textAccum  strings.Builder

	reasoningPartID string
	reasoningAccum  strings.Builder

	finalised bool
}

// NewMessageBuffer creates a buffer for a new message of the given role.
func NewMessageBuffer(ids *model.IDGenerator, emit Emitter, engineType, sessionID string, role model.Role) *MessageBuffer {
	now := time.Now()
	return &MessageBuffer{
		ids:        ids,
		emit:       emit,
		engineType: engineType,
		sessionID:  sessionID,
		toolIndex:  make(map[string]int),
		message: &model.Message{
			ID:        ids.New("msg"),
			SessionID: sessionID,
			Role:      role,
			Created:   now,
		},
	}
}

// MessageID returns the id of the message this buffer is assembling.
func (b *MessageBuffer) MessageID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.message.ID
}

// SetSuppressed toggles the loading-flag used during session/load replay:
// while suppressed, part/message mutations still happen but no events are
// published, avoiding UI flicker while history streams in.
func (b *MessageBuffer) SetSuppressed(suppress bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.suppress = suppress
}

// TextDelta appends to the text accumulator, allocating a part id on first
// use, and upserts+emits the accumulated text part.
func (b *MessageBuffer) TextDelta(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.textAccum.WriteString(text)
	if b.textPartID == "" {
		b.textPartID = b.ids.New("prt")
	}
	part := &model.Part{
		ID:        b.textPartID,
		MessageID: b.message.ID,
		SessionID: b.sessionID,
		Kind:      model.PartText,
		Text:      b.textAccum.String(),
	}
	b.upsertAndEmitLocked(part)
}

// ReasoningDelta is symmetrical with TextDelta but for the reasoning
// accumulator/part.
func (b *MessageBuffer) ReasoningDelta(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reasoningAccum.WriteString(text)
	if b.reasoningPartID == "" {
		b.reasoningPartID = b.ids.New("prt")
	}
	part := &model.Part{
		ID:        b.reasoningPartID,
		MessageID: b.message.ID,
		SessionID: b.sessionID,
		Kind:      model.PartReasoning,
		Text:      b.reasoningAccum.String(),
	}
	b.upsertAndEmitLocked(part)
}

// ToolStart flushes both text/reasoning accumulators (so the tool call does
// not extend a previously-finalised text run), then appends a new tool part
// in pending state.
func (b *MessageBuffer) ToolStart(callID, normalizedTool, originalTool, title, kind string, input any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushAccumulatorsLocked()

	part := &model.Part{
		ID:             b.ids.New("prt"),
		MessageID:      b.message.ID,
		SessionID:      b.sessionID,
		Kind:           model.PartTool,
		CallID:         callID,
		NormalizedTool: normalizedTool,
		OriginalTool:   originalTool,
		Title:          title,
		ToolKind:       kind,
		State: &model.ToolState{
			Status: model.ToolPending,
			Input:  input,
			Time:   model.ToolTiming{Start: time.Now()},
		},
	}
	b.toolIndex[callID] = len(b.message.Parts)
	b.upsertAndEmitLocked(part)
}

// ToolUpdate locates the tool part by callID and transitions its state.
// Once a part has entered ToolCompleted or ToolError it is never re-entered
// into ToolRunning — a redundant "running" update after a terminal state is
// ignored rather than regressing the state machine.
func (b *MessageBuffer) ToolUpdate(callID string, status model.ToolStatus, input, output any, errMsg, diff string, locations []string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx, ok := b.toolIndex[callID]
	if !ok || idx >= len(b.message.Parts) {
		return
	}
	part := b.message.Parts[idx]
	if part.State == nil {
		part.State = &model.ToolState{Time: model.ToolTiming{Start: time.Now()}}
	}
	if part.State.Status == model.ToolCompleted || part.State.Status == model.ToolError {
		return
	}

	if input != nil {
		part.State.Input = input
	}
	if diff != "" {
		part.Diff = diff
	}
	if locations != nil {
		part.Locations = locations
	}

	switch status {
	case model.ToolCompleted, model.ToolError:
		now := time.Now()
		part.State.Status = status
		part.State.Output = output
		part.State.Error = errMsg
		part.State.Time.End = &now
		d := now.Sub(part.State.Time.Start)
		part.State.Time.Duration = &d
	default:
		part.State.Status = status
	}

	b.upsertAndEmitLocked(part.Clone())
}

// StepStart appends a step-start marker part.
func (b *MessageBuffer) StepStart() {
	b.mu.Lock()
	defer b.mu.Unlock()
	part := &model.Part{
		ID:        b.ids.New("prt"),
		MessageID: b.message.ID,
		SessionID: b.sessionID,
		Kind:      model.PartStepStart,
	}
	b.upsertAndEmitLocked(part)
}

// StepFinish flushes the text accumulator and appends a step-finish marker.
func (b *MessageBuffer) StepFinish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushAccumulatorsLocked()
	part := &model.Part{
		ID:        b.ids.New("prt"),
		MessageID: b.message.ID,
		SessionID: b.sessionID,
		Kind:      model.PartStepFinish,
	}
	b.upsertAndEmitLocked(part)
}

// Snapshot appends a snapshot part listing touched files.
func (b *MessageBuffer) Snapshot(files []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	part := &model.Part{
		ID:        b.ids.New("prt"),
		MessageID: b.message.ID,
		SessionID: b.sessionID,
		Kind:      model.PartSnapshot,
		Files:     files,
	}
	b.upsertAndEmitLocked(part)
}

// Patch appends a patch part.
func (b *MessageBuffer) Patch(path, content string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	part := &model.Part{
		ID:        b.ids.New("prt"),
		MessageID: b.message.ID,
		SessionID: b.sessionID,
		Kind:      model.PartPatch,
		Path:      path,
		Content:   content,
	}
	b.upsertAndEmitLocked(part)
}

// SetModelInfo records optional model/mode metadata carried alongside the
// message, used by the caller once known (e.g. from a backend response).
func (b *MessageBuffer) SetModelInfo(modelID, mode string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.message.ModelID = modelID
	b.message.Mode = mode
}

// SetTokensAndCost records usage annotations on the message under assembly.
func (b *MessageBuffer) SetTokensAndCost(tokens *model.TokenUsage, cost *float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.message.Tokens = tokens
	b.message.Cost = cost
}

// flushAccumulatorsLocked empties the text/reasoning accumulators and resets
// their part ids so a subsequent delta starts a fresh part rather than
// extending the one left behind for this turn (that part is already in
// message.Parts from its last delta). Must be called with mu held.
func (b *MessageBuffer) flushAccumulatorsLocked() {
	b.textPartID = ""
	b.textAccum.Reset()
	b.reasoningPartID = ""
	b.reasoningAccum.Reset()
}

// upsertLocked inserts part into message.Parts, replacing an existing part
// with the same id if present, without publishing anything. Must be called
// with mu held.
func (b *MessageBuffer) upsertLocked(part *model.Part) {
	found := false
	for i, existing := range b.message.Parts {
		if existing.ID == part.ID {
			b.message.Parts[i] = part
			if part.Kind == model.PartTool {
				b.toolIndex[part.CallID] = i
			}
			found = true
			break
		}
	}
	if !found {
		b.message.Parts = append(b.message.Parts, part)
		if part.Kind == model.PartTool {
			b.toolIndex[part.CallID] = len(b.message.Parts) - 1
		}
	}
}

// upsertAndEmitLocked inserts part into message.Parts and publishes
// message.part.updated, unless the buffer is currently suppressed for
// replay. Must be called with mu held.
func (b *MessageBuffer) upsertAndEmitLocked(part *model.Part) {
	b.upsertLocked(part)

	if b.suppress || b.emit == nil {
		return
	}
	b.emit(TopicMessagePartUpdated, MessagePartUpdatedEvent{
		EngineType: b.engineType,
		SessionID:  b.sessionID,
		MessageID:  b.message.ID,
		Part:       part.Clone(),
	})
}

// AbsorbPart records part into the buffer's assembled message without
// emitting an event, for adapters whose event source already publishes
// message.part.updated itself (e.g. httpstream's SSE relay) and only need
// the buffer to track accumulated parts toward an eventual Finalize.
func (b *MessageBuffer) AbsorbPart(part *model.Part) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.upsertLocked(part)
}

// Finalize is idempotent: it flushes accumulators, forces any non-terminal
// tool part to completed{output:null}, stamps Completed, emits a final
// message.updated, and returns the assembled message. Calling it again
// after the first call returns the same message without emitting again.
func (b *MessageBuffer) Finalize(errMsg string) *model.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalised {
		return b.message
	}
	b.finalised = true
	b.flushAccumulatorsLocked()

	for _, part := range b.message.Parts {
		if part.Kind != model.PartTool || part.State == nil {
			continue
		}
		if part.State.Status != model.ToolCompleted && part.State.Status != model.ToolError {
			now := time.Now()
			part.State.Status = model.ToolCompleted
			part.State.Output = nil
			part.State.Time.End = &now
			d := now.Sub(part.State.Time.Start)
			part.State.Time.Duration = &d
		}
	}

	now := time.Now()
	b.message.Completed = &now
	if errMsg != "" {
		b.message.Error = errMsg
	}

	if !b.suppress && b.emit != nil {
		b.emit(TopicMessageUpdated, MessageUpdatedEvent{
			EngineType: b.engineType,
			SessionID:  b.sessionID,
			Message:    b.message,
		})
	}
	return b.message
}

// Finalised reports whether Finalize has already run.
func (b *MessageBuffer) Finalised() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.finalised
}
