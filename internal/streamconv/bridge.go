package streamconv

import (
	"bufio"
	"context"
	"io"
	"log"
	"sort"
	"strings"

	"github.com/google/uuid"

	"claude-bridge/internal/canonical"
	"claude-bridge/internal/convert"
	anthropicproto "claude-bridge/internal/proto/anthropic"
)

// Sink receives the ordered client-facing events the bridge emits. One
// implementation per inbound surface.
type Sink interface {
	MessageStart(u Usage) error
	TextBlockStart(slot int) error
	TextDelta(slot int, text string) error
	ToolBlockStart(slot int, id, name string) error
	ToolArgsDelta(slot int, fragment string) error
	BlockStop(slot int) error
	MessageDelta(stopReason string, u Usage) error
	MessageStop() error
	Done() error
}

// Normalizer turns one raw backend frame into canonical updates.
type Normalizer interface {
	Normalize(data string) ([]Update, error)
}

type toolAggregate struct {
	id   string
	name string
	args strings.Builder
}

// Bridge is the per-stream state machine. It is owned by exactly one
// request goroutine and must never be shared.
type Bridge struct {
	sink   Sink
	logger *log.Logger
	onSkip func()

	started    bool
	terminated bool

	textClosed     bool
	liveTextDeltas bool
	accumulated    strings.Builder

	toolSlotOf  map[ToolKey]int
	aggregates  map[int]*toolAggregate
	highestSlot int

	usage      Usage
	stopReason string
}

func NewBridge(sink Sink, logger *log.Logger) *Bridge {
	return &Bridge{
		sink:       sink,
		logger:     logger,
		toolSlotOf: make(map[ToolKey]int),
		aggregates: make(map[int]*toolAggregate),
	}
}

func (b *Bridge) Terminated() bool { return b.terminated }

// OnSkip registers a callback invoked once per backend event dropped
// because it could not be translated.
func (b *Bridge) OnSkip(fn func()) { b.onSkip = fn }

// Push processes one canonical update in arrival order.
func (b *Bridge) Push(u Update) error {
	if b.terminated {
		return nil
	}
	if !b.started {
		if u.Kind == KindUsage && u.Usage != nil {
			b.usage = *u.Usage
		}
		if err := b.start(); err != nil {
			return b.fail(err)
		}
		if u.Kind == KindUsage {
			return nil
		}
	}

	switch u.Kind {
	case KindText:
		b.accumulated.WriteString(u.Text)
		if b.highestSlot == 0 && !b.textClosed && u.Text != "" {
			if err := b.sink.TextDelta(0, u.Text); err != nil {
				return b.fail(err)
			}
			b.liveTextDeltas = true
		}

	case KindToolCall:
		if err := b.toolFragment(u.Tool); err != nil {
			return b.fail(err)
		}

	case KindUsage:
		if u.Usage != nil {
			b.usage = *u.Usage
		}

	case KindCompletion:
		if u.Usage != nil {
			b.usage = *u.Usage
		}
		return b.drain(convert.MapFinishReason(u.Finish, b.highestSlot > 0))
	}
	return nil
}

// Finish closes the stream when the upstream ended without a completion
// update. Safe to call after normal termination.
func (b *Bridge) Finish() error {
	if b.terminated {
		return nil
	}
	if !b.started {
		if err := b.start(); err != nil {
			return b.fail(err)
		}
	}
	return b.drain(convert.StopEndTurn)
}

// start emits message_start and unconditionally opens the text slot, even
// when the first update is a tool-call fragment.
func (b *Bridge) start() error {
	if err := b.sink.MessageStart(b.usage); err != nil {
		return err
	}
	if err := b.sink.TextBlockStart(0); err != nil {
		return err
	}
	b.started = true
	return nil
}

func (b *Bridge) toolFragment(f ToolFragment) error {
	if !b.textClosed {
		if err := b.closeTextSlot(); err != nil {
			return err
		}
	}

	slot, ok := b.toolSlotOf[f.Key]
	if !ok {
		b.highestSlot++
		slot = b.highestSlot
		b.toolSlotOf[f.Key] = slot
		agg := &toolAggregate{id: f.ID, name: f.Name}
		if agg.id == "" {
			agg.id = "toolu_" + uuid.NewString()
		}
		b.aggregates[slot] = agg
		if err := b.sink.ToolBlockStart(slot, agg.id, agg.name); err != nil {
			return err
		}
	}

	agg := b.aggregates[slot]
	if f.Name != "" && agg.name == "" {
		agg.name = f.Name
	}
	if f.Args != "" {
		// The buffer feeds end-of-stream aggregation only; deltas already
		// sent are never re-derived from it.
		agg.args.WriteString(f.Args)
		if err := b.sink.ToolArgsDelta(slot, f.Args); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bridge) closeTextSlot() error {
	if !b.liveTextDeltas && b.accumulated.Len() > 0 {
		if err := b.sink.TextDelta(0, b.accumulated.String()); err != nil {
			return err
		}
		b.liveTextDeltas = true
	}
	if err := b.sink.BlockStop(0); err != nil {
		return err
	}
	b.textClosed = true
	return nil
}

// drain closes every open tool slot in ascending order, then the text slot
// if still open, and emits the terminal sequence exactly once.
func (b *Bridge) drain(stopReason string) error {
	slots := make([]int, 0, len(b.aggregates))
	for slot := range b.aggregates {
		slots = append(slots, slot)
	}
	sort.Ints(slots)
	for _, slot := range slots {
		if err := b.sink.BlockStop(slot); err != nil {
			return b.fail(err)
		}
	}
	if !b.textClosed {
		if err := b.closeTextSlot(); err != nil {
			return b.fail(err)
		}
	}
	b.stopReason = stopReason
	if err := b.sink.MessageDelta(stopReason, b.usage); err != nil {
		return b.fail(err)
	}
	if err := b.sink.MessageStop(); err != nil {
		return b.fail(err)
	}
	if err := b.sink.Done(); err != nil {
		return b.fail(err)
	}
	b.terminated = true
	return nil
}

func (b *Bridge) fail(err error) error {
	b.terminated = true
	return err
}

// Response reconstructs the finished stream as a complete message for
// logging and replay parity.
func (b *Bridge) Response(id, model string) anthropicproto.MessageResponse {
	blocks := []canonical.ContentBlock{{Type: canonical.BlockText, Text: b.accumulated.String()}}
	for slot := 1; slot <= b.highestSlot; slot++ {
		agg, ok := b.aggregates[slot]
		if !ok {
			continue
		}
		blocks = append(blocks, canonical.ContentBlock{
			Type:  canonical.BlockToolUse,
			ID:    agg.id,
			Name:  agg.name,
			Input: convert.ToolInputJSON(agg.args.String()),
		})
	}
	stop := b.stopReason
	if stop == "" {
		stop = convert.StopEndTurn
	}
	return anthropicproto.MessageResponse{
		ID:         id,
		Type:       "message",
		Role:       "assistant",
		Model:      model,
		Content:    blocks,
		StopReason: stop,
		Usage: anthropicproto.Usage{
			InputTokens:          b.usage.InputTokens,
			OutputTokens:         b.usage.OutputTokens,
			CacheReadInputTokens: b.usage.CachedInputTokens,
		},
	}
}

// Run consumes SSE frames from the backend, normalizes each one and feeds
// the bridge. A frame that fails to translate is logged and skipped; the
// stream continues. Cancellation stops between updates without flushing a
// terminal sequence.
func Run(ctx context.Context, r io.Reader, n Normalizer, b *Bridge) error {
	br := bufio.NewReader(r)
	for !b.Terminated() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		block, readErr := ReadSSEBlock(br)
		if readErr != nil && readErr != io.EOF {
			return readErr
		}

		data := ExtractSSEData(block)
		if data != "" && data != "[DONE]" {
			updates, err := n.Normalize(data)
			if err != nil {
				if b.logger != nil {
					b.logger.Printf("streamconv: skipping event: %v", err)
				}
				if b.onSkip != nil {
					b.onSkip()
				}
			} else {
				for _, u := range updates {
					if err := b.Push(u); err != nil {
						return err
					}
					if b.Terminated() {
						break
					}
				}
			}
		}

		if readErr == io.EOF || data == "[DONE]" {
			break
		}
	}
	return b.Finish()
}
