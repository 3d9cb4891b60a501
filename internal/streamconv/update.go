// Package streamconv bridges backend event streams onto client-facing
// message streams. Backend protocols are normalized into one canonical
// incremental-update shape; a single state machine turns those updates into
// ordered block-lifecycle events.
package streamconv

import (
	"errors"
	"fmt"
)

// ErrEventTranslation marks a raw backend event that could not be parsed or
// mapped. Callers log and skip the event; it never aborts the stream.
var ErrEventTranslation = errors.New("event translation failure")

type UpdateKind int

const (
	KindText UpdateKind = iota
	KindToolCall
	KindUsage
	KindCompletion
)

// Update is the canonical incremental update both normalizers produce.
type Update struct {
	Kind UpdateKind

	Text string

	Tool ToolFragment

	// Set for KindUsage, and optionally on KindCompletion when the final
	// event carries usage. Counters are cumulative, not incremental.
	Usage *Usage

	// Backend finish signal for KindCompletion ("stop", "length", ...).
	Finish string
}

type ToolFragment struct {
	Key  ToolKey
	ID   string
	Name string
	Args string
}

type Usage struct {
	InputTokens       int
	OutputTokens      int
	CachedInputTokens int
}

// ToolKey identifies a tool call across fragments. A call id is preferred,
// then the positional index, then a synthetic per-stream key, as a tagged
// variant rather than string concatenation so slot resolution has one
// contract.
type toolKeyTag int

const (
	keyByID toolKeyTag = iota
	keyByIndex
	keySynthetic
)

type ToolKey struct {
	tag   toolKeyTag
	id    string
	index int
}

func KeyFromID(id string) ToolKey { return ToolKey{tag: keyByID, id: id} }

func KeyFromIndex(i int) ToolKey { return ToolKey{tag: keyByIndex, index: i} }

func KeyFromSynthetic(n int) ToolKey { return ToolKey{tag: keySynthetic, index: n} }

func (k ToolKey) String() string {
	switch k.tag {
	case keyByID:
		return "id:" + k.id
	case keyByIndex:
		return fmt.Sprintf("index:%d", k.index)
	default:
		return fmt.Sprintf("synthetic:%d", k.index)
	}
}
