package convert

import "errors"

var (
	ErrUnsupportedMessageShape   = errors.New("unsupported message shape")
	ErrUnsupportedContentPart    = errors.New("unsupported content part")
	ErrInvalidTool               = errors.New("invalid tool")
	ErrUnresolvedToolCorrelation = errors.New("tool result missing correlation id")
)
