package protocol

import "errors"

var (
	ErrShortPayload  = errors.New("protocol: short payload")
	ErrFrameTooLarge = errors.New("protocol: frame too large")
	ErrUnknownAction = errors.New("protocol: unknown action")
	ErrTickOverflow  = errors.New("protocol: tick does not fit in 32 bits")
)
