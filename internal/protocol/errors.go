package protocol

import "errors"

var (
	ErrMalformedMessage   = errors.New("protocol: malformed message")
	ErrSignature          = errors.New("protocol: invalid signature")
	ErrReplay             = errors.New("protocol: duplicate signature")
	ErrUnknownMessageType = errors.New("protocol: unknown message type")
	ErrUnsupportedScheme  = errors.New("protocol: unsupported signature scheme")
)
