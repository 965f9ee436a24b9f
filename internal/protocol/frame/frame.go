// Package frame splits and joins multipart wire messages around the routing
// delimiter.
//
// Wire layout:
//
//	[idents...] <IDS|MSG> signature header parent_header metadata content buffers...
package frame

import (
	"bytes"
	"errors"
)

// Delimiter separates routing idents from the signed message body.
var Delimiter = []byte("<IDS|MSG>")

const (
	// MinBodyFrames is signature + four packed core frames.
	MinBodyFrames = 5

	SignatureIndex    = 0
	HeaderIndex       = 1
	ParentHeaderIndex = 2
	MetadataIndex     = 3
	ContentIndex      = 4
)

var (
	ErrMissingDelimiter = errors.New("frame: delimiter not found")
	ErrTooFewFrames     = errors.New("frame: too few frames after delimiter")
	ErrTooManyFrames    = errors.New("frame: too many frames")
	ErrFrameTooLarge    = errors.New("frame: frame too large")
)

// Limits constrains decode memory use.
type Limits struct {
	MaxFrames     int
	MaxFrameBytes int
}

func DefaultLimits() Limits {
	return Limits{
		MaxFrames:     1024,
		MaxFrameBytes: 64 * 1024 * 1024,
	}
}

// Split returns the routing idents and the body after the delimiter. The body
// is not length-checked; see SplitBody.
func Split(frames [][]byte) (idents [][]byte, body [][]byte, err error) {
	for i, f := range frames {
		if bytes.Equal(f, Delimiter) {
			return frames[:i], frames[i+1:], nil
		}
	}
	return nil, nil, ErrMissingDelimiter
}

// SplitBody is Split plus the minimum body length and limit checks.
func SplitBody(frames [][]byte, limits Limits) (idents [][]byte, body [][]byte, err error) {
	if limits.MaxFrames > 0 && len(frames) > limits.MaxFrames {
		return nil, nil, ErrTooManyFrames
	}
	if limits.MaxFrameBytes > 0 {
		for _, f := range frames {
			if len(f) > limits.MaxFrameBytes {
				return nil, nil, ErrFrameTooLarge
			}
		}
	}
	idents, body, err = Split(frames)
	if err != nil {
		return nil, nil, err
	}
	if len(body) < MinBodyFrames {
		return nil, nil, ErrTooFewFrames
	}
	return idents, body, nil
}

// Join builds [idents..., delimiter, body...].
func Join(idents [][]byte, body [][]byte) [][]byte {
	out := make([][]byte, 0, len(idents)+1+len(body))
	out = append(out, idents...)
	out = append(out, Delimiter)
	out = append(out, body...)
	return out
}
