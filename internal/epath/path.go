// Package epath parses and validates the dotted field paths the policy
// engine addresses ("user.profile.email"). It has no dependency on the
// trie itself so both the store and the wire protocol can share one
// notion of a well-formed path.
package epath

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Limits bounds path parsing. The zero value is invalid; use DefaultLimits.
type Limits struct {
	MaxSegmentBytes int
	MaxDepth        int
}

// DefaultLimits matches spec §4.A's defaults (256 bytes per segment, depth 32).
func DefaultLimits() Limits {
	return Limits{MaxSegmentBytes: 256, MaxDepth: 32}
}

// Error is returned for any malformed path. It always wraps ErrInvalidPath
// so callers can match with errors.Is regardless of the specific reason.
type Error struct {
	Path   string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid path %q: %s", e.Path, e.Reason)
}

func (e *Error) Unwrap() error { return ErrInvalidPath }

// ErrInvalidPath is the sentinel every Error wraps.
var ErrInvalidPath = fmt.Errorf("invalid path")

// Split parses a dotted path string into its ordered segments, enforcing
// lim. The empty string denotes the root and splits to an empty (non-nil)
// slice. Segments are never escaped: "." inside a segment is not
// representable.
func Split(path string, lim Limits) ([]string, error) {
	if path == "" {
		return []string{}, nil
	}

	segments := strings.Split(path, ".")
	if len(segments) > lim.MaxDepth {
		return nil, &Error{Path: path, Reason: fmt.Sprintf("depth %d exceeds max %d", len(segments), lim.MaxDepth)}
	}

	for _, seg := range segments {
		if seg == "" {
			return nil, &Error{Path: path, Reason: "empty segment"}
		}
		if len(seg) > lim.MaxSegmentBytes {
			return nil, &Error{Path: path, Reason: fmt.Sprintf("segment %q exceeds %d bytes", seg, lim.MaxSegmentBytes)}
		}
		if !utf8.ValidString(seg) {
			return nil, &Error{Path: path, Reason: "segment is not valid UTF-8"}
		}
	}

	return segments, nil
}

// Join reassembles segments into a dotted path string. Join(Split(p)) == p
// for any p accepted by Split.
func Join(segments []string) string {
	return strings.Join(segments, ".")
}

// Depth derives a depth estimate (the segment count, not clamped to any
// limit) for a raw path string without fully validating it — used to
// default Event.Features.Depth when a caller omits it (spec §6).
func Depth(path string) int {
	if path == "" {
		return 0
	}
	return strings.Count(path, ".") + 1
}
