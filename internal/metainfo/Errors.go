package metainfo

import (
	"errors"
	"fmt"
)

// ErrDecode is returned when the raw bytes are not well formed bencode
var ErrDecode = errors.New("malformed bencode")

// ErrValidation is matched by every *ValidationError
var ErrValidation = errors.New("invalid torrent metadata")

// Validation error kinds
var (
	ErrMissingKey    = errors.New("missing key")
	ErrWrongType     = errors.New("wrong type")
	ErrPieceLength   = errors.New("piece length must be positive")
	ErrPieces        = errors.New("pieces must be a non-empty multiple of 20 bytes")
	ErrFileMode      = errors.New("exactly one of length or files is required")
	ErrFileLength    = errors.New("invalid file length")
	ErrUnsafePath    = errors.New("unsafe path")
	ErrDuplicatePath = errors.New("duplicate file path")
	ErrSizeMismatch  = errors.New("piece count does not match total size")
)

// ValidationError reports which key of the torrent failed which check.
// errors.Is matches both ErrValidation and the Kind.
type ValidationError struct {
	Key    string
	Kind   error
	Detail string
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("%v: %q: %v", ErrValidation, e.Key, e.Kind)
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

func (e *ValidationError) Unwrap() []error {
	return []error{ErrValidation, e.Kind}
}

func invalid(key string, kind error, format string, args ...any) *ValidationError {
	return &ValidationError{Key: key, Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

func decodeError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDecode, fmt.Sprintf(format, args...))
}
