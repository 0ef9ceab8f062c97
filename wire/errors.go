package wire

import "errors"

// ErrMalformed is wrapped by every header/body decode failure: truncated
// buffer, unknown tag, declared size mismatch, or a fixed field that
// doesn't fit the tag's layout.
var ErrMalformed = errors.New("wire: malformed message")
