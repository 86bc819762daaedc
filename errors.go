package seekable

import "errors"

// Sentinel errors for the range checks in Seek and the terminal failures of
// Read.
var (
	// ErrNegativeSeek reports a SEEK_SET target that resolved to a negative
	// offset. Non-destructive; the Context stays at its prior position.
	ErrNegativeSeek = errors.New("seekable: negative seek")

	// ErrBeyondEndSeek reports a SEEK_SET target beyond the (possibly
	// just-grown) known uncompressed size. Non-destructive.
	ErrBeyondEndSeek = errors.New("seekable: seek beyond end of stream")

	// ErrRead reports that the underlying codec hit a fatal error while
	// decompressing. The Context is left in an indeterminate decode state;
	// callers should Seek before retrying or Close it.
	ErrRead = errors.New("seekable: read failed")

	// ErrClosed is returned by any operation on a Context after Close.
	ErrClosed = errors.New("seekable: context is closed")
)
