package pyramid

import "errors"

var (
	// ErrCancelled marks a build stopped by Cancel or its context
	ErrCancelled = errors.New("pyramid: cancelled")
	// ErrNotReady is returned for tiles at or past the completion watermark
	ErrNotReady = errors.New("pyramid: tile not ready")
	// ErrFailed is returned for unfinished tiles of a failed pyramid
	ErrFailed = errors.New("pyramid: build failed")
	// ErrClosed is returned once the pyramid has been closed
	ErrClosed = errors.New("pyramid: closed")
)
