// Package decode turns compressed image bytes into runs of RGBA scanlines.
//
// Decoders are pull-based: bytes are pushed with Feed as they arrive and
// decoded rows are pulled with Scanlines. A decoder never blocks waiting for
// input; when the next row cannot be completed from the buffered bytes,
// Scanlines returns an empty Run and the partial data is kept for later.
package decode

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCorruptStream reports a malformed or unsupported stream. Once
	// returned, the decoder is failed and every later call fails too.
	ErrCorruptStream = errors.New("decode: corrupt stream")
	// ErrTruncated reports a stream that ended before the image was complete
	ErrTruncated = errors.New("decode: truncated stream")
	// ErrFinished is returned by Feed after Finish
	ErrFinished = errors.New("decode: feed after finish")
)

// Mode selects the decoder variant
type Mode int

const (
	// ModeIncremental decodes baseline JPEG MCU rows as soon as their bytes arrive
	ModeIncremental Mode = iota
	// ModeBatch buffers JPEG bytes and decodes rows once the stream is finished
	ModeBatch
	// ModeWholeImage decodes any registered image format after Finish
	ModeWholeImage
)

func (m Mode) String() string {
	switch m {
	case ModeIncremental:
		return "incremental"
	case ModeBatch:
		return "batch"
	case ModeWholeImage:
		return "whole"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// ParseMode parses the String form of a Mode
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "incremental", "":
		return ModeIncremental, nil
	case "batch":
		return ModeBatch, nil
	case "whole", "whole-image", "image":
		return ModeWholeImage, nil
	}
	return 0, fmt.Errorf("unknown decode mode %q", s)
}

// Run is a block of consecutive decoded rows in source orientation. Pix
// holds Rows rows of Width RGBA pixels, Stride bytes apart. It is only valid
// until the next call on the decoder that produced it.
type Run struct {
	Y      int
	Rows   int
	Width  int
	Stride int
	Pix    []byte
}

// Row returns row i of the run (0 <= i < Rows)
func (r Run) Row(i int) []byte {
	return r.Pix[i*r.Stride : i*r.Stride+r.Width*4]
}

// Header describes the image once its header has been parsed
type Header struct {
	Width       int
	Height      int
	Components  int
	Orientation int // EXIF orientation, 1 when the stream has none
	Progressive bool
	Format      string
}

// Properties renders the header as the source property dictionary
func (h Header) Properties() map[string]any {
	return map[string]any{
		"width":       h.Width,
		"height":      h.Height,
		"components":  h.Components,
		"orientation": h.Orientation,
		"progressive": h.Progressive,
		"format":      h.Format,
	}
}

// Decoder is the decode capability a pyramid drives.
type Decoder interface {
	// Feed appends bytes to the stream
	Feed(p []byte) error
	// Finish marks the end of the stream
	Finish() error
	// Scanlines returns the next decoded rows. An empty Run with a nil error
	// means more bytes are needed; io.EOF means every row has been returned.
	Scanlines() (Run, error)
	// Header returns the image header once it has been parsed
	Header() (Header, bool)
	// Properties returns the source metadata known so far
	Properties() map[string]any
	Mode() Mode
}

// New returns a decoder for mode
func New(mode Mode) Decoder {
	switch mode {
	case ModeBatch:
		return NewJPEG(true)
	case ModeWholeImage:
		return NewImage()
	}
	return NewJPEG(false)
}

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorruptStream, fmt.Sprintf(format, args...))
}
