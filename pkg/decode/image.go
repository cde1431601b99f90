package decode

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif" // register GIF
	"image/jpeg"
	_ "image/png" // register PNG
	"io"

	"github.com/jpfielding/pyramid.go/pkg/compress/jpeg2k"
)

// imageRunRows bounds the rows converted per Scanlines call for fully decoded
// images so the RGBA copy stays small.
const imageRunRows = 64

// sniffLen covers the longest registered magic (the JP2 signature box).
// An unrecognised prefix at least this long can never become an image.
const sniffLen = 16

// decodeAll decodes a complete buffer with the image registry, which
// includes the JPEG 2000 codec.
func decodeAll(p []byte) (image.Image, string, error) {
	img, format, err := image.Decode(bytes.NewReader(p))
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, "", fmt.Errorf("%w: %w", ErrTruncated, err)
		}
		return nil, "", fmt.Errorf("%w: %w", ErrCorruptStream, err)
	}
	return img, format, nil
}

// headerFailed reports a DecodeConfig error that more bytes cannot fix
func headerFailed(err error, buffered int) bool {
	if errors.Is(err, image.ErrFormat) {
		return buffered >= sniffLen
	}
	return errors.Is(err, jpeg2k.ErrFormat) || errors.Is(err, jpeg2k.ErrUnsupported)
}

// imageRows hands out a decoded image in bounded RGBA runs.
type imageRows struct {
	img  image.Image
	next int
	buf  *image.RGBA
}

func (r *imageRows) scanlines() (Run, error) {
	b := r.img.Bounds()
	if r.next >= b.Dy() {
		return Run{}, io.EOF
	}
	n := min(imageRunRows, b.Dy()-r.next)
	if r.buf == nil || r.buf.Rect.Dy() < n {
		r.buf = image.NewRGBA(image.Rect(0, 0, b.Dx(), n))
	}
	dst := r.buf.SubImage(image.Rect(0, 0, b.Dx(), n)).(*image.RGBA)
	draw.Draw(dst, dst.Rect, r.img, image.Pt(b.Min.X, b.Min.Y+r.next), draw.Src)
	run := Run{Y: r.next, Rows: n, Width: b.Dx(), Stride: dst.Stride, Pix: dst.Pix}
	r.next += n
	return run, nil
}

// Image buffers the whole stream and decodes it after Finish. It accepts
// every format registered with the image package plus JPEG 2000.
type Image struct {
	data   []byte
	eof    bool
	err    error
	hdr    Header
	hasHdr bool
	rows   *imageRows
}

// NewImage returns a whole-image decoder
func NewImage() *Image {
	return &Image{}
}

// Mode returns ModeWholeImage
func (d *Image) Mode() Mode { return ModeWholeImage }

// Feed buffers p and tries to read the header from what has arrived.
func (d *Image) Feed(p []byte) error {
	if d.err != nil {
		return d.err
	}
	if d.eof {
		return ErrFinished
	}
	d.data = append(d.data, p...)
	if !d.hasHdr {
		return d.sniffHeader()
	}
	return nil
}

// sniffHeader reads the header from the buffered prefix. An unknown format or a
// malformed header fails the decoder at once; a short prefix waits.
func (d *Image) sniffHeader() error {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(d.data))
	if err != nil {
		if headerFailed(err, len(d.data)) {
			return d.fail(fmt.Errorf("%w: %w", ErrCorruptStream, err))
		}
		return nil
	}
	d.hdr = Header{
		Width:       cfg.Width,
		Height:      cfg.Height,
		Components:  4,
		Orientation: 1,
		Format:      format,
	}
	if format == "jpeg" {
		if o := scanJPEGOrientation(d.data); o != 0 {
			d.hdr.Orientation = o
		}
	}
	switch cfg.ColorModel {
	case color.GrayModel, color.Gray16Model:
		d.hdr.Components = 1
	}
	d.hasHdr = true
	return nil
}

func (d *Image) fail(err error) error {
	d.err = err
	d.data = nil
	return err
}

// Finish decodes the buffered stream.
func (d *Image) Finish() error {
	if d.err != nil {
		return d.err
	}
	if d.eof {
		return nil
	}
	d.eof = true
	if len(d.data) == 0 {
		return d.fail(fmt.Errorf("%w: empty stream", ErrTruncated))
	}
	img, format, err := decodeAll(d.data)
	if err != nil {
		return d.fail(err)
	}
	orientation := d.hdr.Orientation
	if orientation == 0 {
		orientation = 1
	}
	if format == "jpeg" && !d.hasHdr {
		if o := scanJPEGOrientation(d.data); o != 0 {
			orientation = o
		}
	}
	b := img.Bounds()
	d.hdr = Header{
		Width:       b.Dx(),
		Height:      b.Dy(),
		Components:  4,
		Orientation: orientation,
		Format:      format,
	}
	switch img.(type) {
	case *image.Gray, *image.Gray16:
		d.hdr.Components = 1
	}
	d.hasHdr = true
	d.data = nil
	d.rows = &imageRows{img: img}
	return nil
}

// Scanlines returns rows of the decoded image after Finish.
func (d *Image) Scanlines() (Run, error) {
	if d.err != nil {
		return Run{}, d.err
	}
	if d.rows == nil {
		return Run{}, nil
	}
	return d.rows.scanlines()
}

// Header returns the header once known
func (d *Image) Header() (Header, bool) { return d.hdr, d.hasHdr }

// Properties returns the source metadata
func (d *Image) Properties() map[string]any {
	if !d.hasHdr {
		return map[string]any{}
	}
	return d.hdr.Properties()
}

// decodeStdJPEG is used for JPEG variants the incremental decoder hands off.
func decodeStdJPEG(p []byte) (image.Image, error) {
	img, err := jpeg.Decode(bytes.NewReader(p))
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
		}
		return nil, corrupt("%v", err)
	}
	return img, nil
}
