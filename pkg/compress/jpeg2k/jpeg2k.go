package jpeg2k

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
)

var (
	// ErrFormat reports a malformed codestream or JP2 file
	ErrFormat = errors.New("jpeg2k: invalid format")
	// ErrUnsupported reports a valid codestream this package cannot decode,
	// such as tier-1 coded, lossy or multi-tile images
	ErrUnsupported = errors.New("jpeg2k: unsupported codestream")
)

// Options configures Encode
type Options struct {
	Levels int  // wavelet decomposition levels, 0-32
	JP2    bool // wrap the codestream in a JP2 file
}

// DefaultOptions returns five decomposition levels and a raw codestream
func DefaultOptions() *Options {
	return &Options{Levels: 5}
}

func init() {
	image.RegisterFormat("jpeg2000", string(codestreamMagic), Decode, DecodeConfig)
	image.RegisterFormat("jpeg2000", string(jp2Signature), Decode, DecodeConfig)
}

// Encode writes img losslessly. Gray and Gray16 keep one component; every
// other image is stored as 8-bit RGB and its alpha is dropped.
func Encode(w io.Writer, img image.Image, opts *Options) error {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.Levels < 0 || opts.Levels > 32 {
		return fmt.Errorf("jpeg2k: %d decomposition levels", opts.Levels)
	}
	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	if width <= 0 || height <= 0 || width > 1<<24 || height > 1<<24 {
		return fmt.Errorf("jpeg2k: cannot encode a %dx%d image", width, height)
	}
	planes, prec := split(img)
	shift := 1 << (prec - 1)
	for _, plane := range planes {
		for i := range plane {
			plane[i] -= shift
		}
	}
	mct := len(planes) == 3
	if mct {
		forwardRCT(planes[0], planes[1], planes[2])
	}

	siz := SIZ{
		XSiz:  uint32(width),
		YSiz:  uint32(height),
		XTsiz: uint32(width),
		YTsiz: uint32(height),
	}
	for range planes {
		siz.Components = append(siz.Components, Component{Precision: prec, XRsiz: 1, YRsiz: 1})
	}
	cod := COD{
		Layers:       1,
		DecompLevels: byte(opts.Levels),
		CodeBlockW:   4,
		CodeBlockH:   4,
		Transform:    TransformReversible53,
	}
	if mct {
		cod.MCT = 1
	}
	qcd := QCD{GuardBits: 2, Exponents: make([]byte, 3*opts.Levels+1)}
	for i := range qcd.Exponents {
		qcd.Exponents[i] = byte(prec)
	}

	var body []byte
	for _, plane := range planes {
		forwardDWT(plane, width, height, opts.Levels)
		for _, v := range plane {
			body = binary.AppendVarint(body, int64(v))
		}
	}

	cs := binary.BigEndian.AppendUint16(nil, MarkerSOC)
	cs = siz.append(cs)
	cs = cod.append(cs)
	cs = qcd.append(cs)
	cs = segment(cs, MarkerCOM, append([]byte{0, 1}, rawTag...))
	sot := binary.BigEndian.AppendUint16(nil, 0) // tile 0
	sot = binary.BigEndian.AppendUint32(sot, uint32(12+2+len(body)))
	sot = append(sot, 0, 1)
	cs = segment(cs, MarkerSOT, sot)
	cs = binary.BigEndian.AppendUint16(cs, MarkerSOD)
	cs = append(cs, body...)
	cs = binary.BigEndian.AppendUint16(cs, MarkerEOC)

	if opts.JP2 {
		cs = wrapJP2(cs, &siz)
	}
	_, err := w.Write(cs)
	return err
}

// split returns the component planes of img and their precision
func split(img image.Image) ([][]int, int) {
	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	switch src := img.(type) {
	case *image.Gray:
		p := make([]int, width*height)
		for y := 0; y < height; y++ {
			row := src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):]
			for x := 0; x < width; x++ {
				p[y*width+x] = int(row[x])
			}
		}
		return [][]int{p}, 8
	case *image.Gray16:
		p := make([]int, width*height)
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				p[y*width+x] = int(src.Gray16At(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
		return [][]int{p}, 16
	}
	r, g, bl := make([]int, width*height), make([]int, width*height), make([]int, width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := color.RGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.RGBA)
			i := y*width + x
			r[i], g[i], bl[i] = int(c.R), int(c.G), int(c.B)
		}
	}
	return [][]int{r, g, bl}, 8
}

// supported rejects every codestream the decoder cannot reconstruct exactly
func (h *header) supported() error {
	if !h.hasCOD || !h.hasQCD {
		return fmt.Errorf("%w: missing COD or QCD", ErrFormat)
	}
	if !h.raw {
		return fmt.Errorf("%w: tier-1 coded tile data", ErrUnsupported)
	}
	if h.COD.Transform != TransformReversible53 {
		return fmt.Errorf("%w: irreversible wavelet", ErrUnsupported)
	}
	if cols, rows := h.SIZ.Tiles(); cols != 1 || rows != 1 {
		return fmt.Errorf("%w: %dx%d tiles", ErrUnsupported, cols, rows)
	}
	comps := h.SIZ.Components
	if len(comps) != 1 && len(comps) != 3 {
		return fmt.Errorf("%w: %d components", ErrUnsupported, len(comps))
	}
	for _, c := range comps {
		if c != comps[0] || c.Signed || c.XRsiz != 1 || c.YRsiz != 1 || c.Precision > 16 {
			return fmt.Errorf("%w: component layout", ErrUnsupported)
		}
	}
	return nil
}

func (h *header) colorModel() color.Model {
	deep := h.SIZ.Components[0].Precision > 8
	switch {
	case len(h.SIZ.Components) == 1 && deep:
		return color.Gray16Model
	case len(h.SIZ.Components) == 1:
		return color.GrayModel
	case deep:
		return color.RGBA64Model
	}
	return color.RGBAModel
}

// DecodeConfig returns the image size and color model from the main header
func DecodeConfig(r io.Reader) (image.Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return image.Config{}, err
	}
	cs, err := codestream(data)
	if err != nil {
		return image.Config{}, err
	}
	h, err := parseHeader(cs)
	if err != nil {
		return image.Config{}, err
	}
	if err := h.supported(); err != nil {
		return image.Config{}, err
	}
	return image.Config{
		Width:      h.SIZ.Width(),
		Height:     h.SIZ.Height(),
		ColorModel: h.colorModel(),
	}, nil
}

// Decode reads a codestream or JP2 file written by Encode
func Decode(r io.Reader) (image.Image, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	cs, err := codestream(data)
	if err != nil {
		return nil, err
	}
	h, err := parseHeader(cs)
	if err != nil {
		return nil, err
	}
	if err := h.supported(); err != nil {
		return nil, err
	}
	body, err := tileBody(cs, h)
	if err != nil {
		return nil, err
	}
	width, height := h.SIZ.Width(), h.SIZ.Height()
	ncomp := len(h.SIZ.Components)
	// every coefficient takes at least one byte
	if len(body) < width*height*ncomp {
		return nil, io.ErrUnexpectedEOF
	}
	planes := make([][]int, ncomp)
	for c := range planes {
		plane := make([]int, width*height)
		for i := range plane {
			v, n := binary.Varint(body)
			if n == 0 {
				return nil, io.ErrUnexpectedEOF
			}
			if n < 0 {
				return nil, fmt.Errorf("%w: coefficient overflow", ErrFormat)
			}
			plane[i] = int(v)
			body = body[n:]
		}
		inverseDWT(plane, width, height, int(h.COD.DecompLevels))
		planes[c] = plane
	}
	if h.COD.MCT == 1 && ncomp == 3 {
		inverseRCT(planes[0], planes[1], planes[2])
	}
	return render(planes, width, height, h.SIZ.Components[0].Precision), nil
}

// render level-shifts, clamps and scales the planes into an image
func render(planes [][]int, width, height, prec int) image.Image {
	shift, top := 1<<(prec-1), 1<<prec-1
	sample := func(c, i int) int {
		return min(max(planes[c][i]+shift, 0), top)
	}
	rect := image.Rect(0, 0, width, height)
	if prec <= 8 {
		up := 8 - prec
		if len(planes) == 1 {
			img := image.NewGray(rect)
			for i := range img.Pix {
				img.Pix[i] = uint8(sample(0, i) << up)
			}
			return img
		}
		img := image.NewRGBA(rect)
		for i := 0; i < width*height; i++ {
			p := img.Pix[4*i : 4*i+4]
			p[0], p[1], p[2], p[3] = uint8(sample(0, i)<<up), uint8(sample(1, i)<<up), uint8(sample(2, i)<<up), 0xFF
		}
		return img
	}
	up := 16 - prec
	if len(planes) == 1 {
		img := image.NewGray16(rect)
		for i := 0; i < width*height; i++ {
			binary.BigEndian.PutUint16(img.Pix[2*i:], uint16(sample(0, i)<<up))
		}
		return img
	}
	img := image.NewRGBA64(rect)
	for i := 0; i < width*height; i++ {
		p := img.Pix[8*i : 8*i+8]
		binary.BigEndian.PutUint16(p, uint16(sample(0, i)<<up))
		binary.BigEndian.PutUint16(p[2:], uint16(sample(1, i)<<up))
		binary.BigEndian.PutUint16(p[4:], uint16(sample(2, i)<<up))
		binary.BigEndian.PutUint16(p[6:], 0xFFFF)
	}
	return img
}
