// Package jpeg2k reads and writes single-tile, lossless JPEG 2000 images
// (ITU-T T.800 | ISO/IEC 15444-1) built on the 5/3 reversible wavelet and
// the reversible color transform.
//
// The tile body is not tier-1 (EBCOT) coded. Each component's wavelet
// coefficients are stored as signed varints in raster order and the main
// header carries a COM segment naming that layout. Codestreams produced by
// other encoders are recognised but rejected with ErrUnsupported.
package jpeg2k

// JPEG 2000 marker codes (ITU-T T.800 Table A.1)
const (
	MarkerSOC = 0xFF4F // start of codestream
	MarkerSOT = 0xFF90 // start of tile-part
	MarkerSOD = 0xFF93 // start of data
	MarkerEOC = 0xFFD9 // end of codestream
	MarkerSIZ = 0xFF51 // image and tile size
	MarkerCOD = 0xFF52 // coding style default
	MarkerQCD = 0xFF5C // quantization default
	MarkerCOM = 0xFF64 // comment
)

// rawTag is the COM payload that marks a varint coefficient tile body
const rawTag = "pyramid raw 5/3 coefficients v1"

// Transform identifies the wavelet filter in COD
type Transform byte

const (
	TransformIrreversible97 Transform = 0
	TransformReversible53   Transform = 1
)

// Component is one SIZ component entry
type Component struct {
	Precision int // bit depth, 1-38
	Signed    bool
	XRsiz     int
	YRsiz     int
}

// SIZ holds the image and tile size parameters (T.800 A.5.1)
type SIZ struct {
	Rsiz       uint16
	XSiz       uint32
	YSiz       uint32
	XOsiz      uint32
	YOsiz      uint32
	XTsiz      uint32
	YTsiz      uint32
	XTOsiz     uint32
	YTOsiz     uint32
	Components []Component
}

// Width is the image width on the reference grid
func (s *SIZ) Width() int { return int(s.XSiz - s.XOsiz) }

// Height is the image height on the reference grid
func (s *SIZ) Height() int { return int(s.YSiz - s.YOsiz) }

// Tiles returns the tile grid size
func (s *SIZ) Tiles() (cols, rows int) {
	cols = int((s.XSiz - s.XTOsiz + s.XTsiz - 1) / s.XTsiz)
	rows = int((s.YSiz - s.YTOsiz + s.YTsiz - 1) / s.YTsiz)
	return cols, rows
}

// COD holds the coding style defaults (T.800 A.6.1)
type COD struct {
	Scod         byte
	Progression  byte
	Layers       uint16
	MCT          byte
	DecompLevels byte
	CodeBlockW   byte // exponent - 2
	CodeBlockH   byte // exponent - 2
	CodeBlock    byte // style flags
	Transform    Transform
}

// QCD holds the quantization defaults (T.800 A.6.4)
type QCD struct {
	Style     byte // low five bits of Sqcd
	GuardBits byte
	Exponents []byte
}
