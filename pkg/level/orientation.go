package level

import "fmt"

// Orientation is the EXIF orientation tag (1-8). It describes how stored
// source pixels map onto the displayed image.
type Orientation int

const (
	TopLeft     Orientation = 1 // identity
	TopRight    Orientation = 2 // mirrored horizontally
	BottomRight Orientation = 3 // rotated 180
	BottomLeft  Orientation = 4 // mirrored vertically
	LeftTop     Orientation = 5 // transposed
	RightTop    Orientation = 6 // rotated 90 clockwise
	RightBottom Orientation = 7 // transversed
	LeftBottom  Orientation = 8 // rotated 90 counter-clockwise
)

// Valid reports whether o is one of the eight EXIF orientations
func (o Orientation) Valid() bool { return o >= TopLeft && o <= LeftBottom }

// Transposed reports whether display rows come from source columns
func (o Orientation) Transposed() bool { return o >= LeftTop && o <= LeftBottom }

// FlipX reports whether the source horizontal axis runs backwards on display
func (o Orientation) FlipX() bool {
	return o == TopRight || o == BottomRight || o == RightBottom || o == LeftBottom
}

// FlipY reports whether the source vertical axis runs backwards on display
func (o Orientation) FlipY() bool {
	return o == BottomRight || o == BottomLeft || o == RightTop || o == RightBottom
}

// Inverse returns the orientation that undoes o
func (o Orientation) Inverse() Orientation {
	switch o {
	case RightTop:
		return LeftBottom
	case LeftBottom:
		return RightTop
	}
	return o
}

// DisplaySize returns the displayed size of a w x h source
func (o Orientation) DisplaySize(w, h int) (int, int) {
	if o.Transposed() {
		return h, w
	}
	return w, h
}

// Apply maps source pixel (u, v) of a w x h box to its display position.
func (o Orientation) Apply(u, v, w, h int) (x, y int) {
	switch o {
	case TopRight:
		return w - 1 - u, v
	case BottomRight:
		return w - 1 - u, h - 1 - v
	case BottomLeft:
		return u, h - 1 - v
	case LeftTop:
		return v, u
	case RightTop:
		return h - 1 - v, u
	case RightBottom:
		return h - 1 - v, w - 1 - u
	case LeftBottom:
		return v, w - 1 - u
	}
	return u, v
}

func (o Orientation) String() string {
	switch o {
	case TopLeft:
		return "top-left"
	case TopRight:
		return "top-right"
	case BottomRight:
		return "bottom-right"
	case BottomLeft:
		return "bottom-left"
	case LeftTop:
		return "left-top"
	case RightTop:
		return "right-top"
	case RightBottom:
		return "right-bottom"
	case LeftBottom:
		return "left-bottom"
	}
	return fmt.Sprintf("orientation(%d)", int(o))
}
