package rpix

import "strconv"

// Size is a target display size in pixels. A size is defined only if both
// dimensions are positive.
type Size struct {
	Width  int
	Height int
}

// SizeUndefined means that the size is not known yet.
var SizeUndefined = Size{}

func NewSize(width, height int) Size {
	return Size{Width: width, Height: height}
}

func (s Size) IsDefined() bool {
	return s.Width > 0 && s.Height > 0
}

func (s Size) String() string {
	if !s.IsDefined() {
		return "undefined"
	}
	return strconv.Itoa(s.Width) + "x" + strconv.Itoa(s.Height)
}
