package misc

import (
	"strconv"
	"strings"
)

var sizeSuffixes = [...]string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// FormatFileSize returns a human-readable size with at most 2 decimal places: 3.75 MiB.
func FormatFileSize(bytes int64) string {
	size := float64(bytes)

	var suffixIndex int
	for size/1024 > 1 && suffixIndex < len(sizeSuffixes)-1 {
		size /= 1024
		suffixIndex++
	}

	res := strconv.FormatFloat(size, 'f', 2, 64)
	res = strings.TrimRight(res, "0")
	res = strings.TrimSuffix(res, ".")

	return res + " " + sizeSuffixes[suffixIndex]
}

// FormatPixels returns a human-readable image dimension: 1920x1080.
func FormatPixels(width, height int) string {
	return strconv.Itoa(width) + "x" + strconv.Itoa(height)
}
