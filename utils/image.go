package utils

import (
	"path/filepath"
	"strings"
)

// ImageFormat returns the image subtype for a pixmap path ("png", "jpeg", ...)
// and whether the extension is a supported page image format.
func ImageFormat(path string) (string, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "png", true
	case ".jpg", ".jpeg":
		return "jpeg", true
	case ".webp":
		return "webp", true
	default:
		return "", false
	}
}
