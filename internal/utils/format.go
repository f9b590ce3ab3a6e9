package utils

import (
	"fmt"
	"mime"
	"path/filepath"
	"strings"
)

// Characters that cannot appear in file or directory names on at least one
// supported platform.
var invalidNameChars = strings.NewReplacer(
	"/", "_",
	"\\", "_",
	":", "_",
	"*", "_",
	"?", "_",
	"\"", "_",
	"<", "_",
	">", "_",
	"|", "_",
	"\x00", "_",
)

// maxFilenameBytes leaves headroom below the common 255-byte filesystem limit
// so that suffixes like ".part" can still be appended.
const maxFilenameBytes = 240

// ValidateTitle sanitizes a chat title or caption for use as a path segment.
func ValidateTitle(title string) string {
	title = invalidNameChars.Replace(title)
	title = strings.TrimSpace(title)
	title = strings.Trim(title, ".")
	if title == "" {
		return "_"
	}
	return title
}

// TruncateFilename shortens the basename of path so the whole name fits in
// maxFilenameBytes, preserving the extension.
func TruncateFilename(path string) string {
	dir, base := filepath.Split(path)
	if len(base) <= maxFilenameBytes {
		return path
	}
	ext := filepath.Ext(base)
	stem := base[:len(base)-len(ext)]
	keep := maxFilenameBytes - len(ext)
	if keep < 1 {
		keep = 1
	}
	// Cut on a rune boundary.
	for keep > 0 && keep < len(stem) && !utf8Start(stem[keep]) {
		keep--
	}
	if keep < len(stem) {
		stem = stem[:keep]
	}
	return dir + stem + ext
}

func utf8Start(b byte) bool { return b&0xC0 != 0x80 }

// GetExtension derives a file extension from a mime type, falling back to
// ".unknown". fileID is only used for logging context by callers.
func GetExtension(fileID string, mimeType string) string {
	if mimeType != "" {
		if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
			// mime returns extensions unordered; prefer the shortest.
			ext := exts[0]
			for _, e := range exts {
				if len(e) < len(ext) {
					ext = e
				}
			}
			return ext
		}
		if i := strings.LastIndex(mimeType, "/"); i >= 0 && i < len(mimeType)-1 {
			return "." + mimeType[i+1:]
		}
	}
	return ".unknown"
}

// FormatBytes renders a byte count in a human readable unit.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}

// Contains reports whether s contains e.
// https://stackoverflow.com/a/70802740/15807350
func Contains[T comparable](s []T, e T) bool {
	for _, v := range s {
		if v == e {
			return true
		}
	}
	return false
}
