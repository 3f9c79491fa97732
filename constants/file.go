package constants

import "strings"

// ExportFormats holds the artifact formats the export writers support.
var ExportFormats = []string{"csv", "xlsx"}

// CompressionKinds holds the accepted values for an export's compression field.
var CompressionKinds = map[string]struct{}{
	"none": {},
	"gzip": {},
	"zip":  {},
}

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}
