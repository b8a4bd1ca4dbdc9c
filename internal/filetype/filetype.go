// Package filetype maps file names to the display types and storage
// categories shown next to uploads and stored documents.
package filetype

import (
	"path/filepath"
	"strings"
)

// Unknown is the display type for unrecognized extensions.
const Unknown = "Unknown"

var displayTypes = map[string]string{
	"csv":  "CSV Data",
	"txt":  "Text File",
	"mpt":  "BioLogic Data",
	"dta":  "Gamry Data",
	"xlsx": "Excel File",
	"xls":  "Excel File",
	"z":    "ZView Impedance Data",
}

var categories = map[string]string{
	"xlsx": "spreadsheet",
	"xls":  "spreadsheet",
	"csv":  "spreadsheet",
	"png":  "image",
	"jpg":  "image",
	"jpeg": "image",
	"pdf":  "pdf",
	"docx": "document",
	"doc":  "document",
	"mpt":  "data",
	"dta":  "data",
	"z":    "data",
	"txt":  "data",
}

// Accept lists offered by the upload surfaces.
var (
	DataFiles = []string{".csv", ".txt", ".mpt", ".dta", ".xlsx"}
	CVFiles   = []string{".csv", ".txt", ".mpt", ".dta"}
	EISFiles  = []string{".csv", ".txt", ".mpt", ".dta", ".z"}
)

// Ext returns the lowercase extension of name without the leading dot.
func Ext(name string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
}

// DisplayType returns the human-readable type for name.
func DisplayType(name string) string {
	if t, ok := displayTypes[Ext(name)]; ok {
		return t
	}
	return Unknown
}

// Category returns the storage category for name.
func Category(name string) string {
	if c, ok := categories[Ext(name)]; ok {
		return c
	}
	return "other"
}

// Accepts reports whether name carries one of the extensions in list.
// An empty list accepts everything.
func Accepts(list []string, name string) bool {
	if len(list) == 0 {
		return true
	}
	ext := "." + Ext(name)
	for _, allowed := range list {
		if strings.EqualFold(strings.TrimSpace(allowed), ext) {
			return true
		}
	}
	return false
}

// ParseList splits a comma-separated extension list such as ".csv,.txt".
func ParseList(s string) []string {
	var list []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !strings.HasPrefix(part, ".") {
			part = "." + part
		}
		list = append(list, strings.ToLower(part))
	}
	return list
}
