package util

import (
	"strings"

	"github.com/google/uuid"
)

// NormalizeDTableUUID canonicalizes a dtable uuid to the dashed 36-char
// form stored in the dtables table. Event payloads and API callers hand
// the engine both dashed and compact 32-char forms.
func NormalizeDTableUUID(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	parsed, err := uuid.Parse(trimmed)
	if err != nil {
		return trimmed
	}
	return parsed.String()
}

// CompactDTableUUID returns the 32-char dash-free form of a dtable uuid,
// the shape the metadata service addresses bases by.
func CompactDTableUUID(raw string) string {
	normalized := NormalizeDTableUUID(raw)
	return strings.ReplaceAll(normalized, "-", "")
}
