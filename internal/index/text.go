package index

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// CleanText strips runes the search backends reject: invalid UTF-8 sequences,
// the NUL byte, and control characters other than tab and newline.
func CleanText(s string) string {
	if utf8.ValidString(s) && !strings.ContainsFunc(s, isInvalidRune) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == utf8.RuneError || isInvalidRune(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isInvalidRune(r rune) bool {
	if r == '\n' || r == '\t' {
		return false
	}
	return r == 0 || unicode.IsControl(r)
}

// CleanMetadata returns a copy of the metadata map with keys and values
// cleaned for backend storage.
func CleanMetadata(metadata map[string]string) map[string]string {
	if metadata == nil {
		return nil
	}
	out := make(map[string]string, len(metadata))
	for k, v := range metadata {
		out[CleanText(k)] = CleanText(v)
	}
	return out
}

// MetadataSeparator joins a metadata key and value into the single-string
// form stored on chunk documents for exact-match tag filtering.
const MetadataSeparator = ":::"

// MetadataList flattens a metadata map into "key:::value" entries.
func MetadataList(metadata map[string]string) []string {
	if len(metadata) == 0 {
		return nil
	}
	out := make([]string, 0, len(metadata))
	for k, v := range metadata {
		out = append(out, CleanText(k)+MetadataSeparator+CleanText(v))
	}
	return out
}

// SplitMetadataEntry splits a "key:::value" entry back into its parts.
func SplitMetadataEntry(entry string) (key, value string, ok bool) {
	i := strings.Index(entry, MetadataSeparator)
	if i < 0 {
		return "", "", false
	}
	return entry[:i], entry[i+len(MetadataSeparator):], true
}
