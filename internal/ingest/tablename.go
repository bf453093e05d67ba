package ingest

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode"
)

// TableName derives a SQL-safe table name from a source file path: the
// lowercased stem with every non-alphanumeric run collapsed to an
// underscore. Names that would start with a digit get a "t_" prefix, and an
// empty result falls back to "dataset".
func TableName(sourcePath string) string {
	stem := strings.TrimSuffix(filepath.Base(sourcePath), filepath.Ext(sourcePath))

	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(stem) {
		if unicode.IsLower(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore && b.Len() > 0 {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	name := strings.Trim(b.String(), "_")

	if name == "" {
		return "dataset"
	}
	if name[0] >= '0' && name[0] <= '9' {
		name = "t_" + name
	}
	return name
}

// Disambiguate returns name unchanged when it is free, otherwise the first
// "name_2", "name_3", ... not present in taken.
func Disambiguate(name string, taken map[string]bool) string {
	if !taken[name] {
		return name
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s_%d", name, i)
		if !taken[candidate] {
			return candidate
		}
	}
}
