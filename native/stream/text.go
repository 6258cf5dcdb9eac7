package stream

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// normalizeText folds compatibility forms (full-width letters, ligatures)
// with NFKC and trims surrounding space, so free-text inputs compare and
// journal consistently.
func normalizeText(raw string) string {
	return strings.TrimSpace(norm.NFKC.String(raw))
}
