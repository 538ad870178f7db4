package facematch

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var nameSeparators = strings.NewReplacer("-", " ", "_", " ")

// NormalizeWorkerName folds a display name for lookup: "Jiří Dvořák",
// "jiri-dvorak" and "JIRI_DVORAK" all become "jiri dvorak".
func NormalizeWorkerName(name string) string {
	// transformers keep state, so each call builds its own chain
	stripMarks := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(stripMarks, name)
	if err != nil {
		folded = name
	}
	folded = nameSeparators.Replace(strings.ToLower(folded))
	return strings.Join(strings.Fields(folded), " ")
}
