package matching

import (
	"sort"
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"
	"golang.org/x/text/unicode/norm"
)

// abbreviations common in extracted statement line items.
var abbreviations = map[string]string{
	"accum": "accumulated", "acc": "accumulated", "a/d": "accumulated depreciation",
	"dep": "depreciation", "depr": "depreciation", "deprec": "depreciation",
	"amort": "amortization", "exp": "expense", "exps": "expenses",
	"int": "interest", "pmt": "payment", "pymt": "payment",
	"bal": "balance", "prin": "principal", "mtg": "mortgage",
	"ins": "insurance", "maint": "maintenance", "r&m": "repairs maintenance",
	"rev": "revenue", "inc": "income", "util": "utilities",
	"prop": "property", "tax": "taxes", "noi": "net operating income",
}

var stopwords = map[string]bool{"and": true, "the": true, "of": true, "for": true, "&": true, "total": true}

// NormalizeName lower-cases an account name, strips diacritics and
// punctuation, expands abbreviations and drops filler words.
func NormalizeName(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	if s == "" {
		return s
	}

	var b strings.Builder
	for _, r := range norm.NFD.String(s) {
		switch {
		case unicode.Is(unicode.Mn, r):
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '&' || r == '/':
			b.WriteRune(r)
		default:
			b.WriteByte(' ')
		}
	}

	var words []string
	for _, w := range strings.Fields(b.String()) {
		if exp, ok := abbreviations[w]; ok {
			w = exp
		}
		for _, part := range strings.Fields(strings.ReplaceAll(w, "/", " ")) {
			if !stopwords[part] {
				words = append(words, part)
			}
		}
	}
	return strings.Join(words, " ")
}

// Similarity scores two account names in [0,1]: the better of plain and
// token-sorted normalized edit-distance ratios.
func Similarity(a, b string) float64 {
	na, nb := NormalizeName(a), NormalizeName(b)
	if na == "" && nb == "" {
		return 0
	}
	best := ratio(na, nb)
	if s := ratio(tokenSort(na), tokenSort(nb)); s > best {
		best = s
	}
	return best
}

func ratio(a, b string) float64 {
	if a == b {
		return 1
	}
	maxLen := len([]rune(a))
	if n := len([]rune(b)); n > maxLen {
		maxLen = n
	}
	if maxLen == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(maxLen)
}

func tokenSort(s string) string {
	f := strings.Fields(s)
	sort.Strings(f)
	return strings.Join(f, " ")
}
