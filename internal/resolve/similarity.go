package resolve

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// NameSimilarity scores two display names on [0,100]. It takes the best of
// the plain, token-sorted, token-set and partial ratios, with the partial
// variants scaled down as the length imbalance grows.
func NameSimilarity(a, b string) float64 {
	p1, p2 := preprocess(a), preprocess(b)
	if p1 == "" || p2 == "" {
		return 0
	}
	if p1 == p2 {
		return 100
	}

	best := ratio(p1, p2)

	l1, l2 := utf8.RuneCountInString(p1), utf8.RuneCountInString(p2)
	lenRatio := float64(max(l1, l2)) / float64(min(l1, l2))

	if lenRatio < 1.5 {
		best = max(best, tokenSortRatio(p1, p2)*0.95, tokenSetRatio(p1, p2)*0.95)
		return round2(best)
	}

	partialScale := 0.9
	if lenRatio >= 8 {
		partialScale = 0.6
	}
	best = max(best,
		partialRatio(p1, p2)*partialScale,
		partialTokenSortRatio(p1, p2)*0.95*partialScale,
		partialTokenSetRatio(p1, p2)*0.95*partialScale,
	)
	return round2(best)
}

var foldAccents = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// preprocess folds accents, lower-cases and replaces every
// non-alphanumeric rune with a single space.
func preprocess(s string) string {
	folded, _, err := transform.String(foldAccents, s)
	if err != nil {
		folded = s
	}
	var b strings.Builder
	for _, r := range strings.ToLower(folded) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// ratio is the normalized indel similarity 100*(1 - indel/(la+lb)), where
// indel counts the insertions and deletions turning a into b. That equals
// 200*lcs/(la+lb).
func ratio(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	total := len(ra) + len(rb)
	if total == 0 {
		return 100
	}
	indel := total - 2*lcs(ra, rb)
	return 100 * (1 - float64(indel)/float64(total))
}

// lcs returns the length of the longest common subsequence of a and b.
func lcs(a, b []rune) int {
	if len(a) < len(b) {
		a, b = b, a
	}
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			switch {
			case a[i-1] == b[j-1]:
				cur[j] = prev[j-1] + 1
			case prev[j] >= cur[j-1]:
				cur[j] = prev[j]
			default:
				cur[j] = cur[j-1]
			}
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

// partialRatio is the best ratio of the shorter string against every
// equally long window of the longer one.
func partialRatio(a, b string) float64 {
	short, long := []rune(a), []rune(b)
	if len(short) > len(long) {
		short, long = long, short
	}
	if len(short) == 0 {
		return 0
	}
	s := string(short)
	best := 0.0
	for i := 0; i+len(short) <= len(long); i++ {
		r := ratio(s, string(long[i:i+len(short)]))
		if r > best {
			best = r
			if best == 100 {
				break
			}
		}
	}
	return best
}

func sortedTokens(s string) []string {
	toks := strings.Fields(s)
	sort.Strings(toks)
	return toks
}

func tokenSortRatio(a, b string) float64 {
	return ratio(strings.Join(sortedTokens(a), " "), strings.Join(sortedTokens(b), " "))
}

func partialTokenSortRatio(a, b string) float64 {
	return partialRatio(strings.Join(sortedTokens(a), " "), strings.Join(sortedTokens(b), " "))
}

// tokenSplit returns the sorted intersection and the two sorted differences.
func tokenSplit(a, b string) (common, onlyA, onlyB []string) {
	setA := make(map[string]bool)
	for _, t := range strings.Fields(a) {
		setA[t] = true
	}
	setB := make(map[string]bool)
	for _, t := range strings.Fields(b) {
		setB[t] = true
	}
	for t := range setA {
		if setB[t] {
			common = append(common, t)
		} else {
			onlyA = append(onlyA, t)
		}
	}
	for t := range setB {
		if !setA[t] {
			onlyB = append(onlyB, t)
		}
	}
	sort.Strings(common)
	sort.Strings(onlyA)
	sort.Strings(onlyB)
	return common, onlyA, onlyB
}

func tokenSetRatio(a, b string) float64 {
	common, onlyA, onlyB := tokenSplit(a, b)
	if len(common) > 0 && (len(onlyA) == 0 || len(onlyB) == 0) {
		return 100
	}

	t0 := strings.Join(common, " ")
	t1 := strings.TrimSpace(t0 + " " + strings.Join(onlyA, " "))
	t2 := strings.TrimSpace(t0 + " " + strings.Join(onlyB, " "))

	best := ratio(t1, t2)
	if t0 != "" {
		best = max(best, ratio(t0, t1), ratio(t0, t2))
	}
	return best
}

func partialTokenSetRatio(a, b string) float64 {
	common, onlyA, onlyB := tokenSplit(a, b)
	if len(common) > 0 {
		return 100
	}
	return partialRatio(strings.Join(onlyA, " "), strings.Join(onlyB, " "))
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}
