package match

import (
	"math"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

// Scorer rates the similarity of two strings on a 0–100 scale.
type Scorer func(query, candidate string) int

// TokenScore is a weighted ratio in the style of fuzzywuzzy's WRatio: plain
// edit-distance ratio, token sort and token set ratios for similar lengths,
// and a scaled partial ratio when one string is much longer than the other.
// Identical strings after normalization score 100.
func TokenScore(query, candidate string) int {
	a, b := Normalize(query), Normalize(candidate)
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 100
	}

	best := float64(ratio(a, b))
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	lenRatio := float64(max(la, lb)) / float64(min(la, lb))

	tokens := float64(max(tokenSortRatio(a, b), tokenSetRatio(a, b)))
	if lenRatio < 1.5 {
		best = math.Max(best, tokens*0.95)
		return int(math.Round(best))
	}

	scale := 0.9
	if lenRatio >= 8 {
		scale = 0.6
	}
	best = math.Max(best, float64(partialRatio(a, b))*scale)
	best = math.Max(best, tokens*0.95*scale)
	return int(math.Round(best))
}

// Normalize lowercases s, turns everything that is not a letter or digit into
// a separator and collapses whitespace.
func Normalize(s string) string {
	mapped := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, s)
	return strings.Join(strings.Fields(mapped), " ")
}

func ratio(a, b string) int {
	if a == "" && b == "" {
		return 100
	}
	longest := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if longest == 0 {
		return 0
	}
	dist := levenshtein.ComputeDistance(a, b)
	return int(math.Round(100 * (1 - float64(dist)/float64(longest))))
}

func partialRatio(a, b string) int {
	short, long := []rune(a), []rune(b)
	if len(short) > len(long) {
		short, long = long, short
	}
	if len(short) == 0 {
		return 0
	}
	s := string(short)
	best := 0
	for i := 0; i+len(short) <= len(long); i++ {
		if r := ratio(s, string(long[i:i+len(short)])); r > best {
			best = r
			if best == 100 {
				break
			}
		}
	}
	return best
}

func sortedTokens(s string) []string {
	tokens := strings.Fields(s)
	sort.Strings(tokens)
	return tokens
}

func tokenSortRatio(a, b string) int {
	return ratio(strings.Join(sortedTokens(a), " "), strings.Join(sortedTokens(b), " "))
}

func tokenSetRatio(a, b string) int {
	setA := make(map[string]bool)
	for _, t := range strings.Fields(a) {
		setA[t] = true
	}
	setB := make(map[string]bool)
	for _, t := range strings.Fields(b) {
		setB[t] = true
	}

	var common, onlyA, onlyB []string
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

	sect := strings.Join(common, " ")
	combinedA := strings.TrimSpace(sect + " " + strings.Join(onlyA, " "))
	combinedB := strings.TrimSpace(sect + " " + strings.Join(onlyB, " "))

	best := ratio(combinedA, combinedB)
	if sect != "" {
		best = max(best, ratio(sect, combinedA), ratio(sect, combinedB))
	}
	return best
}
