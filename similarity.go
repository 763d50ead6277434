package linkage

import (
	"math"
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

// nameSimilarity scores how closely a knowledge base label matches a mention:
// 1.0 for a case-insensitive exact match, 0.8 when one contains the other,
// otherwise word-level Jaccard similarity.
func nameSimilarity(mention, name string) float64 {
	m := strings.ToLower(strings.TrimSpace(mention))
	n := strings.ToLower(strings.TrimSpace(name))
	switch {
	case m == n:
		return 1.0
	case m != "" && n != "" && (strings.Contains(n, m) || strings.Contains(m, n)):
		return 0.8
	}
	mw, nw := strings.Fields(m), strings.Fields(n)
	if len(mw) == 0 || len(nw) == 0 {
		return 0.1
	}
	return jaccard(mw, nw)
}

// charSimilarity is nameSimilarity with normalized edit distance as the last
// resort: 1 - distance/longer length, counted in runes.
func charSimilarity(mention, name string) float64 {
	m := strings.ToLower(strings.TrimSpace(mention))
	n := strings.ToLower(strings.TrimSpace(name))
	switch {
	case m == n:
		return 1.0
	case m != "" && n != "" && (strings.Contains(n, m) || strings.Contains(m, n)):
		return 0.8
	}
	if m == "" || n == "" {
		return 0
	}
	longer := max(utf8.RuneCountInString(m), utf8.RuneCountInString(n))
	return 1 - float64(levenshtein.ComputeDistance(m, n))/float64(longer)
}

func jaccard(a, b []string) float64 {
	set := make(map[string]uint8, len(a)+len(b))
	for _, x := range a {
		set[x] |= 1
	}
	for _, x := range b {
		set[x] |= 2
	}
	var inter int
	for _, v := range set {
		if v == 3 {
			inter++
		}
	}
	if len(set) == 0 {
		return 0
	}
	return float64(inter) / float64(len(set))
}

// relatedTypes lists knowledge base type names that count as compatible with a column type.
var relatedTypes = map[ColumnType][]string{
	ColumnPerson:       {"HUMAN", "INDIVIDUAL", "PEOPLE", "PERSON"},
	ColumnLocation:     {"PLACE", "GEOGRAPHICAL", "CITY", "COUNTRY", "LOCATION", "SETTLEMENT"},
	ColumnOrganization: {"COMPANY", "INSTITUTION", "CORP", "ORGANISATION", "ORGANIZATION"},
	ColumnWork:         {"WORK", "FILM", "BOOK", "ALBUM", "SONG", "PAINTING"},
	ColumnEvent:        {"EVENT", "COMPETITION", "BATTLE", "ELECTION", "FESTIVAL"},
}

// typeCompatibility scores a candidate's types against the column type.
func typeCompatibility(types []string, ct ColumnType) float64 {
	if len(types) == 0 {
		return 0.3
	}
	for _, t := range types {
		if strings.EqualFold(t, string(ct)) {
			return 1.0
		}
	}
	for _, t := range types {
		upper := strings.ToUpper(t)
		for _, related := range relatedTypes[ct] {
			if strings.Contains(upper, related) {
				return 0.8
			}
		}
	}
	return 0.5
}

// lexicalScore combines name similarity, type compatibility, the gateway's raw
// score and popularity with weights 0.3, 0.2, 0.3 and 0.2.
func lexicalScore(mention string, c Candidate, ct ColumnType) float64 {
	score := 0.3*charSimilarity(mention, c.Name) +
		0.2*typeCompatibility(c.Types, ct) +
		0.3*clamp01(c.RawScore) +
		0.2*clamp01(c.Popularity)
	return clamp01(score)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
