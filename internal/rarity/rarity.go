// Package rarity builds a collection's trait histogram and ranks its
// tokens by summed trait rarity.
package rarity

import (
	"math"
	"sort"

	"github.com/johnkcr/collection-service/internal/models"
)

// Aggregate counts every attribute of every token. Percentages are
// relative to the number of tokens, rounded to two decimals. A value's
// rarity score is the inverse of its exact frequency.
func Aggregate(tokens []models.Token) models.Attributes {
	attrs := make(models.Attributes)
	n := float64(len(tokens))
	if n == 0 {
		return attrs
	}

	for _, tok := range tokens {
		if tok.Metadata == nil {
			continue
		}
		for _, a := range tok.Metadata.Attributes {
			typeKey, valueKey := a.TypeKey(), a.ValueKey()
			tt, ok := attrs[typeKey]
			if !ok {
				tt = &models.TraitType{DisplayType: a.DisplayType, Values: make(map[string]*models.TraitValue)}
				attrs[typeKey] = tt
			}
			tv, ok := tt.Values[valueKey]
			if !ok {
				tv = &models.TraitValue{}
				tt.Values[valueKey] = tv
			}
			tt.Count++
			tv.Count++
		}
	}

	for _, tt := range attrs {
		tt.Percent = round2(float64(tt.Count) / n * 100)
		for _, tv := range tt.Values {
			tv.Percent = round2(float64(tv.Count) / n * 100)
			tv.RarityScore = n / float64(tv.Count)
		}
	}
	return attrs
}

// Ranked is a token's rarity result.
type Ranked struct {
	TokenID string
	Score   float64
	Rank    int
}

// Rank scores every token as the sum of its attribute rarity scores and
// ranks them by descending score starting at 1. Equal scores keep their
// input order.
func Rank(tokens []models.Token, attrs models.Attributes) []Ranked {
	out := make([]Ranked, len(tokens))
	for i, tok := range tokens {
		out[i] = Ranked{TokenID: tok.TokenID, Score: Score(tok, attrs)}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

// Score sums the rarity scores of the token's attributes. Attributes
// missing from the histogram contribute nothing.
func Score(tok models.Token, attrs models.Attributes) float64 {
	if tok.Metadata == nil {
		return 0
	}
	var sum float64
	for _, a := range tok.Metadata.Attributes {
		tt, ok := attrs[a.TypeKey()]
		if !ok {
			continue
		}
		if tv, ok := tt.Values[a.ValueKey()]; ok {
			sum += tv.RarityScore
		}
	}
	return sum
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
