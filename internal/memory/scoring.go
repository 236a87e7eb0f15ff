package memory

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

// semanticWeight is the share of the blended score taken from embedding
// similarity when a store has an embedder.
const semanticWeight = 0.5

// Tokenize lowercases s and splits it into word tokens. Runs of Han, Hiragana,
// Katakana or Hangul characters have no word boundaries and are split into
// overlapping bigrams instead.
func Tokenize(s string) []string {
	var (
		tokens []string
		word   []rune
		cjk    []rune
	)
	flushWord := func() {
		if len(word) > 0 {
			tokens = append(tokens, string(word))
			word = word[:0]
		}
	}
	flushCJK := func() {
		switch {
		case len(cjk) == 1:
			tokens = append(tokens, string(cjk))
		case len(cjk) > 1:
			for i := 0; i+1 < len(cjk); i++ {
				tokens = append(tokens, string(cjk[i:i+2]))
			}
		}
		cjk = cjk[:0]
	}

	for _, r := range strings.ToLower(s) {
		switch {
		case isCJK(r):
			flushWord()
			cjk = append(cjk, r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			flushCJK()
			word = append(word, r)
		default:
			flushWord()
			flushCJK()
		}
	}
	flushWord()
	flushCJK()
	return tokens
}

func isCJK(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul)
}

// LexicalScore rates how well content matches query in [0,1]: 1 for a
// phrase match, otherwise the fraction of distinct query tokens present in
// content. An empty query scores 0.
func LexicalScore(query, content string) float64 {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return 0
	}
	c := strings.ToLower(content)
	if strings.Contains(c, q) {
		return 1
	}

	qTokens := Tokenize(q)
	if len(qTokens) == 0 {
		return 0
	}
	have := make(map[string]struct{})
	for _, t := range Tokenize(c) {
		have[t] = struct{}{}
	}
	seen := make(map[string]struct{}, len(qTokens))
	matched := 0
	for _, t := range qTokens {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		if _, ok := have[t]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(seen))
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0
// when they differ in length or either is zero.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Blend combines a lexical score with a semantic similarity. Negative
// similarity counts as none. The result is in [0,1].
func Blend(lexical, semantic float64) float64 {
	s := math.Max(semantic, 0)
	return clamp01((1-semanticWeight)*lexical + semanticWeight*s)
}

// Rank drops fragments below minScore, orders the rest by score and then
// recency, and keeps at most limit.
func Rank(frags []Fragment, limit int, minScore float64) []Fragment {
	out := make([]Fragment, 0, len(frags))
	for _, f := range frags {
		if f.Score < minScore || math.IsNaN(f.Score) {
			continue
		}
		f.Score = clamp01(f.Score)
		out = append(out, f)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func clamp01(v float64) float64 {
	return math.Min(math.Max(v, 0), 1)
}
