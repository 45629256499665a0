package summarize

import (
	"context"
	"sort"
	"strings"
	"unicode"
)

const (
	// DefaultSentenceCount is the number of sentences kept per summary.
	DefaultSentenceCount = 3
	// MinTextChars is the shortest transcript worth summarizing.
	MinTextChars = 50
)

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "but": {},
	"by": {}, "for": {}, "from": {}, "had": {}, "has": {}, "have": {}, "he": {},
	"her": {}, "his": {}, "i": {}, "if": {}, "in": {}, "into": {}, "is": {}, "it": {},
	"its": {}, "me": {}, "my": {}, "no": {}, "not": {}, "of": {}, "on": {}, "or": {},
	"our": {}, "she": {}, "so": {}, "that": {}, "the": {}, "their": {}, "them": {},
	"then": {}, "there": {}, "they": {}, "this": {}, "to": {}, "was": {}, "we": {},
	"were": {}, "what": {}, "when": {}, "which": {}, "who": {}, "will": {}, "with": {},
	"would": {}, "you": {}, "your": {}, "um": {}, "uh": {}, "okay": {}, "yeah": {},
}

// Extractive picks the highest scoring sentences by word frequency and
// returns them in transcript order. It never calls out of process.
type Extractive struct {
	SentenceCount int
}

// NewExtractive returns an Extractive keeping n sentences.
func NewExtractive(n int) *Extractive {
	if n <= 0 {
		n = DefaultSentenceCount
	}
	return &Extractive{SentenceCount: n}
}

// Name implements Summarizer.
func (e *Extractive) Name() string { return "extractive" }

// Summarize implements Summarizer.
func (e *Extractive) Summarize(_ context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if len(text) < MinTextChars {
		return "", nil
	}

	n := e.SentenceCount
	if n <= 0 {
		n = DefaultSentenceCount
	}

	sentences := splitSentences(text)
	if len(sentences) <= n {
		return strings.Join(sentences, " "), nil
	}

	freq := make(map[string]int)
	tokenized := make([][]string, len(sentences))
	for i, s := range sentences {
		tokenized[i] = contentWords(s)
		for _, w := range tokenized[i] {
			freq[w]++
		}
	}
	if len(freq) == 0 {
		return firstSentences(sentences, n), nil
	}

	type scored struct {
		idx   int
		score float64
	}
	ranked := make([]scored, 0, len(sentences))
	for i, words := range tokenized {
		if len(words) == 0 {
			ranked = append(ranked, scored{idx: i})
			continue
		}
		total := 0
		for _, w := range words {
			total += freq[w]
		}
		ranked = append(ranked, scored{idx: i, score: float64(total) / float64(len(words))})
	}
	sort.SliceStable(ranked, func(a, b int) bool { return ranked[a].score > ranked[b].score })

	picked := ranked[:n]
	sort.Slice(picked, func(a, b int) bool { return picked[a].idx < picked[b].idx })

	out := make([]string, 0, n)
	for _, p := range picked {
		out = append(out, sentences[p.idx])
	}
	return strings.Join(out, " "), nil
}

// splitSentences breaks text on terminal punctuation. Recognizer output
// without punctuation comes back as a single sentence.
func splitSentences(text string) []string {
	var sentences []string
	start := 0
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' {
			if s := strings.TrimSpace(text[start : i+1]); len(s) > 1 {
				sentences = append(sentences, s)
			}
			start = i + 1
		}
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

func contentWords(sentence string) []string {
	fields := strings.FieldsFunc(strings.ToLower(sentence), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	words := fields[:0]
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		if _, stop := stopWords[f]; stop {
			continue
		}
		words = append(words, f)
	}
	return words
}

func firstSentences(sentences []string, n int) string {
	if len(sentences) > n {
		sentences = sentences[:n]
	}
	return strings.Join(sentences, " ")
}
