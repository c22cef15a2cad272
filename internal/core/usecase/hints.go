package usecase

import (
	"strings"

	"github.com/kirillkom/insurance-faq-rag/internal/core/domain"
)

var queryStopwords = toTokenSet([]string{
	"apa", "itu", "yang", "dan", "atau", "di", "ke", "dari", "untuk", "dengan", "pada",
	"bagaimana", "saya", "aku", "ini", "adalah", "apakah", "bisa", "dapat", "mengenai",
	"tentang", "tolong", "jelaskan", "ada", "saja", "mau", "ingin", "the", "a", "an",
	"is", "what", "how", "of", "to",
})

// QueryHints are the metadata values and content terms detected in a normalized query.
type QueryHints struct {
	Phrase string
	Fields map[domain.MetadataField][]string
	Terms  map[string]struct{}
}

// HintExtractor matches a normalized query against a per-field vocabulary.
type HintExtractor struct {
	vocab map[domain.MetadataField][]string
}

func NewHintExtractor(vocab map[domain.MetadataField][]string) *HintExtractor {
	out := make(map[domain.MetadataField][]string, len(vocab))
	for field, terms := range vocab {
		seen := make(map[string]struct{}, len(terms))
		for _, term := range terms {
			phrase := tokenPhrase(term)
			if phrase == "" {
				continue
			}
			if _, ok := seen[phrase]; ok {
				continue
			}
			seen[phrase] = struct{}{}
			out[field] = append(out[field], phrase)
		}
	}
	return &HintExtractor{vocab: out}
}

func (h *HintExtractor) Extract(query string) QueryHints {
	tokens := splitWordsLower(query)
	hints := QueryHints{
		Phrase: strings.Join(tokens, " "),
		Fields: make(map[domain.MetadataField][]string),
		Terms:  make(map[string]struct{}, len(tokens)),
	}
	for _, token := range tokens {
		if _, stop := queryStopwords[token]; stop {
			continue
		}
		hints.Terms[token] = struct{}{}
	}

	for _, field := range domain.MetadataFields() {
		for _, term := range h.vocab[field] {
			if containsPhrase(hints.Phrase, term) {
				hints.Fields[field] = append(hints.Fields[field], term)
			}
		}
	}
	return hints
}
