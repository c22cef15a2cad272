package usecase

import (
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"github.com/kirillkom/insurance-faq-rag/internal/core/domain"
)

const (
	msgQueryEmpty     = "Silakan masukkan pertanyaan yang valid."
	msgQueryTooLong   = "Pertanyaan terlalu panjang. Coba ringkas kembali."
	msgQueryInjection = "Pertanyaan tidak sesuai aturan keamanan."

	defaultMaxWords = 500
)

var (
	repeatedBang     = regexp.MustCompile(`!{2,}`)
	repeatedQuestion = regexp.MustCompile(`\?{2,}`)
)

type NormalizerConfig struct {
	MaxWords         int
	InjectionPhrases []string
}

// NormalizedQuery is the canonical query text plus the injection phrases removed from it.
type NormalizedQuery struct {
	Text  string
	Flags []string
}

type Normalizer struct {
	maxWords int
	phrases  []string
}

func NewNormalizer(cfg NormalizerConfig) *Normalizer {
	maxWords := cfg.MaxWords
	if maxWords <= 0 {
		maxWords = defaultMaxWords
	}

	phrases := make([]string, 0, len(cfg.InjectionPhrases))
	seen := make(map[string]struct{}, len(cfg.InjectionPhrases))
	for _, raw := range cfg.InjectionPhrases {
		phrase := strings.Join(strings.Fields(lower(norm.NFC.String(raw))), " ")
		if phrase == "" {
			continue
		}
		if _, ok := seen[phrase]; ok {
			continue
		}
		seen[phrase] = struct{}{}
		phrases = append(phrases, phrase)
	}

	return &Normalizer{maxWords: maxWords, phrases: phrases}
}

// Normalize returns the canonical form of raw or a *domain.ValidationError.
// The output is a fixed point: normalizing it again yields the same text.
func (n *Normalizer) Normalize(raw string) (NormalizedQuery, error) {
	text := norm.NFC.String(raw)
	if strings.TrimSpace(text) == "" {
		return NormalizedQuery{}, domain.NewValidationError("empty", msgQueryEmpty)
	}

	// Every pass after the first either shrinks the text or leaves it as is.
	var flags []string
	for {
		next, stripped := n.pass(text)
		flags = appendUnique(flags, stripped...)
		if next == text {
			break
		}
		text = next
	}

	if !hasLetterOrDigit(text) {
		if len(flags) > 0 {
			slog.Warn("query_rejected_injection", "patterns", flags)
			return NormalizedQuery{}, domain.NewValidationError("injection", msgQueryInjection)
		}
		return NormalizedQuery{}, domain.NewValidationError("no_content", msgQueryEmpty)
	}
	if words := len(strings.Fields(text)); words > n.maxWords {
		return NormalizedQuery{}, domain.NewValidationError("too_long", msgQueryTooLong)
	}

	if len(flags) > 0 {
		slog.Warn("query_injection_stripped", "patterns", flags)
	}
	return NormalizedQuery{Text: text, Flags: flags}, nil
}

func (n *Normalizer) pass(s string) (string, []string) {
	s = norm.NFC.String(lower(s))

	var stripped []string
	for _, phrase := range n.phrases {
		var found bool
		if s, found = stripPhrase(s, phrase); found {
			stripped = append(stripped, phrase)
		}
	}

	s = strings.Join(strings.Fields(s), " ")
	s = repeatedBang.ReplaceAllString(s, "!")
	s = repeatedQuestion.ReplaceAllString(s, "?")
	return strings.TrimSpace(s), stripped
}

// stripPhrase blanks out every occurrence of phrase that starts and ends on a word
// boundary, so "ubah aturan" never matches inside "mengubah aturan".
func stripPhrase(s, phrase string) (string, bool) {
	if phrase == "" {
		return s, false
	}

	var b strings.Builder
	found := false
	start := 0
	for {
		i := strings.Index(s[start:], phrase)
		if i < 0 {
			break
		}
		i += start
		end := i + len(phrase)
		if wordRuneBefore(s, i) || wordRuneAt(s, end) {
			_, size := utf8.DecodeRuneInString(s[i:])
			b.WriteString(s[start : i+size])
			start = i + size
			continue
		}
		b.WriteString(s[start:i])
		b.WriteByte(' ')
		start = end
		found = true
	}
	if !found {
		return s, false
	}
	b.WriteString(s[start:])
	return b.String(), true
}

func wordRuneBefore(s string, i int) bool {
	if i <= 0 {
		return false
	}
	r, _ := utf8.DecodeLastRuneInString(s[:i])
	return isWordRune(r)
}

func wordRuneAt(s string, i int) bool {
	if i >= len(s) {
		return false
	}
	r, _ := utf8.DecodeRuneInString(s[i:])
	return isWordRune(r)
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.Is(unicode.Mn, r)
}

func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		if !slices.Contains(dst, v) {
			dst = append(dst, v)
		}
	}
	return dst
}

// cases.Caser is stateful, so each call gets its own.
func lower(s string) string {
	return cases.Lower(language.Und).String(s)
}

func hasLetterOrDigit(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}
