package ollama

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/kirillkom/insurance-faq-rag/internal/core/domain"
)

var (
	citationMarker = regexp.MustCompile(`\[(\d{1,2})\]`)
	markerWithLead = regexp.MustCompile(`[ \t]*\[\d{1,2}\]`)
)

func buildAnswerPrompt(question string, d domain.Domain, results []domain.RankedResult) string {
	var contextBuilder strings.Builder
	for idx, r := range results {
		contextBuilder.WriteString(fmt.Sprintf("[%d] id=%s", idx+1, r.Chunk.ID))
		if product := r.Chunk.Meta(domain.FieldProductName); product != "" {
			contextBuilder.WriteString(" produk=" + product)
		}
		if topic := r.Chunk.Meta(domain.FieldCategoryTopic); topic != "" {
			contextBuilder.WriteString(" topik=" + topic)
		}
		contextBuilder.WriteString(fmt.Sprintf(" skor=%.3f\n%s\n\n", r.Score, r.Chunk.Text))
	}

	return fmt.Sprintf(`Anda adalah asisten layanan pelanggan AXA untuk domain %s.
Jawab pertanyaan hanya berdasarkan konteks di bawah, dalam Bahasa Indonesia yang sopan dan ringkas.
Cantumkan nomor sumber yang Anda gunakan dalam format [1], [2].
Jika konteks tidak cukup, katakan dengan jelas bahwa informasinya tidak tersedia.

Pertanyaan:
%s

Konteks:
%s`, d, question, contextBuilder.String())
}

// parseCitations maps [n] markers in the generated text to chunk ids. Without any
// valid marker every passage in the context is cited.
func parseCitations(text string, results []domain.RankedResult) []string {
	seen := make(map[int]struct{}, len(results))
	out := make([]string, 0, len(results))
	for _, m := range citationMarker.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > len(results) {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, results[n-1].Chunk.ID)
	}
	if len(out) > 0 {
		return out
	}
	for _, r := range results {
		out = append(out, r.Chunk.ID)
	}
	return out
}

func stripCitationMarkers(text string) string {
	return strings.TrimSpace(markerWithLead.ReplaceAllString(text, ""))
}
