package usecase

import "github.com/kirillkom/insurance-faq-rag/internal/core/domain"

const (
	NoEvidenceMessage = "Maaf, informasi yang Anda cari tidak ditemukan dalam basis pengetahuan kami. " +
		"Silakan hubungi Customer Care AXA untuk bantuan lebih lanjut."
	DegradedMessage = "Maaf, terjadi masalah teknis. Silakan coba lagi nanti atau hubungi " +
		"Customer Care AXA untuk bantuan lebih lanjut."

	FallbackNoEvidence = "no_evidence"
	FallbackDegraded   = "degraded"
)

func noEvidenceBundle(d domain.Domain) domain.ResponseBundle {
	return domain.ResponseBundle{
		Answer:        NoEvidenceMessage,
		Domain:        d,
		CitedChunkIDs: []string{},
		Grounded:      false,
	}
}

func degradedBundle(d domain.Domain) domain.ResponseBundle {
	return domain.ResponseBundle{
		Answer:        DegradedMessage,
		Domain:        d,
		CitedChunkIDs: []string{},
		Grounded:      false,
	}
}

func cloneBundle(b domain.ResponseBundle) domain.ResponseBundle {
	ids := make([]string, len(b.CitedChunkIDs))
	copy(ids, b.CitedChunkIDs)
	b.CitedChunkIDs = ids
	return b
}
