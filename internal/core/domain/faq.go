package domain

import (
	"fmt"
	"strings"
	"time"
)

// Domain is the closed set of corpus partitions a query can be routed to.
type Domain string

const (
	DomainProductSales      Domain = "PRODUCT_SALES"
	DomainCustomerCorporate Domain = "CUSTOMER_CORPORATE"

	// DomainUnknown is the router sentinel for low-confidence queries. It is never a partition.
	DomainUnknown Domain = "unknown"
)

// KnownDomains lists every partition in declaration order.
func KnownDomains() []Domain {
	return []Domain{DomainProductSales, DomainCustomerCorporate}
}

func (d Domain) IsKnown() bool {
	switch d {
	case DomainProductSales, DomainCustomerCorporate:
		return true
	default:
		return false
	}
}

func (d Domain) String() string { return string(d) }

// ParseDomain accepts the canonical tags case-insensitively. "unknown" parses to DomainUnknown.
func ParseDomain(raw string) (Domain, error) {
	v := strings.ToUpper(strings.TrimSpace(raw))
	switch v {
	case string(DomainProductSales):
		return DomainProductSales, nil
	case string(DomainCustomerCorporate):
		return DomainCustomerCorporate, nil
	case "UNKNOWN":
		return DomainUnknown, nil
	default:
		return DomainUnknown, WrapError(ErrDomainNotFound, "parse domain", fmt.Errorf("domain=%q", raw))
	}
}

// MetadataField is the closed schema of optional chunk metadata.
type MetadataField string

const (
	FieldCategoryTopic    MetadataField = "category_topic"
	FieldProductName      MetadataField = "product_name"
	FieldInsuranceType    MetadataField = "insurance_type"
	FieldTopicFocus       MetadataField = "topic_focus"
	FieldCoverageKeyword  MetadataField = "coverage_keyword"
	FieldActionType       MetadataField = "action_type"
	FieldEntity           MetadataField = "entity"
	FieldSource           MetadataField = "source"
	FieldDocType          MetadataField = "doc_type"
	FieldQuestionOriginal MetadataField = "question_original"
)

func MetadataFields() []MetadataField {
	return []MetadataField{
		FieldCategoryTopic,
		FieldProductName,
		FieldInsuranceType,
		FieldTopicFocus,
		FieldCoverageKeyword,
		FieldActionType,
		FieldEntity,
		FieldSource,
		FieldDocType,
		FieldQuestionOriginal,
	}
}

func ParseMetadataField(raw string) (MetadataField, bool) {
	f := MetadataField(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range MetadataFields() {
		if f == known {
			return f, true
		}
	}
	return "", false
}

// Chunk is an immutable knowledge unit owned by the partition of its Domain.
type Chunk struct {
	ID       string                   `json:"id"`
	Text     string                   `json:"text"`
	Domain   Domain                   `json:"domain"`
	Metadata map[MetadataField]string `json:"metadata,omitempty"`
}

func (c Chunk) Meta(field MetadataField) string {
	if c.Metadata == nil {
		return ""
	}
	return c.Metadata[field]
}

// Query lives for a single request.
type Query struct {
	Raw        string
	Normalized string
	Domain     Domain
	ReceivedAt time.Time
}

// Candidate is one hit of a single partition search. Rank is zero-based.
type Candidate struct {
	Chunk      Chunk   `json:"chunk"`
	Similarity float64 `json:"similarity"`
	Rank       int     `json:"rank"`
}

// RankedResult is a candidate after re-ranking.
type RankedResult struct {
	Chunk      Chunk    `json:"chunk"`
	Score      float64  `json:"score"`
	Similarity float64  `json:"similarity"`
	Rank       int      `json:"rank"`
	Reasons    []string `json:"reasons,omitempty"`
}

// RouteDecision is the router output for one query.
type RouteDecision struct {
	Domain     Domain             `json:"domain"`
	Confidence float64            `json:"confidence"`
	Scores     map[Domain]float64 `json:"scores,omitempty"`
}
