// Package mapper turns raw submission-form markup into canonical field
// mappings.
package mapper

import (
	"strings"

	"github.com/directorybolt/submitd/internal/pipeline"
)

// fieldSynonyms maps each canonical profile field to the attribute values
// directories actually use for it. Built up from observed submission forms;
// exact attribute matches score higher than substring hits.
var fieldSynonyms = map[string][]string{
	pipeline.FieldBusinessName: {
		"business_name", "business-name", "businessname",
		"company_name", "company-name", "companyname", "company",
		"name", "practice_name", "listing_name",
	},
	pipeline.FieldEmail: {
		"email", "email_address", "e-mail", "contact_email",
	},
	pipeline.FieldPhone: {
		"phone", "telephone", "tel", "phone_number", "contact_phone",
	},
	pipeline.FieldWebsite: {
		"website", "url", "web", "site", "website_url", "homepage",
	},
	pipeline.FieldAddress: {
		"address", "street", "address1", "address_1", "street_address",
	},
	pipeline.FieldCity: {
		"city", "town", "locality",
	},
	pipeline.FieldState: {
		"state", "province", "region",
	},
	pipeline.FieldZip: {
		"zip", "zipcode", "zip_code", "postal_code", "postcode",
	},
	pipeline.FieldDescription: {
		"description", "about", "bio", "summary", "business_description",
	},
	pipeline.FieldCategory: {
		"category", "business_category", "primary_category", "industry", "type",
	},
}

// inputTypeHints maps HTML input types to the canonical field they imply.
var inputTypeHints = map[string]string{
	"email": pipeline.FieldEmail,
	"tel":   pipeline.FieldPhone,
	"url":   pipeline.FieldWebsite,
}

// fieldWeights drive the overall-confidence weighted mean over required
// fields. The business name anchors a listing, so it weighs double.
var fieldWeights = map[string]float64{
	pipeline.FieldBusinessName: 2,
	pipeline.FieldAddress:      1,
	pipeline.FieldCity:         1,
	pipeline.FieldPhone:        1,
	pipeline.FieldEmail:        1,
}

// fieldDescriptions are the semantic descriptions handed to the language
// model for fields the pattern pass could not resolve.
var fieldDescriptions = map[string]string{
	pipeline.FieldBusinessName: "the legal or trading name of the business being listed",
	pipeline.FieldEmail:        "the contact email address for the business",
	pipeline.FieldPhone:        "the business telephone number",
	pipeline.FieldWebsite:      "the business website URL",
	pipeline.FieldAddress:      "the street address line of the business",
	pipeline.FieldCity:         "the city or town of the business address",
	pipeline.FieldState:        "the state, province or region of the business address",
	pipeline.FieldZip:          "the postal or ZIP code of the business address",
	pipeline.FieldDescription:  "a free-text description of the business",
	pipeline.FieldCategory:     "the business category or industry classification",
}

// Match specificity scores. Exact attribute name beats placeholder substring
// beats fuzzy containment.
const (
	scoreExactAttr   = 0.95
	scoreTypeHint    = 0.90
	scoreLabelText   = 0.85
	scorePlaceholder = 0.75
	scoreFuzzy       = 0.60
)

// normalizeAttr lowercases and strips separators so "Company-Name",
// "company_name" and "companyName" compare equal.
func normalizeAttr(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Map(func(r rune) rune {
		switch r {
		case '-', '_', ' ':
			return -1
		}
		return r
	}, s)
}

// matchSynonym returns the score of the best synonym hit for the canonical
// field against an attribute value, or 0.
func matchSynonym(field, attr string) float64 {
	if attr == "" {
		return 0
	}
	norm := normalizeAttr(attr)
	for _, syn := range fieldSynonyms[field] {
		synNorm := normalizeAttr(syn)
		if norm == synNorm {
			return scoreExactAttr
		}
	}
	for _, syn := range fieldSynonyms[field] {
		synNorm := normalizeAttr(syn)
		if len(synNorm) >= 4 && strings.Contains(norm, synNorm) {
			return scoreFuzzy
		}
	}
	return 0
}

// matchText scores label/placeholder text against the canonical field's
// synonyms at the given base score.
func matchText(field, text string, base float64) float64 {
	if text == "" {
		return 0
	}
	norm := normalizeAttr(text)
	for _, syn := range fieldSynonyms[field] {
		if strings.Contains(norm, normalizeAttr(syn)) {
			return base
		}
	}
	return 0
}
