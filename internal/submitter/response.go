package submitter

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

type verdict int

const (
	verdictUnknown verdict = iota
	verdictAccepted
	verdictRejected
)

var successSelectors = []string{
	".success-message", ".success", ".confirmation", ".thank-you",
	".alert-success", "#success",
}

var errorSelectors = []string{
	".error-message", ".error", ".alert-danger", ".alert-error",
	".form-error", "#error",
}

var successPhrases = []string{
	"thank you", "successfully submitted", "submission received",
	"has been received", "has been submitted", "under review",
	"pending review", "will be reviewed",
}

var errorPhrases = []string{
	"already exists", "already listed", "duplicate listing",
	"submission rejected", "could not be processed", "invalid submission",
	"please correct the errors",
}

// classifyResponse reads the post-submit page for the indicators directories
// typically render. Explicit error indicators win over success phrasing; an
// indifferent page yields verdictUnknown and the HTTP status decides.
func classifyResponse(html []byte) (verdict, string) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return verdictUnknown, ""
	}

	for _, selector := range errorSelectors {
		sel := doc.Find(selector).First()
		if sel.Length() > 0 {
			if text := strings.TrimSpace(sel.Text()); text != "" {
				return verdictRejected, text
			}
		}
	}

	lower := strings.ToLower(doc.Text())
	for _, phrase := range errorPhrases {
		if strings.Contains(lower, phrase) {
			return verdictRejected, phrase
		}
	}

	for _, selector := range successSelectors {
		if doc.Find(selector).First().Length() > 0 {
			return verdictAccepted, selector
		}
	}
	for _, phrase := range successPhrases {
		if strings.Contains(lower, phrase) {
			return verdictAccepted, phrase
		}
	}
	return verdictUnknown, ""
}
