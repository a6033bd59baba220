package mapper

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/directorybolt/submitd/internal/pipeline"
)

// maxSnippetBytes caps the DOM snippet sent to the language model.
const maxSnippetBytes = 4096

// Mapper implements pipeline.FieldMapper: a deterministic pattern pass over
// the form DOM, with an optional AI pass for fields the patterns missed.
type Mapper struct {
	llm       pipeline.LanguageModelClient
	threshold float64
	logger    *zap.Logger
}

// New constructs a Mapper. llm may be nil, which disables the AI pass.
func New(llm pipeline.LanguageModelClient, threshold float64, logger *zap.Logger) *Mapper {
	if threshold <= 0 {
		threshold = 0.7
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mapper{llm: llm, threshold: threshold, logger: logger}
}

// control is one fillable form element observed in the DOM.
type control struct {
	tag         string
	inputType   string
	name        string
	id          string
	placeholder string
	label       string
	outerHTML   string
}

// MapForm maps canonical profile fields to selectors on the given form HTML.
// The pattern pass is deterministic; the AI pass only runs for fields still
// below the confidence threshold and never blocks the result on failure.
func (m *Mapper) MapForm(ctx context.Context, html string, opts pipeline.MapOptions) (pipeline.FormFieldMapping, error) {
	threshold := opts.ConfidenceThreshold
	if threshold <= 0 {
		threshold = m.threshold
	}

	controls, err := parseControls(html)
	if err != nil {
		return pipeline.FormFieldMapping{}, fmt.Errorf("parse form html: %w", err)
	}

	mapping := pipeline.FormFieldMapping{Fields: make(map[string]pipeline.FieldMapping)}
	matched := make(map[int]bool, len(controls))

	for _, field := range canonicalFields() {
		best := patternCandidates(field, controls)
		if len(best) == 0 {
			continue
		}
		selectors := make([]string, 0, len(best))
		for _, c := range best {
			selectors = append(selectors, c.selector)
			matched[c.index] = true
		}
		mapping.Fields[field] = pipeline.FieldMapping{
			SelectorCandidates: selectors,
			Confidence:         best[0].score,
			Source:             pipeline.SourcePattern,
		}
	}

	if m.llm != nil && !opts.DisableAI {
		m.aiPass(ctx, threshold, controls, matched, &mapping)
	}

	mapping.Confidence = overallConfidence(mapping.Fields)
	return mapping, nil
}

// aiPass asks the language model about fields still below threshold. Errors
// degrade silently to the pattern-only result.
func (m *Mapper) aiPass(
	ctx context.Context,
	threshold float64,
	controls []control,
	matched map[int]bool,
	mapping *pipeline.FormFieldMapping,
) {
	var unresolved []pipeline.FieldSpec
	for _, field := range canonicalFields() {
		if fm, ok := mapping.Fields[field]; ok && fm.Confidence >= threshold {
			continue
		}
		unresolved = append(unresolved, pipeline.FieldSpec{
			Name:        field,
			Description: fieldDescriptions[field],
			Required:    isRequired(field),
		})
	}
	if len(unresolved) == 0 {
		return
	}

	snippet := unmatchedSnippet(controls, matched)
	if snippet == "" {
		return
	}

	suggestions, err := m.llm.AnalyzeFormSemantics(ctx, snippet, unresolved)
	if err != nil {
		m.logger.Debug("ai mapping pass failed, using pattern result", zap.Error(err))
		return
	}

	for _, s := range suggestions {
		if len(s.Selectors) == 0 || s.Confidence <= 0 {
			continue
		}
		existing, ok := mapping.Fields[s.Field]
		if ok && existing.Confidence >= s.Confidence {
			continue
		}
		if _, known := fieldDescriptions[s.Field]; !known {
			continue
		}
		mapping.Fields[s.Field] = pipeline.FieldMapping{
			SelectorCandidates: s.Selectors,
			Confidence:         clamp01(s.Confidence),
			Source:             pipeline.SourceAI,
		}
	}
}

// candidate pairs a selector with its match score for one field.
type candidate struct {
	selector string
	score    float64
	index    int
}

// patternCandidates scores every control against one canonical field and
// returns candidates best-first.
func patternCandidates(field string, controls []control) []candidate {
	var out []candidate
	for i, c := range controls {
		score := scoreControl(field, c)
		if score <= 0 {
			continue
		}
		out = append(out, candidate{selector: selectorFor(c), score: score, index: i})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].score > out[j].score })
	return out
}

func scoreControl(field string, c control) float64 {
	score := matchSynonym(field, c.name)
	if s := matchSynonym(field, c.id); s > score {
		score = s
	}
	if hint, ok := inputTypeHints[c.inputType]; ok && hint == field && scoreTypeHint > score {
		score = scoreTypeHint
	}
	if s := matchText(field, c.label, scoreLabelText); s > score {
		score = s
	}
	if s := matchText(field, c.placeholder, scorePlaceholder); s > score {
		score = s
	}
	// Textareas never hold a phone number; selects never hold an email.
	if score > 0 && !tagCompatible(field, c) {
		score *= 0.5
	}
	return score
}

func tagCompatible(field string, c control) bool {
	switch c.tag {
	case "textarea":
		return field == pipeline.FieldDescription || field == pipeline.FieldAddress
	case "select":
		return field == pipeline.FieldState || field == pipeline.FieldCategory
	default:
		return true
	}
}

func selectorFor(c control) string {
	if c.id != "" {
		return "#" + c.id
	}
	return fmt.Sprintf("%s[name='%s']", c.tag, c.name)
}

func parseControls(html string) ([]control, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, err
	}

	var controls []control
	doc.Find("input, select, textarea").Each(func(_ int, sel *goquery.Selection) {
		tag := goquery.NodeName(sel)
		inputType := strings.ToLower(sel.AttrOr("type", ""))
		if tag == "input" {
			switch inputType {
			case "hidden", "submit", "button", "image", "file", "password", "checkbox", "radio":
				return
			}
			if inputType == "" {
				inputType = "text"
			}
		}
		name := sel.AttrOr("name", "")
		id := sel.AttrOr("id", "")
		if name == "" && id == "" {
			return
		}
		outer, _ := goquery.OuterHtml(sel)
		controls = append(controls, control{
			tag:         tag,
			inputType:   inputType,
			name:        name,
			id:          id,
			placeholder: sel.AttrOr("placeholder", ""),
			label:       labelFor(doc, sel, id),
			outerHTML:   outer,
		})
	})
	return controls, nil
}

// labelFor resolves the text labeling a control: an explicit label[for],
// a wrapping label element, or the aria-label attribute.
func labelFor(doc *goquery.Document, sel *goquery.Selection, id string) string {
	if id != "" {
		if text := doc.Find(fmt.Sprintf("label[for='%s']", id)).First().Text(); strings.TrimSpace(text) != "" {
			return strings.TrimSpace(text)
		}
	}
	if text := sel.Closest("label").Text(); strings.TrimSpace(text) != "" {
		return strings.TrimSpace(text)
	}
	return sel.AttrOr("aria-label", "")
}

func unmatchedSnippet(controls []control, matched map[int]bool) string {
	var b strings.Builder
	for i, c := range controls {
		if matched[i] {
			continue
		}
		if b.Len()+len(c.outerHTML) > maxSnippetBytes {
			break
		}
		b.WriteString(c.outerHTML)
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

// overallConfidence is the weighted mean over the required fields that were
// mapped. Optional fields never lower the score; a form with nothing mapped
// scores 0 and is unmappable.
func overallConfidence(fields map[string]pipeline.FieldMapping) float64 {
	var sum, weight float64
	for _, field := range pipeline.RequiredFields {
		fm, ok := fields[field]
		if !ok {
			continue
		}
		w := fieldWeights[field]
		if w == 0 {
			w = 1
		}
		sum += fm.Confidence * w
		weight += w
	}
	if weight == 0 {
		return 0
	}
	return sum / weight
}

func canonicalFields() []string {
	return []string{
		pipeline.FieldBusinessName,
		pipeline.FieldEmail,
		pipeline.FieldPhone,
		pipeline.FieldWebsite,
		pipeline.FieldAddress,
		pipeline.FieldCity,
		pipeline.FieldState,
		pipeline.FieldZip,
		pipeline.FieldDescription,
		pipeline.FieldCategory,
	}
}

func isRequired(field string) bool {
	for _, f := range pipeline.RequiredFields {
		if f == field {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
