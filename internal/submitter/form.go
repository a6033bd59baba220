package submitter

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/directorybolt/submitd/internal/pipeline"
)

// resolvedForm is the live form with mapped controls located on the page.
type resolvedForm struct {
	Action string
	Method string
	// canonical field name -> form input name
	Inputs map[string]string
	// hidden inputs carried through unchanged (CSRF tokens and the like)
	Hidden url.Values
}

// resolveForm walks the mapping's selector candidates against the fetched
// page. The first candidate that matches an element with a name attribute
// wins; remaining candidates exist for exactly this moment, when the page
// drifted since mapping time.
func resolveForm(doc *goquery.Document, pageURL string, mapping pipeline.FormFieldMapping) (*resolvedForm, error) {
	form := &resolvedForm{
		Method: "POST",
		Inputs: map[string]string{},
		Hidden: url.Values{},
	}

	var container *goquery.Selection
	for field, fm := range mapping.Fields {
		for _, selector := range fm.SelectorCandidates {
			el := doc.Find(selector).First()
			if el.Length() == 0 {
				continue
			}
			name, ok := el.Attr("name")
			if !ok || name == "" {
				continue
			}
			form.Inputs[field] = name
			if container == nil {
				container = el.Closest("form")
			}
			break
		}
	}
	if len(form.Inputs) == 0 {
		return nil, &pipeline.SubmissionError{
			Code: pipeline.CodeValidation,
			Err:  fmt.Errorf("no mapped selector matched the live page"),
		}
	}

	if container != nil && container.Length() > 0 {
		if action, ok := container.Attr("action"); ok && action != "" {
			resolved, err := resolveAction(pageURL, action)
			if err != nil {
				return nil, &pipeline.SubmissionError{Code: pipeline.CodeValidation, Err: err}
			}
			form.Action = resolved
		}
		if method, ok := container.Attr("method"); ok && method != "" {
			form.Method = strings.ToUpper(method)
		}
		container.Find("input[type='hidden']").Each(func(_ int, sel *goquery.Selection) {
			name, _ := sel.Attr("name")
			if name == "" {
				return
			}
			value, _ := sel.Attr("value")
			form.Hidden.Set(name, value)
		})
	}
	if form.Action == "" {
		form.Action = pageURL
	}
	return form, nil
}

func resolveAction(pageURL, action string) (string, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("parse page url: %w", err)
	}
	ref, err := url.Parse(action)
	if err != nil {
		return "", fmt.Errorf("parse form action: %w", err)
	}
	return base.ResolveReference(ref).String(), nil
}

// fillValues builds the post body: hidden inputs first, then profile values
// for each resolved field. Empty profile values are omitted rather than sent
// as blanks.
func fillValues(form *resolvedForm, profile pipeline.BusinessProfile) (url.Values, int) {
	values := url.Values{}
	for name, hidden := range form.Hidden {
		for _, v := range hidden {
			values.Add(name, v)
		}
	}

	fields := make([]string, 0, len(form.Inputs))
	for field := range form.Inputs {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	filled := 0
	for _, field := range fields {
		value := profile.Field(field)
		if value == "" {
			continue
		}
		values.Set(form.Inputs[field], value)
		filled++
	}
	return values, filled
}
