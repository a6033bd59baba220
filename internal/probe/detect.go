package probe

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/directorybolt/submitd/internal/pipeline"
)

// Input types that count toward the fillable field total.
var fillableTypes = map[string]bool{
	"": true, "text": true, "email": true, "tel": true, "url": true,
	"number": true, "search": true,
}

type pageAnalysis struct {
	Challenge       *pipeline.CaptchaChallenge
	FieldCount      int
	LikelyMultiStep bool
	RequiresLogin   bool
}

// analyzePage inspects submission-page markup for fillable fields, CAPTCHA
// widgets, and hints that the form spans multiple steps.
func analyzePage(doc *goquery.Document, pageURL string) pageAnalysis {
	analysis := pageAnalysis{
		Challenge:       detectChallenge(doc, pageURL),
		FieldCount:      countFields(doc),
		LikelyMultiStep: detectMultiStep(doc),
		RequiresLogin:   detectLoginWall(doc),
	}
	return analysis
}

func countFields(doc *goquery.Document) int {
	count := 0
	doc.Find("form input, form select, form textarea").Each(func(_ int, sel *goquery.Selection) {
		if goquery.NodeName(sel) == "input" {
			typ, _ := sel.Attr("type")
			if !fillableTypes[strings.ToLower(typ)] {
				return
			}
		}
		count++
	})
	return count
}

func detectChallenge(doc *goquery.Document, pageURL string) *pipeline.CaptchaChallenge {
	if sel := doc.Find(".h-captcha, iframe[src*='hcaptcha']").First(); sel.Length() > 0 {
		return &pipeline.CaptchaChallenge{
			Type:    pipeline.CaptchaHCaptcha,
			SiteKey: siteKeyFrom(doc, sel),
			PageURL: pageURL,
		}
	}

	// The v3 script tag carries the site key in its render parameter and has
	// no widget container.
	var v3Key string
	doc.Find("script[src*='recaptcha/api.js']").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		src, _ := sel.Attr("src")
		parsed, err := url.Parse(src)
		if err != nil {
			return true
		}
		render := parsed.Query().Get("render")
		if render != "" && render != "explicit" {
			v3Key = render
			return false
		}
		return true
	})

	if sel := doc.Find(".g-recaptcha, iframe[src*='recaptcha']").First(); sel.Length() > 0 {
		return &pipeline.CaptchaChallenge{
			Type:    pipeline.CaptchaRecaptchaV2,
			SiteKey: siteKeyFrom(doc, sel),
			PageURL: pageURL,
		}
	}
	if v3Key != "" {
		return &pipeline.CaptchaChallenge{
			Type:    pipeline.CaptchaRecaptchaV3,
			SiteKey: v3Key,
			PageURL: pageURL,
		}
	}
	return nil
}

func siteKeyFrom(doc *goquery.Document, widget *goquery.Selection) string {
	if key, ok := widget.Attr("data-sitekey"); ok && key != "" {
		return key
	}
	if key, ok := doc.Find("[data-sitekey]").First().Attr("data-sitekey"); ok {
		return key
	}
	return ""
}

func detectMultiStep(doc *goquery.Document) bool {
	if doc.Find("[class*='step'], [class*='wizard'], [data-step]").Length() > 0 {
		return true
	}
	next := false
	doc.Find("form button, form input[type='submit'], form input[type='button']").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		label := strings.ToLower(strings.TrimSpace(sel.Text()))
		if label == "" {
			label, _ = sel.Attr("value")
			label = strings.ToLower(label)
		}
		if strings.Contains(label, "next") || strings.Contains(label, "continue") {
			next = true
			return false
		}
		return true
	})
	return next
}

func detectLoginWall(doc *goquery.Document) bool {
	if doc.Find("form input[type='password']").Length() == 0 {
		return false
	}
	// A password field alongside a full submission form is a signup form,
	// not a login wall.
	return countFields(doc) <= 3
}
