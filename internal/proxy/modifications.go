package proxy

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/offerpath/dispatch/internal/models"
)

// ApplyModifications applies the rule's DOM edit list to an origin HTML
// document and re-serializes it. Selectors that match nothing are no-ops;
// an unknown action is skipped rather than failing the page.
func ApplyModifications(body []byte, mods []models.Modification) ([]byte, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse origin html: %w", err)
	}

	for _, mod := range mods {
		sel := doc.Find(mod.Selector)
		switch mod.Action {
		case "setText":
			sel.SetText(mod.StringValue())
		case "setHtml":
			sel.SetHtml(mod.StringValue())
		case "setCss":
			css := mod.StringValue()
			sel.Each(func(_ int, s *goquery.Selection) {
				s.SetAttr("style", mergeStyle(s.AttrOr("style", ""), css))
			})
		case "setAttribute":
			name, value := mod.AttrValue()
			if name != "" {
				sel.SetAttr(name, value)
			}
		case "remove":
			sel.Remove()
		}
	}

	out, err := doc.Html()
	if err != nil {
		return nil, fmt.Errorf("render modified html: %w", err)
	}
	return []byte(out), nil
}

// mergeStyle appends new declarations onto an existing style attribute so
// edits layer instead of clobbering.
func mergeStyle(existing, add string) string {
	existing = strings.TrimSpace(existing)
	add = strings.TrimSpace(add)
	if existing == "" {
		return add
	}
	if !strings.HasSuffix(existing, ";") {
		existing += ";"
	}
	return existing + " " + add
}
