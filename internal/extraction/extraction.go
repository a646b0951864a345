// Package extraction turns captured pages into structured records using a
// run's declared extraction plan.
package extraction

import (
	"fmt"
	"html"
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"

	"github.com/Keyring-Network/keyring-gavryn/orchestrator/internal/store"
)

const maxItems = 500

var (
	whitespace = regexp.MustCompile(`\s+`)
	strict     = bluemonday.StrictPolicy()
)

// Result is what one page yielded. Selector names the item selector that
// matched, which is the fallback when the primary matched nothing.
type Result struct {
	Items    []map[string]string
	Selector string
}

// Extract applies plan to an HTML document. A plan without an item
// selector treats the whole document as a single item.
func Extract(document string, plan store.ExtractionPlan) (Result, error) {
	if strings.TrimSpace(document) == "" {
		return Result{}, nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(document))
	if err != nil {
		return Result{}, fmt.Errorf("parse document: %w", err)
	}

	items, selector := selectItems(doc, plan)
	result := Result{Selector: selector}
	items.EachWithBreak(func(_ int, item *goquery.Selection) bool {
		record := map[string]string{}
		for _, field := range plan.Fields {
			if value := fieldValue(item, field); value != "" {
				record[field.Name] = value
			}
		}
		if len(record) > 0 {
			result.Items = append(result.Items, record)
		}
		return len(result.Items) < maxItems
	})
	return result, nil
}

func selectItems(doc *goquery.Document, plan store.ExtractionPlan) (*goquery.Selection, string) {
	if plan.ItemSelector == "" && plan.FallbackItemSelector == "" {
		return doc.Selection, ""
	}
	if plan.ItemSelector != "" {
		if items := doc.Find(plan.ItemSelector); items.Length() > 0 {
			return items, plan.ItemSelector
		}
	}
	if plan.FallbackItemSelector != "" {
		if items := doc.Find(plan.FallbackItemSelector); items.Length() > 0 {
			return items, plan.FallbackItemSelector
		}
	}
	return doc.Find(plan.ItemSelector), plan.ItemSelector
}

func fieldValue(item *goquery.Selection, field store.ExtractionField) string {
	candidates := []struct{ selector, attr string }{
		{field.Selector, field.Attr},
		{field.FallbackSelector, field.FallbackAttr},
	}
	for _, candidate := range candidates {
		if candidate.selector == "" {
			continue
		}
		match := item.Find(candidate.selector).First()
		if match.Length() == 0 && item.Is(candidate.selector) {
			match = item
		}
		if match.Length() == 0 {
			continue
		}
		if value := readValue(match, candidate.attr); value != "" {
			return value
		}
	}
	return ""
}

func readValue(selection *goquery.Selection, attr string) string {
	var raw string
	if attr != "" {
		raw, _ = selection.Attr(attr)
		if attr == "href" {
			raw = strings.TrimPrefix(raw, "mailto:")
			raw = strings.TrimPrefix(raw, "tel:")
		}
	} else {
		raw, _ = selection.Html()
	}
	return clean(raw)
}

func clean(value string) string {
	text := html.UnescapeString(strict.Sanitize(value))
	return strings.TrimSpace(whitespace.ReplaceAllString(text, " "))
}

// Merge appends items not already present, preserving first-seen order.
func Merge(existing []map[string]string, incoming []map[string]string) []map[string]string {
	seen := make(map[string]bool, len(existing))
	for _, item := range existing {
		seen[itemKey(item)] = true
	}
	for _, item := range incoming {
		key := itemKey(item)
		if seen[key] || len(existing) >= maxItems {
			continue
		}
		seen[key] = true
		existing = append(existing, item)
	}
	return existing
}

func itemKey(item map[string]string) string {
	keys := make([]string, 0, len(item))
	for key, value := range item {
		keys = append(keys, key+"="+value)
	}
	sort.Strings(keys)
	return strings.Join(keys, "\x00")
}

// Finish assembles the run outcome. Runs without an extraction plan finish
// as done; runs with one report results or an explicit no_results.
func Finish(state store.PlanState) store.Outcome {
	plan := state.Preferences.Extraction
	if plan == nil {
		return store.Outcome{Kind: store.OutcomeDone}
	}
	var items []map[string]string
	if state.Outcome != nil {
		items = state.Outcome.Items
	}
	if len(items) == 0 {
		return store.Outcome{
			Kind:   store.OutcomeNoResults,
			Target: plan.Target,
			Note:   fmt.Sprintf("no %s matched the extraction selectors", plan.Target),
		}
	}
	return store.Outcome{Kind: store.OutcomeResults, Target: plan.Target, Items: items}
}
