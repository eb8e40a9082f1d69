package diagnose

import (
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/pkoukk/tiktoken-go"
)

var (
	domEncoder     *tiktoken.Tiktoken
	domEncoderOnce sync.Once
	domEncoderErr  error
)

func initDOMEncoder() error {
	domEncoderOnce.Do(func() {
		domEncoder, domEncoderErr = tiktoken.GetEncoding("cl100k_base")
	})
	return domEncoderErr
}

// ContextBuilder extracts the DOM fragment most relevant to a failing
// selector and trims it to a token budget so the collaborator sees the
// neighborhood of the failure instead of the whole document.
type ContextBuilder struct {
	// TokenBudget bounds the extracted context; <=0 selects the default.
	TokenBudget int
}

const defaultTokenBudget = 1024

// Build returns the trimmed DOM context for a failure at selector
// within the page HTML. Selector misses fall back to the document head
// of the raw HTML; parse failures fall back to the raw HTML itself.
func (b ContextBuilder) Build(html, selector string) string {
	budget := b.TokenBudget
	if budget <= 0 {
		budget = defaultTokenBudget
	}

	fragment := extractFragment(html, selector)
	if fragment == "" {
		fragment = html
	}
	return trimToBudget(fragment, budget)
}

func extractFragment(html, selector string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}

	if selector != "" {
		sel := doc.Find(selector)
		if sel.Length() > 0 {
			// Prefer the enclosing parent: the failing element alone
			// rarely explains why an interaction missed it.
			parent := sel.First().Parent()
			if parent.Length() > 0 {
				if outer, err := goquery.OuterHtml(parent); err == nil && outer != "" {
					return outer
				}
			}
			if outer, err := goquery.OuterHtml(sel.First()); err == nil {
				return outer
			}
		}
	}

	body := doc.Find("body")
	if body.Length() > 0 {
		if inner, err := body.Html(); err == nil && strings.TrimSpace(inner) != "" {
			return inner
		}
	}
	return ""
}

// trimToBudget cuts text to at most budget tokens, counting with
// tiktoken and falling back to a 4-chars-per-token estimate when the
// encoder is unavailable.
func trimToBudget(text string, budget int) string {
	if err := initDOMEncoder(); err != nil {
		limit := budget * 4
		if len(text) <= limit {
			return text
		}
		return text[:limit]
	}

	tokens := domEncoder.Encode(text, nil, nil)
	if len(tokens) <= budget {
		return text
	}
	return domEncoder.Decode(tokens[:budget])
}
