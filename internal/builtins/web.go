// ABOUTME: Web toolbox: fetches a page and extracts readable text with goquery.
// ABOUTME: Scripts and styles are stripped before text extraction.

package builtins

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/codeboltai/codebolt-router/internal/tools"
)

// WebToolbox creates the web toolbox using client for requests.
func WebToolbox(client *http.Client, maxBytes int64) *tools.Toolbox {
	h := &webHandlers{client: client, maxBytes: maxBytes}
	return &tools.Toolbox{
		Name:        "web",
		Description: "Fetch and read web pages",
		Tools: []*tools.Descriptor{
			{
				Name:        "fetch_url",
				DisplayName: "Fetch URL",
				Description: "Fetch a web page and return its title, text and links",
				Kind:        tools.KindRead,
				Schema:      tools.MustSchema(`{"type":"object","properties":{"url":{"type":"string"},"selector":{"type":"string"}},"required":["url"]}`),
				Run:         h.Fetch,
			},
		},
	}
}

type webHandlers struct {
	client   *http.Client
	maxBytes int64
}

func (h *webHandlers) Fetch(ctx context.Context, params map[string]any) (any, error) {
	raw := stringParam(params, "url", "")
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, &tools.ValidationError{Field: "url", Reason: "must be an http or https URL"}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "codebolt-router/fetch_url")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", u, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("fetching %s: status %d", u, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, h.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", u, err)
	}
	doc.Find("script, style, noscript").Remove()

	root := doc.Selection
	if sel := stringParam(params, "selector", ""); sel != "" {
		root = doc.Find(sel)
	}

	var links []string
	root.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if ref, err := u.Parse(href); err == nil && len(links) < 50 {
			links = append(links, ref.String())
		}
	})

	return map[string]any{
		"url":    u.String(),
		"status": resp.StatusCode,
		"title":  strings.TrimSpace(doc.Find("title").First().Text()),
		"text":   collapseSpace(root.Text()),
		"links":  links,
	}, nil
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
