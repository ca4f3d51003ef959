// Package extractor turns intake items into candidates and fills in missing
// titles from the video page.
package extractor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	readability "github.com/go-shiori/go-readability"

	"engagebot/domain"
)

const maxDescriptionLength = 500

// Item is one extracted video as submitted by the capture side.
type Item struct {
	Source          string   `json:"source"`
	URL             string   `json:"url"`
	VideoID         string   `json:"video_id,omitempty"`
	AuthorName      string   `json:"author_name,omitempty"`
	Title           string   `json:"title,omitempty"`
	RawText         string   `json:"raw_text,omitempty"`
	DurationSeconds *float64 `json:"duration,omitempty"`
}

// Build converts an item into a candidate.
func Build(it Item, now time.Time) domain.Candidate {
	return domain.Candidate{
		ID:              domain.CandidateID(it.VideoID, it.URL),
		SourceURL:       strings.TrimSpace(it.URL),
		Title:           strings.TrimSpace(it.Title),
		AuthorID:        strings.TrimSpace(it.AuthorName),
		Description:     truncate(strings.TrimSpace(it.RawText), maxDescriptionLength),
		ExtractedAt:     now.UTC(),
		DurationSeconds: it.DurationSeconds,
	}
}

// Page is what a fetcher could read from a video page.
type Page struct {
	Title   string
	Excerpt string
}

// Fetcher reads a page for title enrichment.
type Fetcher interface {
	Fetch(ctx context.Context, pageURL string) (*Page, error)
}

type httpFetcher struct {
	client *http.Client
}

// NewFetcher creates a Fetcher with the given timeout for HTTP requests.
func NewFetcher(timeout time.Duration) Fetcher {
	return &httpFetcher{client: &http.Client{Timeout: timeout}}
}

// NewFetcherWithClient creates a Fetcher with a custom HTTP client (for testing).
func NewFetcherWithClient(client *http.Client) Fetcher {
	return &httpFetcher{client: client}
}

func (f *httpFetcher) Fetch(ctx context.Context, pageURL string) (*Page, error) {
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", pageURL, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating page request for %s: %w", pageURL, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s returned status %d", pageURL, resp.StatusCode)
	}

	article, err := readability.FromReader(resp.Body, parsed)
	if err != nil {
		return nil, fmt.Errorf("extracting page from %s: %w", pageURL, err)
	}
	excerpt := article.Excerpt
	if excerpt == "" {
		excerpt = article.TextContent
	}
	return &Page{
		Title:   strings.TrimSpace(article.Title),
		Excerpt: truncate(strings.Join(strings.Fields(excerpt), " "), maxDescriptionLength),
	}, nil
}

// Enrich fills in the title, and the description when empty, of a candidate
// that arrived without one. Fetch failures leave the candidate unchanged; it
// will then be skipped as extraction_insufficient.
func Enrich(ctx context.Context, f Fetcher, c domain.Candidate) domain.Candidate {
	if f == nil || c.HasMinimumSignal() || c.SourceURL == "" {
		return c
	}
	page, err := f.Fetch(ctx, c.SourceURL)
	if err != nil {
		slog.Warn("title enrichment failed", "candidate_id", c.ID, "url", c.SourceURL, "error", err)
		return c
	}
	c.Title = page.Title
	if c.Description == "" {
		c.Description = page.Excerpt
	}
	slog.Debug("title enriched", "candidate_id", c.ID, "title", c.Title)
	return c
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}
