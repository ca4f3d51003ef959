package extractor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"engagebot/domain"
)

const videoPage = `<!DOCTYPE html>
<html>
<head>
<title>Street food tour in Chengdu</title>
<meta property="og:title" content="Street food tour in Chengdu">
</head>
<body>
<article>
<h1>Street food tour in Chengdu</h1>
<p>We walked through the night market and tried twelve different snacks, from rabbit heads to sweet rice cakes, and rated every single one of them.</p>
<p>The second half of the video covers the noodle stalls near the river, where the queues start forming well before sunset and the owners still cook over charcoal.</p>
<p>Links to every stall are in the description so you can plan your own route through the city on your next visit.</p>
</article>
</body>
</html>`

func TestBuild(t *testing.T) {
	dur := 42.0
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.FixedZone("CST", 8*3600))
	c := Build(Item{
		URL:             " https://www.example.com/video/7301234567890 ",
		Title:           "  night market  ",
		AuthorName:      "foodie",
		RawText:         strings.Repeat("字", 600),
		DurationSeconds: &dur,
	}, now)

	if c.ID != "7301234567890" {
		t.Errorf("ID = %q, want id from url path", c.ID)
	}
	if c.Title != "night market" || c.AuthorID != "foodie" {
		t.Errorf("candidate = %+v", c)
	}
	if n := len([]rune(c.Description)); n != maxDescriptionLength {
		t.Errorf("description has %d runes, want %d", n, maxDescriptionLength)
	}
	if c.ExtractedAt.Location() != time.UTC {
		t.Errorf("ExtractedAt not UTC: %v", c.ExtractedAt)
	}
	if c.DurationSeconds == nil || *c.DurationSeconds != 42 {
		t.Errorf("duration = %v", c.DurationSeconds)
	}

	t.Run("explicit video id wins", func(t *testing.T) {
		c := Build(Item{URL: "https://www.example.com/video/1", VideoID: "abc"}, now)
		if c.ID != "abc" {
			t.Errorf("ID = %q, want abc", c.ID)
		}
	})
}

func TestFetch_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(videoPage))
	}))
	defer server.Close()

	f := NewFetcherWithClient(server.Client())
	page, err := f.Fetch(context.Background(), server.URL+"/video/1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(page.Title, "Street food") {
		t.Errorf("title = %q", page.Title)
	}
	if page.Excerpt == "" {
		t.Error("expected non-empty excerpt")
	}
}

func TestFetch_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	f := NewFetcherWithClient(server.Client())
	if _, err := f.Fetch(context.Background(), server.URL); err == nil {
		t.Fatal("expected error for HTTP 404 response")
	}
}

func TestFetch_ContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(videoPage))
	}))
	defer server.Close()

	f := NewFetcherWithClient(server.Client())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.Fetch(ctx, server.URL); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

type stubFetcher struct {
	page  *Page
	err   error
	calls int
}

func (s *stubFetcher) Fetch(context.Context, string) (*Page, error) {
	s.calls++
	return s.page, s.err
}

func TestEnrich(t *testing.T) {
	ctx := context.Background()

	t.Run("fills missing title and description", func(t *testing.T) {
		f := &stubFetcher{page: &Page{Title: "fetched", Excerpt: "about"}}
		c := Enrich(ctx, f, domain.Candidate{ID: "1", SourceURL: "https://example.com/video/1"})
		if c.Title != "fetched" || c.Description != "about" {
			t.Errorf("candidate = %+v", c)
		}
	})

	t.Run("keeps existing title", func(t *testing.T) {
		f := &stubFetcher{page: &Page{Title: "fetched"}}
		c := Enrich(ctx, f, domain.Candidate{ID: "1", SourceURL: "u", Title: "own"})
		if c.Title != "own" || f.calls != 0 {
			t.Errorf("title = %q, calls = %d", c.Title, f.calls)
		}
	})

	t.Run("fetch failure leaves candidate unchanged", func(t *testing.T) {
		f := &stubFetcher{err: errors.New("boom")}
		c := Enrich(ctx, f, domain.Candidate{ID: "1", SourceURL: "u"})
		if c.HasMinimumSignal() {
			t.Errorf("candidate = %+v, want no title", c)
		}
	})

	t.Run("nil fetcher", func(t *testing.T) {
		c := Enrich(ctx, nil, domain.Candidate{ID: "1", SourceURL: "u"})
		if c.Title != "" {
			t.Errorf("title = %q", c.Title)
		}
	})
}
