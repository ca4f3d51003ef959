package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// Candidate is one extracted video offered for interaction evaluation.
type Candidate struct {
	ID              string
	SourceURL       string
	Title           string
	AuthorID        string
	Description     string
	ExtractedAt     time.Time
	DurationSeconds *float64
}

// HasMinimumSignal reports whether the candidate carries enough extracted
// data to be scored. A title is the only required field.
func (c Candidate) HasMinimumSignal() bool {
	return strings.TrimSpace(c.Title) != ""
}

var (
	videoPathRe = regexp.MustCompile(`/video/(\d+)`)
	digitsRe    = regexp.MustCompile(`^\d+$`)
)

// CandidateID returns the identity of a candidate. A platform-native video id
// wins; otherwise the id is taken from a /video/<digits> path or a modal_id
// query parameter, and as a last resort derived from a hash of the URL
// without its query string.
func CandidateID(videoID, sourceURL string) string {
	if id := strings.TrimSpace(videoID); id != "" {
		return id
	}

	raw := strings.TrimSpace(sourceURL)
	if raw == "" {
		return ""
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "url:" + shortHash(raw)
	}
	if m := videoPathRe.FindStringSubmatch(u.Path); m != nil {
		return m[1]
	}
	if modal := u.Query().Get("modal_id"); digitsRe.MatchString(modal) {
		return modal
	}

	canonical := strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host) + strings.TrimRight(u.Path, "/")
	return "url:" + shortHash(canonical)
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}
