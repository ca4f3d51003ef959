package scorer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"engagebot/domain"
)

// Kind classifies scoring failures.
type Kind string

const (
	KindTransport Kind = "transport_error"
	KindParse     Kind = "parse_error"
	KindAuth      Kind = "auth_error"
)

// ScoreError is the only error type returned by Score.
type ScoreError struct {
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *ScoreError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ScoreError) Unwrap() error { return e.Err }

// KindOf returns the kind of a scoring error, or "" for other errors.
func KindOf(err error) Kind {
	var se *ScoreError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// Persona is a named prompt pair. The user prompt may reference {title},
// {description}, {author}, {duration} and {url}.
type Persona struct {
	Name         string `yaml:"name" json:"name"`
	SystemPrompt string `yaml:"system_prompt" json:"system_prompt"`
	UserPrompt   string `yaml:"user_prompt" json:"user_prompt"`
}

// Scorer asks the model how to engage with a candidate.
type Scorer interface {
	Score(ctx context.Context, c domain.Candidate, p Persona) (*domain.ScoreResult, error)
}

// Config holds the model endpoint and sampling parameters.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	TopP        float64
	MaxTokens   int
}

type openAIScorer struct {
	client openai.Client
	cfg    Config
}

// New creates a Scorer backed by an OpenAI-compatible chat completions
// endpoint. SDK retries are disabled; a failed call is reported once.
func New(cfg Config, httpClient *http.Client) Scorer {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	return &openAIScorer{
		client: openai.NewClient(opts...),
		cfg:    cfg,
	}
}

func (s *openAIScorer) Score(ctx context.Context, c domain.Candidate, p Persona) (*domain.ScoreResult, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(s.cfg.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(p.SystemPrompt),
			openai.UserMessage(RenderPrompt(p.UserPrompt, c)),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	}
	if s.cfg.Temperature > 0 {
		params.Temperature = openai.Float(s.cfg.Temperature)
	}
	if s.cfg.TopP > 0 {
		params.TopP = openai.Float(s.cfg.TopP)
	}
	if s.cfg.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(s.cfg.MaxTokens))
	}

	resp, err := s.client.Chat.Completions.New(ctx, params)
	if status := statusOf(err); status == http.StatusBadRequest {
		// Some local models reject response_format; ask again without it.
		slog.Debug("retrying scoring without response_format", "candidate_id", c.ID)
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{}
		resp, err = s.client.Chat.Completions.New(ctx, params)
	}
	if err != nil {
		return nil, classify(err)
	}

	if len(resp.Choices) == 0 {
		return nil, &ScoreError{Kind: KindParse, Err: errors.New("response has no choices")}
	}

	result, err := Parse(c.ID, resp.Choices[0].Message.Content)
	if err != nil {
		slog.Warn("failed to parse scoring response", "candidate_id", c.ID, "error", err)
		return nil, err
	}
	return result, nil
}

// RenderPrompt fills the persona placeholders from the candidate.
func RenderPrompt(tmpl string, c domain.Candidate) string {
	duration := ""
	if c.DurationSeconds != nil {
		duration = strconv.FormatFloat(*c.DurationSeconds, 'f', -1, 64)
	}
	return strings.NewReplacer(
		"{title}", c.Title,
		"{description}", c.Description,
		"{author}", c.AuthorID,
		"{duration}", duration,
		"{url}", c.SourceURL,
	).Replace(tmpl)
}

func statusOf(err error) int {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

func classify(err error) *ScoreError {
	status := statusOf(err)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &ScoreError{Kind: KindAuth, StatusCode: status, Err: err}
	default:
		return &ScoreError{Kind: KindTransport, StatusCode: status, Err: err}
	}
}
