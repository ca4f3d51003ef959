package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"engagebot/contentfilter"
	"engagebot/scorer"
)

// Config holds all application configuration.
type Config struct {
	AccountID  string `yaml:"account_id"`
	ListenAddr string `yaml:"listen_addr"`
	DBPath     string `yaml:"db_path"`
	LogLevel   string `yaml:"log_level"`
	Timezone   string `yaml:"timezone"`

	LLMBaseURL        string  `yaml:"llm_base_url"`
	LLMAPIKey         string  `yaml:"llm_api_key"`
	LLMModel          string  `yaml:"llm_model"`
	LLMTemperature    float64 `yaml:"llm_temperature"`
	LLMTopP           float64 `yaml:"llm_top_p"`
	LLMMaxTokens      int     `yaml:"llm_max_tokens"`
	ScoringTimeoutSec int     `yaml:"scoring_timeout_secs"`
	BreakerFailures   uint    `yaml:"breaker_failures"`
	BreakerWindow     uint    `yaml:"breaker_window"`
	BreakerDelaySec   int     `yaml:"breaker_delay_secs"`

	// Persona names the entry of Personas used for scoring.
	Persona  string                    `yaml:"persona"`
	Personas map[string]scorer.Persona `yaml:"personas"`

	PersonaMin          float64  `yaml:"persona_min"`
	RealHumanMin        float64  `yaml:"real_human_min"`
	FollowBackThreshold float64  `yaml:"follow_back_threshold"`
	LikeEnabled         bool     `yaml:"like_enabled"`
	CommentEnabled      bool     `yaml:"comment_enabled"`
	FollowEnabled       bool     `yaml:"follow_enabled"`
	SkipInteracted      bool     `yaml:"skip_interacted"`
	InteractedCapacity  int      `yaml:"interacted_capacity"`
	ImmediateAdvanceOn  []string `yaml:"immediate_advance_on"`

	MaxDailyInteractions      int `yaml:"max_daily_interactions"`
	LikeRateLimitPerMinute    int `yaml:"like_rate_limit_per_minute"`
	CommentRateLimitPerMinute int `yaml:"comment_rate_limit_per_minute"`
	CommentDailyLimit         int `yaml:"comment_daily_limit"`
	CommentCooldownSec        int `yaml:"comment_cooldown_seconds"`
	FollowRateLimitPerMinute  int `yaml:"follow_rate_limit_per_minute"`
	FollowDailyLimit          int `yaml:"follow_daily_limit"`

	// BlockedKeywords and BlockedPatterns default to the contentfilter
	// lists. An explicit empty list in the file disables them.
	BlockedKeywords          []string `yaml:"blocked_keywords"`
	BlockedPatterns          []string `yaml:"blocked_patterns"`
	MaxCommentLength         int      `yaml:"max_comment_length"`
	TemplateOnly             bool     `yaml:"template_only"`
	TemplateWhitelistBypass  bool     `yaml:"template_whitelist_bypass"`
	CommentTemplateWhitelist []string `yaml:"comment_template_whitelist"`

	// TopicKeywords, when set, admit only candidates mentioning one of them.
	// TopicExcludeKeywords reject candidates mentioning any of them.
	TopicKeywords        []string `yaml:"topic_keywords"`
	TopicExcludeKeywords []string `yaml:"topic_exclude_keywords"`

	StepDelayMinSec  float64 `yaml:"step_delay_min_secs"`
	StepDelayMaxSec  float64 `yaml:"step_delay_max_secs"`
	PreAdvanceMinSec float64 `yaml:"pre_advance_min_secs"`
	PreAdvanceMaxSec float64 `yaml:"pre_advance_max_secs"`
	SkipDelayMinSec  float64 `yaml:"skip_delay_min_secs"`
	SkipDelayMaxSec  float64 `yaml:"skip_delay_max_secs"`
	StepTimeoutSec   int     `yaml:"step_timeout_secs"`
	DriverTimeoutSec int     `yaml:"driver_timeout_secs"`
	TaskPollMillis   int     `yaml:"task_poll_millis"`

	EnrichTitles    bool `yaml:"enrich_titles"`
	FetchTimeoutSec int  `yaml:"fetch_timeout_secs"`
	IntakeBuffer    int  `yaml:"intake_buffer"`

	MaintenanceTime  string `yaml:"maintenance_time"`
	StaleTaskMinutes int    `yaml:"stale_task_minutes"`
}

// DefaultPersona scores videos for a lifestyle account and answers in the
// JSON shape the scorer parses.
var DefaultPersona = scorer.Persona{
	Name: "default",
	SystemPrompt: `You review short videos for a lifestyle account that likes, comments on and follows real creators.
Answer with one JSON object only:
{"real_human_score": 0-1, "persona_consistency_score": 0-1, "follow_back_score": 0-1,
 "should_interact": true|false, "reason": "...", "comment_text": "short friendly comment or None",
 "actions": ["like", "comment", "subscribe"]}
Comments must be under 50 characters, without links, contact details or promotion.`,
	UserPrompt: "Title: {title}\nAuthor: {author}\nDescription: {description}\nDuration: {duration}\nURL: {url}",
}

// Defaults returns a Config with all default values set.
func Defaults() Config {
	return Config{
		AccountID:  "default",
		ListenAddr: "127.0.0.1:8080",
		DBPath:     "./engagebot.db",
		LogLevel:   "info",
		Timezone:   "UTC",

		LLMBaseURL:        "http://localhost:11434/v1",
		LLMAPIKey:         "ollama",
		LLMModel:          "qwen2.5:3b",
		LLMTemperature:    0.7,
		LLMTopP:           0.9,
		LLMMaxTokens:      300,
		ScoringTimeoutSec: 30,
		BreakerFailures:   3,
		BreakerWindow:     5,
		BreakerDelaySec:   60,
		Persona:           DefaultPersona.Name,
		Personas:          map[string]scorer.Persona{DefaultPersona.Name: DefaultPersona},

		PersonaMin:          0.7,
		RealHumanMin:        0.8,
		FollowBackThreshold: 0.8,
		LikeEnabled:         true,
		CommentEnabled:      true,
		FollowEnabled:       true,
		SkipInteracted:      true,
		InteractedCapacity:  1000,

		MaxDailyInteractions:      200,
		LikeRateLimitPerMinute:    6,
		CommentRateLimitPerMinute: 2,
		CommentDailyLimit:         60,
		CommentCooldownSec:        15,
		FollowRateLimitPerMinute:  1,
		FollowDailyLimit:          30,

		BlockedKeywords:  slices.Clone(contentfilter.DefaultBlockedKeywords),
		BlockedPatterns:  slices.Clone(contentfilter.DefaultBlockedPatterns),
		MaxCommentLength: contentfilter.DefaultMaxLength,

		StepDelayMinSec:  0,
		StepDelayMaxSec:  3,
		PreAdvanceMinSec: 5,
		PreAdvanceMaxSec: 15,
		SkipDelayMinSec:  3,
		SkipDelayMaxSec:  6,
		StepTimeoutSec:   90,
		DriverTimeoutSec: 60,
		TaskPollMillis:   500,

		EnrichTitles:    true,
		FetchTimeoutSec: 10,
		IntakeBuffer:    256,

		MaintenanceTime:  "04:00",
		StaleTaskMinutes: 30,
	}
}

// Load reads a YAML config file over Defaults and returns a validated Config.
// An empty path skips the file. A .env file in the working directory is
// loaded first; ENGAGE_CONFIG, ENGAGE_DB, OPENAI_API_KEY, OPENAI_BASE_URL
// and OPENAI_MODEL override the file.
func Load(path string) (Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			slog.Warn("failed to load .env", "error", err)
		}
	}

	if envPath := os.Getenv("ENGAGE_CONFIG"); envPath != "" {
		path = envPath
	}

	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if v := os.Getenv("ENGAGE_DB"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.LLMAPIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		cfg.LLMBaseURL = v
	}
	if v := os.Getenv("OPENAI_MODEL"); v != "" {
		cfg.LLMModel = v
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks that required fields are present and values are valid.
func (c *Config) Validate() error {
	if c.AccountID == "" {
		return fmt.Errorf("account_id is required")
	}
	if c.LLMBaseURL == "" {
		return fmt.Errorf("llm_base_url is required")
	}
	if c.LLMModel == "" {
		return fmt.Errorf("llm_model is required")
	}
	if _, ok := c.Personas[c.Persona]; !ok {
		return fmt.Errorf("persona %q is not defined in personas", c.Persona)
	}
	for name, p := range c.Personas {
		if p.SystemPrompt == "" || p.UserPrompt == "" {
			return fmt.Errorf("persona %q needs system_prompt and user_prompt", name)
		}
	}

	for name, v := range map[string]float64{
		"persona_min":           c.PersonaMin,
		"real_human_min":        c.RealHumanMin,
		"follow_back_threshold": c.FollowBackThreshold,
		"llm_top_p":             c.LLMTopP,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be between 0 and 1, got %v", name, v)
		}
	}
	if c.LLMTemperature < 0 || c.LLMTemperature > 2 {
		return fmt.Errorf("llm_temperature must be between 0 and 2, got %v", c.LLMTemperature)
	}

	for name, v := range map[string]int{
		"max_daily_interactions":        c.MaxDailyInteractions,
		"like_rate_limit_per_minute":    c.LikeRateLimitPerMinute,
		"comment_rate_limit_per_minute": c.CommentRateLimitPerMinute,
		"comment_daily_limit":           c.CommentDailyLimit,
		"comment_cooldown_seconds":      c.CommentCooldownSec,
		"follow_rate_limit_per_minute":  c.FollowRateLimitPerMinute,
		"follow_daily_limit":            c.FollowDailyLimit,
		"max_comment_length":            c.MaxCommentLength,
	} {
		if v < 0 {
			return fmt.Errorf("%s must not be negative, got %d", name, v)
		}
	}
	for name, v := range map[string]int{
		"scoring_timeout_secs": c.ScoringTimeoutSec,
		"step_timeout_secs":    c.StepTimeoutSec,
		"driver_timeout_secs":  c.DriverTimeoutSec,
		"task_poll_millis":     c.TaskPollMillis,
		"fetch_timeout_secs":   c.FetchTimeoutSec,
		"intake_buffer":        c.IntakeBuffer,
		"interacted_capacity":  c.InteractedCapacity,
		"stale_task_minutes":   c.StaleTaskMinutes,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, v)
		}
	}
	if c.StepTimeoutSec < c.DriverTimeoutSec {
		return fmt.Errorf("step_timeout_secs (%d) must not be shorter than driver_timeout_secs (%d)", c.StepTimeoutSec, c.DriverTimeoutSec)
	}

	for _, r := range [][2]float64{
		{c.StepDelayMinSec, c.StepDelayMaxSec},
		{c.PreAdvanceMinSec, c.PreAdvanceMaxSec},
		{c.SkipDelayMinSec, c.SkipDelayMaxSec},
	} {
		if r[0] < 0 || r[1] < r[0] {
			return fmt.Errorf("invalid delay range [%v, %v]", r[0], r[1])
		}
	}

	for _, p := range c.BlockedPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("invalid blocked pattern %q: %w", p, err)
		}
	}

	if err := ValidateTime(c.MaintenanceTime); err != nil {
		return err
	}

	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}

	return nil
}

// Seconds converts a float number of seconds to a Duration.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// ValidateTime checks that a time string is in valid HH:MM 24-hour format.
func ValidateTime(t string) error {
	if len(t) != 5 || t[2] != ':' {
		return fmt.Errorf("invalid time format %q: must be HH:MM", t)
	}

	if t[0] < '0' || t[0] > '9' || t[1] < '0' || t[1] > '9' ||
		t[3] < '0' || t[3] > '9' || t[4] < '0' || t[4] > '9' {
		return fmt.Errorf("invalid time format %q: must be HH:MM", t)
	}

	hour := (int(t[0]-'0') * 10) + int(t[1]-'0')
	minute := (int(t[3]-'0') * 10) + int(t[4]-'0')

	if hour > 23 {
		return fmt.Errorf("invalid time %q: hour must be 0-23", t)
	}
	if minute > 59 {
		return fmt.Errorf("invalid time %q: minute must be 0-59", t)
	}

	return nil
}
