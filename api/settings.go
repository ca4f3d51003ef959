package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"

	"github.com/gin-gonic/gin"

	"engagebot/engine"
	"engagebot/scorer"
)

// Setting keys persisted in the settings table.
const (
	keyLikeEnabled    = "like_enabled"
	keyCommentEnabled = "comment_enabled"
	keyFollowEnabled  = "follow_enabled"
	keySkipInteracted = "skip_interacted"
	keyPersona        = "persona"
	keyPersonaMin     = "persona_min"
	keyRealHumanMin   = "real_human_min"
	keyFollowBack     = "follow_back_threshold"
	keyTopicInclude   = "topic_keywords"
	keyTopicExclude   = "topic_exclude_keywords"
)

// SettingsView is the runtime-adjustable part of the engine configuration.
type SettingsView struct {
	LikeEnabled         bool     `json:"like_enabled"`
	CommentEnabled      bool     `json:"comment_enabled"`
	FollowEnabled       bool     `json:"follow_enabled"`
	SkipInteracted      bool     `json:"skip_interacted"`
	Persona             string   `json:"persona"`
	Personas            []string `json:"personas"`
	PersonaMin          float64  `json:"persona_min"`
	RealHumanMin        float64  `json:"real_human_min"`
	FollowBackThreshold float64  `json:"follow_back_threshold"`
	TopicKeywords       []string `json:"topic_keywords"`
	TopicExclude        []string `json:"topic_exclude_keywords"`
}

// SettingsPatch changes some settings. Absent fields keep their value.
type SettingsPatch struct {
	LikeEnabled         *bool    `json:"like_enabled"`
	CommentEnabled      *bool    `json:"comment_enabled"`
	FollowEnabled       *bool    `json:"follow_enabled"`
	SkipInteracted      *bool    `json:"skip_interacted"`
	Persona             *string  `json:"persona"`
	PersonaMin          *float64 `json:"persona_min"`
	RealHumanMin        *float64 `json:"real_human_min"`
	FollowBackThreshold *float64 `json:"follow_back_threshold"`
	// Keyword lists replace the current list; an empty list clears it.
	TopicKeywords *[]string `json:"topic_keywords"`
	TopicExclude  *[]string `json:"topic_exclude_keywords"`
}

// Apply returns cfg with the patch applied, and the setting values to
// persist.
func (p SettingsPatch) Apply(cfg engine.Config, personas map[string]scorer.Persona) (engine.Config, map[string]string, error) {
	changed := make(map[string]string)

	for _, f := range []struct {
		key string
		v   *float64
	}{
		{keyPersonaMin, p.PersonaMin},
		{keyRealHumanMin, p.RealHumanMin},
		{keyFollowBack, p.FollowBackThreshold},
	} {
		if f.v != nil && (*f.v < 0 || *f.v > 1) {
			return cfg, nil, fmt.Errorf("%s must be between 0 and 1", f.key)
		}
	}

	if p.Persona != nil {
		persona, ok := personas[*p.Persona]
		if !ok {
			return cfg, nil, fmt.Errorf("unknown persona %q", *p.Persona)
		}
		cfg.Persona = persona
		changed[keyPersona] = *p.Persona
	}

	setBool := func(key string, v *bool, dst *bool) {
		if v != nil {
			*dst = *v
			changed[key] = strconv.FormatBool(*v)
		}
	}
	setBool(keyLikeEnabled, p.LikeEnabled, &cfg.Rules.LikeEnabled)
	setBool(keyCommentEnabled, p.CommentEnabled, &cfg.Rules.CommentEnabled)
	setBool(keyFollowEnabled, p.FollowEnabled, &cfg.Rules.FollowEnabled)
	setBool(keySkipInteracted, p.SkipInteracted, &cfg.SkipInteracted)

	setFloat := func(key string, v *float64, dst *float64) {
		if v != nil {
			*dst = *v
			changed[key] = strconv.FormatFloat(*v, 'f', -1, 64)
		}
	}
	setFloat(keyPersonaMin, p.PersonaMin, &cfg.Rules.Thresholds.PersonaMin)
	setFloat(keyRealHumanMin, p.RealHumanMin, &cfg.Rules.Thresholds.RealHumanMin)
	setFloat(keyFollowBack, p.FollowBackThreshold, &cfg.Rules.Thresholds.FollowBack)

	setList := func(key string, v *[]string, dst *[]string) {
		if v != nil {
			list := slices.Clone(*v)
			if list == nil {
				list = []string{}
			}
			*dst = list
			raw, _ := json.Marshal(list)
			changed[key] = string(raw)
		}
	}
	setList(keyTopicInclude, p.TopicKeywords, &cfg.Topics.Include)
	setList(keyTopicExclude, p.TopicExclude, &cfg.Topics.Exclude)

	return cfg, changed, nil
}

// LoadSettings overlays persisted settings on cfg. Unreadable values are
// logged and skipped.
func LoadSettings(store SettingsStore, cfg engine.Config, personas map[string]scorer.Persona) engine.Config {
	var p SettingsPatch

	readBool := func(key string) *bool {
		raw, err := store.GetSetting(key)
		if err != nil || raw == "" {
			return nil
		}
		v, err := strconv.ParseBool(raw)
		if err != nil {
			slog.Warn("ignoring stored setting", "key", key, "value", raw, "error", err)
			return nil
		}
		return &v
	}
	readFloat := func(key string) *float64 {
		raw, err := store.GetSetting(key)
		if err != nil || raw == "" {
			return nil
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			slog.Warn("ignoring stored setting", "key", key, "value", raw, "error", err)
			return nil
		}
		return &v
	}
	readList := func(key string) *[]string {
		raw, err := store.GetSetting(key)
		if err != nil || raw == "" {
			return nil
		}
		var v []string
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			slog.Warn("ignoring stored setting", "key", key, "value", raw, "error", err)
			return nil
		}
		return &v
	}

	p.LikeEnabled = readBool(keyLikeEnabled)
	p.CommentEnabled = readBool(keyCommentEnabled)
	p.FollowEnabled = readBool(keyFollowEnabled)
	p.SkipInteracted = readBool(keySkipInteracted)
	p.PersonaMin = readFloat(keyPersonaMin)
	p.RealHumanMin = readFloat(keyRealHumanMin)
	p.FollowBackThreshold = readFloat(keyFollowBack)
	p.TopicKeywords = readList(keyTopicInclude)
	p.TopicExclude = readList(keyTopicExclude)
	if name, err := store.GetSetting(keyPersona); err == nil && name != "" {
		if _, ok := personas[name]; ok {
			p.Persona = &name
		} else {
			slog.Warn("stored persona no longer configured", "persona", name)
		}
	}

	out, _, err := p.Apply(cfg, personas)
	if err != nil {
		slog.Warn("ignoring stored settings", "error", err)
		return cfg
	}
	return out
}

func (s *Server) settingsView() SettingsView {
	cfg := s.deps.Engine.Config()
	names := make([]string, 0, len(s.cfg.Personas))
	for name := range s.cfg.Personas {
		names = append(names, name)
	}
	slices.Sort(names)
	return SettingsView{
		LikeEnabled:         cfg.Rules.LikeEnabled,
		CommentEnabled:      cfg.Rules.CommentEnabled,
		FollowEnabled:       cfg.Rules.FollowEnabled,
		SkipInteracted:      cfg.SkipInteracted,
		Persona:             cfg.Persona.Name,
		Personas:            names,
		PersonaMin:          cfg.Rules.Thresholds.PersonaMin,
		RealHumanMin:        cfg.Rules.Thresholds.RealHumanMin,
		FollowBackThreshold: cfg.Rules.Thresholds.FollowBack,
		TopicKeywords:       nonNil(cfg.Topics.Include),
		TopicExclude:        nonNil(cfg.Topics.Exclude),
	}
}

func nonNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}

func (s *Server) handleGetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, s.settingsView())
}

func (s *Server) handleUpdateSettings(c *gin.Context) {
	var patch SettingsPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		writeError(c, http.StatusBadRequest, "invalid request body", err)
		return
	}

	cfg, changed, err := patch.Apply(s.deps.Engine.Config(), s.cfg.Personas)
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid settings", err)
		return
	}
	for key, value := range changed {
		if err := s.deps.Settings.SetSetting(key, value); err != nil {
			writeError(c, http.StatusInternalServerError, "failed to save settings", err)
			return
		}
	}
	s.deps.Engine.UpdateConfig(cfg)
	slog.Info("settings updated", "changed", changed)
	c.JSON(http.StatusOK, s.settingsView())
}
