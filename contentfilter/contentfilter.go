package contentfilter

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"
)

// Violation codes, in evaluation order.
const (
	ViolationKeyword  = "blocked_keyword"
	ViolationPattern  = "blocked_pattern"
	ViolationLength   = "too_long"
	ViolationCharset  = "invalid_charset"
	ViolationTemplate = "not_in_whitelist"
	ViolationEmpty    = "empty"
)

// DefaultBlockedKeywords are contact and traffic-diversion words that must
// never appear in an outgoing comment.
var DefaultBlockedKeywords = []string{"vx", "微信", "加群", "私信", "联系方式", "二维码", "链接", "淘宝", "拼多多"}

// DefaultBlockedPatterns catch URLs, phone numbers and contact handles.
var DefaultBlockedPatterns = []string{
	`(?i)https?://`,
	`(?i)www\.`,
	`1[3-9]\d{9}`,
	`(?i)(wx|wechat|weixin)[:：\s]*[a-z][-_a-z0-9]{5,19}`,
	`二维码|扫码`,
}

const DefaultMaxLength = 50

// Rules configures a Filter.
type Rules struct {
	BlockedKeywords []string
	BlockedPatterns []string
	MaxLength       int
	// TemplateOnly restricts comments to the whitelist.
	TemplateOnly bool
	// BypassWhitelist disables the whitelist even in template-only mode.
	BypassWhitelist bool
}

// Result is the outcome of evaluating one text.
type Result struct {
	Pass       bool
	Violations []string
}

// Reason returns the first violation, or "" when the text passed.
func (r Result) Reason() string {
	if len(r.Violations) == 0 {
		return ""
	}
	return r.Violations[0]
}

// Filter evaluates outgoing comment text. It is safe for concurrent use; the
// whitelist can be replaced while evaluations are running.
type Filter struct {
	keywords     []string
	patterns     []*regexp.Regexp
	maxLength    int
	templateOnly bool
	bypass       bool

	mu        sync.RWMutex
	whitelist map[string]struct{}
	version   int
}

// New compiles the rules into a Filter.
func New(rules Rules) (*Filter, error) {
	f := &Filter{
		maxLength:    rules.MaxLength,
		templateOnly: rules.TemplateOnly,
		bypass:       rules.BypassWhitelist,
		whitelist:    map[string]struct{}{},
	}
	for _, k := range rules.BlockedKeywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			f.keywords = append(f.keywords, k)
		}
	}
	for _, p := range rules.BlockedPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compiling pattern %q: %w", p, err)
		}
		f.patterns = append(f.patterns, re)
	}
	return f, nil
}

// Evaluate applies the keyword, pattern, length and character-set rules.
// Every violation is collected.
func (f *Filter) Evaluate(text string) Result {
	var violations []string

	if strings.TrimSpace(text) == "" {
		return Result{Violations: []string{ViolationEmpty}}
	}

	lowered := strings.ToLower(text)
	for _, k := range f.keywords {
		if strings.Contains(lowered, k) {
			violations = append(violations, ViolationKeyword+":"+k)
			break
		}
	}
	for _, re := range f.patterns {
		if re.MatchString(text) {
			violations = append(violations, ViolationPattern+":"+re.String())
			break
		}
	}
	if f.maxLength > 0 && utf8.RuneCountInString(text) > f.maxLength {
		violations = append(violations, ViolationLength)
	}
	if !validCharset(text) {
		violations = append(violations, ViolationCharset)
	}

	return Result{Pass: len(violations) == 0, Violations: violations}
}

// EvaluateComment runs Evaluate and, in template-only mode, requires the
// text to be an exact whitelist entry.
func (f *Filter) EvaluateComment(text string) Result {
	res := f.Evaluate(text)
	if !f.templateOnly || f.bypass {
		return res
	}

	f.mu.RLock()
	_, ok := f.whitelist[strings.TrimSpace(text)]
	f.mu.RUnlock()

	if !ok {
		res.Pass = false
		res.Violations = append(res.Violations, ViolationTemplate)
	}
	return res
}

// SetWhitelist replaces the template whitelist and returns its new version.
func (f *Filter) SetWhitelist(templates []string) int {
	next := make(map[string]struct{}, len(templates))
	for _, t := range templates {
		if t = strings.TrimSpace(t); t != "" {
			next[t] = struct{}{}
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.whitelist = next
	f.version++
	return f.version
}

// WhitelistVersion returns how many times the whitelist has been replaced.
func (f *Filter) WhitelistVersion() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.version
}

// TemplateOnly reports whether comments are restricted to the whitelist.
func (f *Filter) TemplateOnly() bool { return f.templateOnly && !f.bypass }

func validCharset(s string) bool {
	if !utf8.ValidString(s) {
		return false
	}
	for _, r := range s {
		switch {
		case r == utf8.RuneError:
			return false
		case r == '\u200d':
			// zero-width joiner is part of emoji sequences
		case unicode.Is(unicode.Cc, r),
			unicode.Is(unicode.Co, r),
			unicode.Is(unicode.Cs, r),
			unicode.Is(unicode.Cf, r):
			return false
		}
	}
	return true
}
