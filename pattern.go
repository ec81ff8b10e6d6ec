package pystemon

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dlclark/regexp2"
)

// matcher abstracts over the two supported regex engines so Pattern does
// not need to know which one compiled a given rule.
type matcher interface {
	FindAllCount(s string) int
	MatchAny(s string) bool
}

// stdMatcher wraps the standard library's RE2-based regexp (the default
// "re" engine).
type stdMatcher struct{ re *regexp.Regexp }

func (m stdMatcher) FindAllCount(s string) int {
	return len(m.re.FindAllStringIndex(s, -1))
}

func (m stdMatcher) MatchAny(s string) bool {
	return m.re.MatchString(s)
}

// regex2Matcher wraps github.com/dlclark/regexp2, the "regex" engine
// alternative that supports Unicode property classes the standard library's
// RE2 engine cannot express.
type regex2Matcher struct{ re *regexp2.Regexp }

func (m regex2Matcher) FindAllCount(s string) int {
	count := 0
	match, _ := m.re.FindStringMatch(s)
	for match != nil {
		count++
		match, _ = m.re.FindNextMatch(match)
	}
	return count
}

func (m regex2Matcher) MatchAny(s string) bool {
	match, _ := m.re.FindStringMatch(s)
	return match != nil
}

// Engine selects which regex library compiles pattern rules.
type Engine string

const (
	// EngineRE2 is the default, RE2-compatible regexp package.
	EngineRE2 Engine = "re"
	// EngineRegexp2 enables Unicode property classes and other PCRE-like
	// features not supported by RE2.
	EngineRegexp2 Engine = "regex"
)

// Pattern is a single compiled match rule: a required Search expression, an
// optional Exclude expression, a minimum hit Count, and metadata surfaced
// to storage and notification.
//
// Grounded on pystemon/pastiesearch.py's PastieSearch.
type Pattern struct {
	Search      string
	Exclude     string
	Description string
	Count       int
	To          []string
	Extra       map[string]string

	search  matcher
	exclude matcher
}

// CompilePattern compiles a pattern's Search/Exclude regexes with the given
// engine. caseInsensitive mirrors pystemon's default of IGNORECASE;
// BuildPatternSet passes !strict_regex. The regex-flags config key is read
// into PatternConfig.RegexFlags but is not applied to any pattern.
func CompilePattern(search, exclude, description string, count int, to []string, extra map[string]string, engine Engine, caseInsensitive bool) (*Pattern, error) {
	if search == "" {
		return nil, fmt.Errorf("pattern: search expression required")
	}
	if count < -1 {
		count = -1
	}

	sm, err := compile(search, engine, caseInsensitive)
	if err != nil {
		return nil, fmt.Errorf("pattern: invalid search regex %q: %w", search, err)
	}

	var em matcher
	if exclude != "" {
		em, err = compile(exclude, engine, caseInsensitive)
		if err != nil {
			return nil, fmt.Errorf("pattern: invalid exclude regex %q: %w", exclude, err)
		}
	}

	return &Pattern{
		Search:      search,
		Exclude:     exclude,
		Description: description,
		Count:       count,
		To:          to,
		Extra:       extra,
		search:      sm,
		exclude:     em,
	}, nil
}

func compile(expr string, engine Engine, caseInsensitive bool) (matcher, error) {
	switch engine {
	case EngineRegexp2:
		opts := regexp2.None
		if caseInsensitive {
			opts = regexp2.IgnoreCase
		}
		re, err := regexp2.Compile(expr, opts)
		if err != nil {
			return nil, err
		}
		return regex2Matcher{re}, nil
	default:
		if caseInsensitive {
			expr = "(?i)" + expr
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, err
		}
		return stdMatcher{re}, nil
	}
}

// Match reports whether content satisfies the pattern: the search
// expression must hit at least max(1,Count) times, and, if an exclude
// expression is set, it must not match anywhere.
//
// Grounded on pystemon/pastiesearch.py's PastieSearch.match.
func (p *Pattern) Match(content []byte) bool {
	s := string(content)
	hits := p.search.FindAllCount(s)
	if hits == 0 {
		return false
	}
	if p.Count > 0 && hits < p.Count {
		return false
	}
	if p.exclude != nil && p.exclude.MatchAny(s) {
		return false
	}
	return true
}

// Label returns Description if set, else the raw search expression.
func (p *Pattern) Label() string {
	if p.Description != "" {
		return p.Description
	}
	return p.Search
}

// ToDict mirrors PastieSearch.to_dict: a flat string map suitable for
// storage backends that persist pattern metadata verbatim.
func (p *Pattern) ToDict() map[string]string {
	d := map[string]string{"search": p.Search}
	if p.Description != "" {
		d["description"] = p.Description
	}
	if p.Exclude != "" {
		d["exclude"] = p.Exclude
	}
	if p.Count >= 0 {
		d["count"] = fmt.Sprintf("%d", p.Count)
	}
	if len(p.To) > 0 {
		d["to"] = strings.Join(p.To, ",")
	}
	for k, v := range p.Extra {
		d[k] = v
	}
	return d
}

// PatternSet is the immutable, compiled collection of match rules in effect
// for the current configuration generation.
type PatternSet struct {
	Patterns []*Pattern
}

// Match runs content through every pattern in the set and returns the
// subset that matched.
func (ps *PatternSet) Match(content []byte) []*Pattern {
	var matched []*Pattern
	for _, p := range ps.Patterns {
		if p.Match(content) {
			matched = append(matched, p)
		}
	}
	return matched
}
