package types

import (
	"log/slog"
	"regexp"
	"sync"
)

// Condition is a single predicate over a message's tag list. It matches when
// any tag of the given kind has a value the pattern regex-matches (substring
// semantics). Negate inverts the result. An invalid pattern never matches and
// is logged once at warn level.
type Condition struct {
	Tag     TagKind `json:"tag"`
	Pattern string  `json:"pattern"`
	Negate  bool    `json:"negate,omitempty"`
}

// Filter is a conjunction of conditions. An empty filter matches every
// message.
type Filter struct {
	Conditions []Condition `json:"conditions"`
}

// patterns caches compiled condition regexes. Rules are evaluated for every
// chat crossing every stream entry, so compilation must not repeat per match.
var patterns sync.Map // string -> *compiledPattern

type compiledPattern struct {
	re  *regexp.Regexp
	err error
}

func compilePattern(pattern string) (*regexp.Regexp, error) {
	if cached, ok := patterns.Load(pattern); ok {
		p := cached.(*compiledPattern)
		return p.re, p.err
	}
	re, err := regexp.Compile(pattern)
	p := &compiledPattern{re: re, err: err}
	if err != nil {
		slog.Warn("invalid filter pattern", "pattern", pattern, "error", err)
	}
	patterns.LoadOrStore(pattern, p)
	return p.re, p.err
}

// Matches evaluates the condition against a message's tags. The result
// depends only on the condition and the tag set, not on tag order.
func (c Condition) Matches(msg *Message) bool {
	re, err := compilePattern(c.Pattern)
	if err != nil {
		return false
	}
	matched := false
	for _, tag := range msg.Tags {
		if tag.Kind == c.Tag && re.MatchString(tag.Value) {
			matched = true
			break
		}
	}
	return matched != c.Negate
}

// Matches reports whether every condition of the filter matches the message.
func (f Filter) Matches(msg *Message) bool {
	for _, c := range f.Conditions {
		if !c.Matches(msg) {
			return false
		}
	}
	return true
}

// MatchesAny reports whether any filter in the list matches the message. An
// empty list matches nothing.
func MatchesAny(filters []Filter, msg *Message) bool {
	for _, f := range filters {
		if f.Matches(msg) {
			return true
		}
	}
	return false
}
