package policy

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"golang.org/x/net/idna"
)

// Priority is the override priority a policy assigns to a handle.
type Priority int

const (
	// Never marks a handle that must never be suspended (allow list).
	Never Priority = 0
	// Normal leaves the decision to scoring and selection.
	Normal Priority = 1
	// Eager marks a handle to suspend as soon as it is eligible (deny list).
	Eager Priority = 2
)

func (p Priority) String() string {
	switch p {
	case Never:
		return "never"
	case Eager:
		return "eager"
	default:
		return "normal"
	}
}

// List names one of the two override sets.
type List string

const (
	ListAllow List = "allow"
	ListDeny  List = "deny"
)

// ParseList validates a list name.
func ParseList(s string) (List, error) {
	switch List(strings.ToLower(strings.TrimSpace(s))) {
	case ListAllow, "whitelist":
		return ListAllow, nil
	case ListDeny, "blacklist":
		return ListDeny, nil
	}
	return "", fmt.Errorf("policy: unknown list %q", s)
}

// ErrInvalidPattern is returned for domain patterns that cannot be matched.
var ErrInvalidPattern = errors.New("policy: invalid domain pattern")

// patternSet is one compiled override set.
type patternSet struct {
	exact    map[string]struct{}
	patterns map[string]*regexp.Regexp // source pattern -> anchored matcher
}

func newPatternSet() *patternSet {
	return &patternSet{exact: make(map[string]struct{}), patterns: make(map[string]*regexp.Regexp)}
}

func (ps *patternSet) add(p string) error {
	if !strings.Contains(p, "*") {
		ps.exact[p] = struct{}{}
		return nil
	}
	re, err := compileWildcard(p)
	if err != nil {
		return err
	}
	ps.patterns[p] = re
	return nil
}

func (ps *patternSet) remove(p string) bool {
	if _, ok := ps.exact[p]; ok {
		delete(ps.exact, p)
		return true
	}
	if _, ok := ps.patterns[p]; ok {
		delete(ps.patterns, p)
		return true
	}
	return false
}

func (ps *patternSet) match(host string) bool {
	if _, ok := ps.exact[host]; ok {
		return true
	}
	for _, re := range ps.patterns {
		if re.MatchString(host) {
			return true
		}
	}
	return false
}

func (ps *patternSet) list() []string {
	out := make([]string, 0, len(ps.exact)+len(ps.patterns))
	for p := range ps.exact {
		out = append(out, p)
	}
	for p := range ps.patterns {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Matcher holds the allow (never-suspend) and deny (suspend-eagerly) sets.
// It is safe for concurrent use.
type Matcher struct {
	mu    sync.RWMutex
	allow *patternSet
	deny  *patternSet
}

// NewMatcher creates an empty Matcher.
func NewMatcher() *Matcher {
	return &Matcher{allow: newPatternSet(), deny: newPatternSet()}
}

// Classify returns the override priority for url. The allow set is checked
// first and always wins.
func (m *Matcher) Classify(url string) Priority {
	host := NormalizeHost(url)
	if host == "" {
		return Normal
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.allow.match(host) {
		return Never
	}
	if m.deny.match(host) {
		return Eager
	}
	return Normal
}

// Add inserts a domain pattern into list. It returns the normalized pattern.
func (m *Matcher) Add(list List, domain string) (string, error) {
	p, err := NormalizePattern(domain)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	set, err := m.setLocked(list)
	if err != nil {
		return "", err
	}
	if err := set.add(p); err != nil {
		return "", err
	}
	return p, nil
}

// Remove deletes a domain pattern from list and reports whether it was present.
func (m *Matcher) Remove(list List, domain string) (bool, error) {
	p, err := NormalizePattern(domain)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	set, err := m.setLocked(list)
	if err != nil {
		return false, err
	}
	return set.remove(p), nil
}

// Replace validates every pattern and then swaps both sets at once. On any
// invalid pattern nothing changes.
func (m *Matcher) Replace(allow, deny []string) error {
	newAllow := newPatternSet()
	for _, d := range allow {
		p, err := NormalizePattern(d)
		if err != nil {
			return fmt.Errorf("allow %q: %w", d, err)
		}
		if err := newAllow.add(p); err != nil {
			return fmt.Errorf("allow %q: %w", d, err)
		}
	}
	newDeny := newPatternSet()
	for _, d := range deny {
		p, err := NormalizePattern(d)
		if err != nil {
			return fmt.Errorf("deny %q: %w", d, err)
		}
		if err := newDeny.add(p); err != nil {
			return fmt.Errorf("deny %q: %w", d, err)
		}
	}

	m.mu.Lock()
	m.allow, m.deny = newAllow, newDeny
	m.mu.Unlock()
	return nil
}

// Lists returns sorted copies of both sets.
func (m *Matcher) Lists() (allow, deny []string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.allow.list(), m.deny.list()
}

// Stats summarises the override sets.
type Stats struct {
	AllowExact    int `json:"allow_exact"`
	AllowWildcard int `json:"allow_wildcard"`
	DenyExact     int `json:"deny_exact"`
	DenyWildcard  int `json:"deny_wildcard"`
}

// Stats returns entry counts per set.
func (m *Matcher) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{
		AllowExact:    len(m.allow.exact),
		AllowWildcard: len(m.allow.patterns),
		DenyExact:     len(m.deny.exact),
		DenyWildcard:  len(m.deny.patterns),
	}
}

func (m *Matcher) setLocked(list List) (*patternSet, error) {
	switch list {
	case ListAllow:
		return m.allow, nil
	case ListDeny:
		return m.deny, nil
	}
	return nil, fmt.Errorf("policy: unknown list %q", list)
}

// compileWildcard turns "*.example.com" into ^.*\.example\.com$.
func compileWildcard(p string) (*regexp.Regexp, error) {
	parts := strings.Split(p, "*")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	re, err := regexp.Compile("^" + strings.Join(parts, ".*") + "$")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	return re, nil
}

// NormalizeHost reduces a URL (with or without scheme) to a lowercase ASCII
// hostname: scheme, userinfo, path, query, fragment and port are stripped.
func NormalizeHost(raw string) string {
	h := strings.TrimSpace(raw)
	if i := strings.Index(h, "://"); i >= 0 {
		h = h[i+3:]
	}
	if i := strings.IndexAny(h, "/?#"); i >= 0 {
		h = h[:i]
	}
	if i := strings.LastIndex(h, "@"); i >= 0 {
		h = h[i+1:]
	}
	h = stripPort(h)
	h = strings.TrimSuffix(strings.ToLower(h), ".")
	if h == "" {
		return ""
	}
	if !isASCII(h) && !strings.Contains(h, "*") {
		if ascii, err := idna.Lookup.ToASCII(h); err == nil {
			h = ascii
		}
	}
	return h
}

// NormalizePattern normalizes a user-entered domain pattern and validates it.
func NormalizePattern(raw string) (string, error) {
	p := NormalizeHost(raw)
	if p == "" {
		return "", fmt.Errorf("%w: %q is empty", ErrInvalidPattern, raw)
	}
	for _, r := range p {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		case r == '.', r == '-', r == '_', r == '*':
		case r == '[', r == ']', r == ':':
			// IPv6 literals.
		default:
			return "", fmt.Errorf("%w: %q contains %q", ErrInvalidPattern, raw, r)
		}
	}
	if strings.Trim(p, "*.") == "" {
		return "", fmt.Errorf("%w: %q matches every host", ErrInvalidPattern, raw)
	}
	return p, nil
}

func stripPort(h string) string {
	if strings.HasPrefix(h, "[") {
		if i := strings.Index(h, "]"); i >= 0 {
			return h[:i+1]
		}
		return h
	}
	i := strings.LastIndex(h, ":")
	if i < 0 {
		return h
	}
	for _, r := range h[i+1:] {
		if r < '0' || r > '9' {
			return h
		}
	}
	return h[:i]
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
