package routing

import (
	"fmt"
	"path"
	"strings"

	errspkg "github.com/drblury/fleetgate/internal/runtime/errors"
)

// MatchKind tells how a Rule pattern is compared against an endpoint.
type MatchKind int

const (
	// MatchExact compares the normalized endpoint byte for byte.
	MatchExact MatchKind = iota
	// MatchGlob uses path.Match semantics. A trailing "/**" matches the
	// prefix itself and everything below it.
	MatchGlob
)

func (k MatchKind) String() string {
	switch k {
	case MatchExact:
		return "exact"
	case MatchGlob:
		return "glob"
	default:
		return fmt.Sprintf("MatchKind(%d)", int(k))
	}
}

// Rule maps an endpoint pattern onto a destination service.
type Rule struct {
	Kind        MatchKind
	Pattern     string
	Destination string
}

// Exact returns a rule matching a single normalized endpoint.
func Exact(pattern, destination string) Rule {
	return Rule{Kind: MatchExact, Pattern: pattern, Destination: destination}
}

// Glob returns a pattern rule evaluated after all exact rules.
func Glob(pattern, destination string) Rule {
	return Rule{Kind: MatchGlob, Pattern: pattern, Destination: destination}
}

// Matches reports whether the normalized endpoint satisfies the rule.
func (r Rule) Matches(endpoint string) bool {
	if r.Kind == MatchExact {
		return r.Pattern == endpoint
	}
	return Match(r.Pattern, endpoint)
}

// Table is an immutable routing table. Exact rules win over globs and globs
// are tried in the order they were given.
type Table struct {
	rules []Rule
	exact map[string]string
	globs []Rule
}

// NewTable validates rules and builds a Table. An exact pattern may only be
// declared once.
func NewTable(rules ...Rule) (*Table, error) {
	t := &Table{
		rules: make([]Rule, 0, len(rules)),
		exact: make(map[string]string),
	}
	for i, r := range rules {
		if r.Destination == "" {
			return nil, fmt.Errorf("routing rule %d (%s): %w", i, r.Pattern, errspkg.ErrDestinationRequired)
		}
		if r.Pattern == "" {
			return nil, fmt.Errorf("routing rule %d: pattern is required", i)
		}
		r.Pattern = Normalize(r.Pattern)
		switch r.Kind {
		case MatchExact:
			if prev, ok := t.exact[r.Pattern]; ok {
				return nil, fmt.Errorf("routing rule %d: %s already routed to %s", i, r.Pattern, prev)
			}
			t.exact[r.Pattern] = r.Destination
		case MatchGlob:
			if _, err := path.Match(strings.TrimSuffix(r.Pattern, "/**"), ""); err != nil {
				return nil, fmt.Errorf("routing rule %d: invalid glob %q: %w", i, r.Pattern, err)
			}
			t.globs = append(t.globs, r)
		default:
			return nil, fmt.Errorf("routing rule %d: unknown match kind %v", i, r.Kind)
		}
		t.rules = append(t.rules, r)
	}
	return t, nil
}

// MustTable is NewTable for static tables known to be valid.
func MustTable(rules ...Rule) *Table {
	t, err := NewTable(rules...)
	if err != nil {
		panic(err)
	}
	return t
}

// Resolve normalizes endpoint and returns the destination of the first
// matching rule. It returns *errors.RoutingError when nothing matches.
func (t *Table) Resolve(endpoint string) (string, error) {
	normalized := Normalize(endpoint)
	if dest, ok := t.exact[normalized]; ok {
		return dest, nil
	}
	for _, r := range t.globs {
		if Match(r.Pattern, normalized) {
			return r.Destination, nil
		}
	}
	return "", &errspkg.RoutingError{Endpoint: normalized}
}

// Rules returns a copy of the table in declaration order.
func (t *Table) Rules() []Rule {
	out := make([]Rule, len(t.rules))
	copy(out, t.rules)
	return out
}

// Destinations lists every distinct destination, in first-seen order.
func (t *Table) Destinations() []string {
	seen := make(map[string]struct{}, len(t.rules))
	var out []string
	for _, r := range t.rules {
		if _, ok := seen[r.Destination]; ok {
			continue
		}
		seen[r.Destination] = struct{}{}
		out = append(out, r.Destination)
	}
	return out
}

// Normalize strips the query string, a trailing slash and a leading API
// version prefix ("/api" or "/api/v<N>") from endpoint so destinations see a
// prefix-stable path.
func Normalize(endpoint string) string {
	if i := strings.IndexAny(endpoint, "?#"); i >= 0 {
		endpoint = endpoint[:i]
	}
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return "/"
	}
	cleaned := path.Clean("/" + endpoint)

	if cleaned == "/api" {
		return "/"
	}
	if rest, ok := strings.CutPrefix(cleaned, "/api/"); ok {
		cleaned = "/" + rest
		if seg, tail, _ := strings.Cut(rest, "/"); isVersion(seg) {
			cleaned = "/" + tail
		}
	}
	return cleaned
}

func isVersion(seg string) bool {
	if len(seg) < 2 || seg[0] != 'v' {
		return false
	}
	for _, c := range seg[1:] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// Match reports whether endpoint matches pattern. Both are expected to be
// normalized. "/x/**" matches "/x" and any path below it; other patterns use
// path.Match, where "*" never crosses a "/".
func Match(pattern, endpoint string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "/**"); ok {
		if prefix == "" {
			return true
		}
		if endpoint == prefix || strings.HasPrefix(endpoint, prefix+"/") {
			return true
		}
		if !strings.ContainsAny(prefix, "*?[") {
			return false
		}
		// Globbed prefix: compare against the same number of leading segments.
		depth := strings.Count(prefix, "/")
		parts := strings.SplitN(endpoint, "/", depth+2)
		if len(parts) < depth+1 {
			return false
		}
		head := strings.Join(parts[:depth+1], "/")
		ok, _ := path.Match(prefix, head)
		return ok
	}
	ok, _ := path.Match(pattern, endpoint)
	return ok
}
