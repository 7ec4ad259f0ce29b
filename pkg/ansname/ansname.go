// Package ansname implements parsing, formatting and matching of structured
// agent names of the form
//
//	protocol://agent_id.capability.provider.vMAJOR.MINOR.PATCH[,extension]
package ansname

import (
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/agentns/ans/pkg/anserr"
)

var (
	namePattern = regexp.MustCompile(
		`^(?P<protocol>[a-z0-9]+)://(?P<id>[A-Za-z0-9_-]+)\.(?P<cap>[A-Za-z0-9_-]+)\.(?P<prov>[A-Za-z0-9_-]+)\.v(?P<ver>\d+\.\d+\.\d+)(?:,(?P<ext>[^\s]+))?$`)

	tokenPattern    = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	protocolPattern = regexp.MustCompile(`^[a-z0-9]+$`)
)

// Name is an immutable parsed ANS name.
type Name struct {
	Protocol   string
	AgentID    string
	Capability string
	Provider   string
	Version    string
	Extension  string
}

// Parse parses a canonical ANS name string.
func Parse(s string) (Name, error) {
	const op = "ansname.Parse"
	m := namePattern.FindStringSubmatch(s)
	if m == nil {
		return Name{}, anserr.E(op, anserr.KindInvalidName, "invalid ANS name format: "+s)
	}
	n := Name{
		Protocol:   m[1],
		AgentID:    m[2],
		Capability: m[3],
		Provider:   m[4],
		Version:    m[5],
		Extension:  m[6],
	}
	if _, err := semver.StrictNewVersion(n.Version); err != nil {
		return Name{}, anserr.E(op, anserr.KindInvalidName, "invalid version in ANS name", err)
	}
	return n, nil
}

// String renders the canonical form. Parse(n.String()) round-trips exactly.
func (n Name) String() string {
	var b strings.Builder
	b.WriteString(n.Protocol)
	b.WriteString("://")
	b.WriteString(n.AgentID)
	b.WriteByte('.')
	b.WriteString(n.Capability)
	b.WriteByte('.')
	b.WriteString(n.Provider)
	b.WriteString(".v")
	b.WriteString(n.Version)
	if n.Extension != "" {
		b.WriteByte(',')
		b.WriteString(n.Extension)
	}
	return b.String()
}

// SemVer returns the parsed version triple.
func (n Name) SemVer() (*semver.Version, error) {
	v, err := semver.StrictNewVersion(n.Version)
	if err != nil {
		return nil, anserr.E("ansname.SemVer", anserr.KindInvalidName, err)
	}
	return v, nil
}

// Validate checks each component against the token rules.
func (n Name) Validate() error {
	const op = "ansname.Validate"
	if !protocolPattern.MatchString(n.Protocol) {
		return anserr.E(op, anserr.KindInvalidName, "invalid protocol: "+n.Protocol)
	}
	for _, tok := range []string{n.AgentID, n.Capability, n.Provider} {
		if !tokenPattern.MatchString(tok) {
			return anserr.E(op, anserr.KindInvalidName, "invalid token: "+tok)
		}
	}
	if _, err := semver.StrictNewVersion(n.Version); err != nil {
		return anserr.E(op, anserr.KindInvalidName, "invalid version: "+n.Version)
	}
	if n.Extension != "" && strings.ContainsAny(n.Extension, " \t\n") {
		return anserr.E(op, anserr.KindInvalidName, "invalid extension")
	}
	return nil
}

// ValidToken reports whether s satisfies the agent-id token rules.
func ValidToken(s string) bool { return tokenPattern.MatchString(s) }

// Filter selects names by component. Empty or "*" fields match anything.
type Filter struct {
	Protocol   string
	Capability string
	Provider   string
}

// Matches reports whether n satisfies f.
func (n Name) Matches(f Filter) bool {
	return wild(f.Protocol, n.Protocol) &&
		wild(f.Capability, n.Capability) &&
		wild(f.Provider, n.Provider)
}

func wild(want, got string) bool {
	return want == "" || want == "*" || want == got
}

// Pattern is a possibly-wildcarded name used for resolution. Empty fields
// are wildcards; Version is empty unless the pattern pinned an exact
// version.
type Pattern struct {
	Protocol   string
	AgentID    string
	Capability string
	Provider   string
	Version    string
}

// ParsePattern parses either a full canonical name or a prefix of one.
// Trailing components may be omitted and any component may be "*"; both
// mean "match any". A version segment, when present, pins an exact version.
func ParsePattern(s string) (Pattern, error) {
	const op = "ansname.ParsePattern"
	if n, err := Parse(s); err == nil {
		return Pattern{
			Protocol:   n.Protocol,
			AgentID:    n.AgentID,
			Capability: n.Capability,
			Provider:   n.Provider,
			Version:    n.Version,
		}, nil
	}
	proto, rest, ok := strings.Cut(s, "://")
	if !ok || proto == "" || rest == "" {
		return Pattern{}, anserr.E(op, anserr.KindInvalidName, "invalid ANS name or pattern: "+s)
	}
	if proto != "*" && !protocolPattern.MatchString(proto) {
		return Pattern{}, anserr.E(op, anserr.KindInvalidName, "invalid protocol: "+proto)
	}
	p := Pattern{Protocol: normalizeWild(proto)}

	parts := strings.Split(rest, ".")
	// A trailing version segment is "v" + triple, which itself splits on
	// dots; re-join it when present.
	if len(parts) >= 6 && strings.HasPrefix(parts[3], "v") {
		parts = append(parts[:3], strings.Join(parts[3:], "."))
	}
	if len(parts) > 4 {
		return Pattern{}, anserr.E(op, anserr.KindInvalidName, "invalid ANS name or pattern: "+s)
	}
	fields := []*string{&p.AgentID, &p.Capability, &p.Provider}
	for i, part := range parts {
		if i < 3 {
			if part != "*" && !tokenPattern.MatchString(part) {
				return Pattern{}, anserr.E(op, anserr.KindInvalidName, "invalid token in pattern: "+part)
			}
			*fields[i] = normalizeWild(part)
			continue
		}
		ver := strings.TrimPrefix(part, "v")
		if ver == "*" {
			continue
		}
		if _, err := semver.StrictNewVersion(ver); err != nil {
			return Pattern{}, anserr.E(op, anserr.KindInvalidName, "invalid version in pattern: "+part)
		}
		p.Version = ver
	}
	return p, nil
}

func normalizeWild(s string) string {
	if s == "*" {
		return ""
	}
	return s
}

// MatchesName reports whether the concrete name n falls inside pattern p,
// ignoring the version (version selection is negotiated separately).
func (p Pattern) MatchesName(n Name) bool {
	return wild(p.Protocol, n.Protocol) &&
		wild(p.AgentID, n.AgentID) &&
		wild(p.Capability, n.Capability) &&
		wild(p.Provider, n.Provider)
}
