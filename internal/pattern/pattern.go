package pattern

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"linkroute/internal/domain"

	"golang.org/x/net/idna"
)

const (
	maxHostnameLength = 253
	maxLabelLength    = 63
)

// Kind identifies how a pattern is compared against URLs.
type Kind int

const (
	// KindHostname matches a host and all of its subdomains.
	KindHostname Kind = iota + 1
	// KindPrefix matches by literal prefix of the normalized URL.
	KindPrefix
)

// String returns kind name for logs.
func (k Kind) String() string {
	switch k {
	case KindHostname:
		return "hostname"
	case KindPrefix:
		return "prefix"
	default:
		return "unknown"
	}
}

// Pattern is a validated, normalized rule pattern.
// Params: normalized literal value and inferred kind.
// Returns: value safe for matching and ranking.
type Pattern struct {
	Value string
	Kind  Kind
}

// Classify infers pattern kind from its shape.
// Params: raw pattern text.
// Returns: KindPrefix when a '/' follows the scheme, otherwise KindHostname.
func Classify(raw string) Kind {
	idx := strings.Index(raw, "://")
	if idx >= 0 && strings.Contains(raw[idx+3:], "/") {
		return KindPrefix
	}
	return KindHostname
}

// Normalize validates raw pattern and returns its canonical form.
// Params: raw pattern from rule authoring, config, or persistence.
// Returns: normalized pattern or error wrapping domain.ErrInvalidPattern.
func Normalize(raw string) (Pattern, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Pattern{}, fmt.Errorf("%w: pattern is empty", domain.ErrInvalidPattern)
	}
	if strings.ContainsAny(trimmed, " \t\r\n") {
		return Pattern{}, fmt.Errorf("%w: pattern %q contains whitespace", domain.ErrInvalidPattern, raw)
	}
	if strings.Contains(trimmed, "://") {
		return normalizePrefix(trimmed)
	}
	if strings.Contains(trimmed, "/") {
		return Pattern{}, fmt.Errorf("%w: pattern %q has a path but no scheme", domain.ErrInvalidPattern, raw)
	}
	host, err := normalizeHostname(trimmed)
	if err != nil {
		return Pattern{}, err
	}
	return Pattern{Value: host, Kind: KindHostname}, nil
}

// normalizePrefix lower-cases scheme and host of a URL-prefix pattern.
// Params: trimmed pattern containing "://".
// Returns: prefix pattern with escaped path and query; fragments are rejected.
func normalizePrefix(raw string) (Pattern, error) {
	idx := strings.Index(raw, "://")
	scheme := strings.ToLower(raw[:idx])
	if !validScheme(scheme) {
		return Pattern{}, fmt.Errorf("%w: pattern %q has invalid scheme", domain.ErrInvalidPattern, raw)
	}
	rest := raw[idx+3:]
	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		return Pattern{}, fmt.Errorf("%w: prefix pattern %q needs a path after the host", domain.ErrInvalidPattern, raw)
	}
	if strings.Contains(rest, "#") {
		return Pattern{}, fmt.Errorf("%w: prefix pattern %q must not contain a fragment", domain.ErrInvalidPattern, raw)
	}
	// Path and query are escaped the same way ParseTarget escapes link URLs.
	parsed, err := url.Parse(scheme + "://" + rest)
	if err != nil || parsed.Hostname() == "" || parsed.User != nil {
		return Pattern{}, fmt.Errorf("%w: prefix pattern %q has invalid host or path", domain.ErrInvalidPattern, raw)
	}
	host, err := canonicalHost(parsed)
	if err != nil {
		return Pattern{}, fmt.Errorf("%w: prefix pattern %q: %v", domain.ErrInvalidPattern, raw, err)
	}
	return Pattern{
		Value: scheme + "://" + host + escapedRequestURI(parsed),
		Kind:  KindPrefix,
	}, nil
}

// normalizeHostname validates bare hostname pattern.
// Params: trimmed pattern without scheme or path.
// Returns: lower-cased hostname without trailing dot.
func normalizeHostname(raw string) (string, error) {
	host, err := asciiHost(raw)
	if err != nil {
		return "", fmt.Errorf("%w: hostname pattern %q: %v", domain.ErrInvalidPattern, raw, err)
	}
	if host == "" {
		return "", fmt.Errorf("%w: hostname pattern %q is empty", domain.ErrInvalidPattern, raw)
	}
	if len(host) > maxHostnameLength {
		return "", fmt.Errorf("%w: hostname pattern %q is too long", domain.ErrInvalidPattern, raw)
	}
	for _, label := range strings.Split(host, ".") {
		if label == "" || len(label) > maxLabelLength {
			return "", fmt.Errorf("%w: hostname pattern %q has an invalid label", domain.ErrInvalidPattern, raw)
		}
		for _, r := range label {
			if !isHostRune(r) {
				return "", fmt.Errorf("%w: hostname pattern %q contains %q", domain.ErrInvalidPattern, raw, r)
			}
		}
	}
	return host, nil
}

// HostPattern derives a hostname pattern from the host of a URL.
// Params: absolute source URL.
// Returns: normalized hostname pattern or error wrapping domain.ErrInvalidPattern.
func HostPattern(rawURL string) (Pattern, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return Pattern{}, fmt.Errorf("%w: source url %q: %v", domain.ErrInvalidPattern, rawURL, err)
	}
	host := parsed.Hostname()
	if host == "" {
		return Pattern{}, fmt.Errorf("%w: source url %q has no host", domain.ErrInvalidPattern, rawURL)
	}
	if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
		return Pattern{}, fmt.Errorf("%w: source url %q has an IPv6 host", domain.ErrInvalidPattern, rawURL)
	}
	return Normalize(host)
}

// Target is a link URL parsed once for matching against many patterns.
type Target struct {
	host       string
	normalized string
	valid      bool
}

// ParseTarget parses link URL into matchable form.
// Params: raw target URL.
// Returns: target; invalid when URL has no scheme or host.
func ParseTarget(rawURL string) Target {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || parsed.Scheme == "" || parsed.Hostname() == "" {
		return Target{}
	}
	hostport, _ := canonicalHost(parsed)
	host, _ := asciiHost(parsed.Hostname())
	return Target{
		host:       host,
		normalized: strings.ToLower(parsed.Scheme) + "://" + hostport + escapedRequestURI(parsed),
		valid:      true,
	}
}

// escapedRequestURI renders escaped path plus query, without fragment.
func escapedRequestURI(parsed *url.URL) string {
	out := parsed.EscapedPath()
	if parsed.RawQuery != "" || parsed.ForceQuery {
		out += "?" + parsed.RawQuery
	}
	return out
}

// Valid reports whether target could be parsed into scheme and host.
func (t Target) Valid() bool {
	return t.valid
}

// Matches tests normalized pattern against target.
// Params: pattern produced by Normalize.
// Returns: false for invalid targets.
func (t Target) Matches(p Pattern) bool {
	if !t.valid {
		return false
	}
	switch p.Kind {
	case KindHostname:
		return t.host == p.Value || strings.HasSuffix(t.host, "."+p.Value)
	case KindPrefix:
		return strings.HasPrefix(t.normalized, p.Value)
	default:
		return false
	}
}

// Matches tests raw pattern against raw URL.
// Params: stored pattern and link URL.
// Returns: true on match; malformed patterns or URLs never match.
func Matches(rawPattern, rawURL string) bool {
	p, err := Normalize(rawPattern)
	if err != nil {
		return false
	}
	return ParseTarget(rawURL).Matches(p)
}

// Compare ranks two patterns by specificity.
// Params: patterns a and b.
// Returns: >0 when a is more specific, <0 when b is, 0 on a tie.
func Compare(a, b Pattern) int {
	if a.Kind != b.Kind {
		if a.Kind == KindPrefix {
			return 1
		}
		return -1
	}
	return len(a.Value) - len(b.Value)
}

// canonicalHost renders lower-cased ASCII host without trailing dot, keeping port.
// Params: parsed URL with non-empty hostname.
// Returns: host[:port] with IPv6 brackets restored; on IDNA error the lower-cased form plus the error.
func canonicalHost(parsed *url.URL) (string, error) {
	host, err := asciiHost(parsed.Hostname())
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port := parsed.Port(); port != "" {
		host += ":" + port
	}
	return host, err
}

// asciiHost lower-cases host, drops a trailing dot, and converts
// internationalized names to their punycode form.
// Params: raw hostname.
// Returns: ASCII hostname; on conversion error the lower-cased input is returned too.
func asciiHost(raw string) (string, error) {
	host := strings.TrimSuffix(strings.ToLower(raw), ".")
	if isASCII(host) {
		return host, nil
	}
	converted, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return host, fmt.Errorf("idna: %w", err)
	}
	return converted, nil
}

func isASCII(value string) bool {
	for i := 0; i < len(value); i++ {
		if value[i] >= 0x80 {
			return false
		}
	}
	return true
}

func validScheme(scheme string) bool {
	if scheme == "" {
		return false
	}
	for i, r := range scheme {
		switch {
		case r >= 'a' && r <= 'z':
		case i > 0 && (r >= '0' && r <= '9' || r == '+' || r == '-' || r == '.'):
		default:
			return false
		}
	}
	return true
}

func isHostRune(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' || r == '_'
}
