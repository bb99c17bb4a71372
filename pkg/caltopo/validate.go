package caltopo

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

const redactedPlaceholder = "<REDACTED>"

// secretPattern is the allow-pattern for destination identifiers. Anything
// outside it is rejected before a request is built, so an identifier can
// never smuggle path separators or query syntax into the report URL.
var secretPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// reportPathPattern matches an identifier segment following the
// position-report API path, for scrubbing URLs embedded in error text.
var reportPathPattern = regexp.MustCompile(`(/api/v1/position/report/)[\w-]+`)

func validSecret(secret string) bool {
	return secretPattern.MatchString(secret)
}

// redact strips secret identifiers from text bound for logs: every known
// secret literal is replaced first, then anything trailing the report API
// path. Safe to apply to arbitrary error strings.
func redact(text string, secrets ...string) string {
	for _, s := range secrets {
		if s != "" {
			text = strings.ReplaceAll(text, s, redactedPlaceholder)
		}
	}
	return reportPathPattern.ReplaceAllString(text, "${1}"+redactedPlaceholder)
}

// compileAllowlist turns wildcard URL patterns (https://*.caltopo.com/*)
// into anchored regexps. A * in the authority never crosses a slash, so a
// hostile URL cannot satisfy a host wildcard with its path.
func compileAllowlist(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		re, err := compileAllowPattern(pattern)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func compileAllowPattern(pattern string) (*regexp.Regexp, error) {
	scheme, rest, ok := strings.Cut(pattern, "://")
	if !ok {
		return nil, fmt.Errorf("allowlist pattern %q: missing scheme", pattern)
	}
	authority, path, _ := strings.Cut(rest, "/")
	if authority == "" {
		return nil, fmt.Errorf("allowlist pattern %q: missing host", pattern)
	}
	var b strings.Builder
	b.WriteString("^")
	b.WriteString(regexp.QuoteMeta(scheme))
	b.WriteString("://")
	writeWildcardSegment(&b, authority, `[A-Za-z0-9.:-]+`)
	b.WriteString("/")
	writeWildcardSegment(&b, path, `.*`)
	b.WriteString("$")
	return regexp.Compile(b.String())
}

func writeWildcardSegment(b *strings.Builder, segment, wildcard string) {
	for i, literal := range strings.Split(segment, "*") {
		if i > 0 {
			b.WriteString(wildcard)
		}
		b.WriteString(regexp.QuoteMeta(literal))
	}
}

// allowedBase reports whether a base URL is covered by the allowlist. The
// URL is reduced to scheme://host/path before matching, discarding userinfo,
// query, and fragment so none of them can disguise the real host.
func allowedBase(base string, allowlist []*regexp.Regexp) bool {
	u, err := url.Parse(base)
	if err != nil {
		return false
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return false
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	canonical := u.Scheme + "://" + u.Host + path
	for _, re := range allowlist {
		if re.MatchString(canonical) {
			return true
		}
	}
	return false
}
