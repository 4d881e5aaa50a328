// Package registry validates the identifiers a pull session is started
// with and tracks the session-scoped auth token and endpoint list that the
// v1 protocol discovers mid-flight from response headers.
package registry

import (
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/distribution/reference"
	"github.com/pkg/errors"
)

// DefaultTag is used when a pull is started without an explicit tag.
const DefaultTag = "latest"

// reference's exported NameRegexp/TagRegexp are unanchored, so they are
// wrapped here to require the whole input to match the grammar.
var (
	anchoredNameRegexp = regexp.MustCompile(`^(?:` + reference.NameRegexp.String() + `)$`)
	anchoredTagRegexp  = regexp.MustCompile(`^(?:` + reference.TagRegexp.String() + `)$`)
)

// ValidateIndexURL checks that raw is an absolute http(s) URL and returns
// it with any trailing slash stripped.
func ValidateIndexURL(raw string) (string, error) {
	if raw == "" {
		return "", errors.Wrap(ErrInvalid, "index url is empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.Wrapf(ErrInvalid, "index url %q: %v", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", errors.Wrapf(ErrInvalid, "index url %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return "", errors.Wrapf(ErrInvalid, "index url %q: missing host", raw)
	}
	return strings.TrimRight(raw, "/"), nil
}

// ValidateName checks a repository name against the registry name grammar.
func ValidateName(name string) error {
	if !anchoredNameRegexp.MatchString(name) {
		return errors.Wrapf(ErrInvalid, "invalid repository name %q", name)
	}
	return nil
}

// ValidateTag checks a tag against the registry tag grammar.
func ValidateTag(tag string) error {
	if !anchoredTagRegexp.MatchString(tag) {
		return errors.Wrapf(ErrInvalid, "invalid tag %q", tag)
	}
	return nil
}

// ValidateLocal checks that a local alias is a valid machine name: the
// same character set as a repository name but without the slash-separated
// path structure (it names a single local slot, not a remote repository).
func ValidateLocal(local string) error {
	if local == "" {
		return errors.Wrap(ErrInvalid, "local alias is empty")
	}
	if strings.ContainsAny(local, "/\x00") {
		return errors.Wrapf(ErrInvalid, "invalid local alias %q", local)
	}
	if !anchoredNameRegexp.MatchString(local) {
		return errors.Wrapf(ErrInvalid, "invalid local alias %q", local)
	}
	return nil
}

// ValidateHostname checks that host is a syntactically valid hostname,
// optionally followed by ":port".
func ValidateHostname(host string) error {
	if host == "" {
		return errors.Wrap(ErrBadMessage, "empty registry endpoint")
	}
	h := host
	if hostPart, _, err := net.SplitHostPort(host); err == nil {
		h = hostPart
	}
	if h == "" {
		return errors.Wrapf(ErrBadMessage, "invalid registry endpoint %q", host)
	}
	for _, label := range strings.Split(h, ".") {
		if label == "" || len(label) > 63 {
			return errors.Wrapf(ErrBadMessage, "invalid registry endpoint %q", host)
		}
	}
	return nil
}
