package registry

import "errors"

// ErrInvalid is the sentinel for configuration errors: an invalid index
// URL, repository name, tag, or local alias.
var ErrInvalid = errors.New("invalid argument")

// ErrBadMessage is the sentinel for protocol errors detected while
// validating registry-supplied data: malformed hostnames, missing
// endpoints, and similar.
var ErrBadMessage = errors.New("bad protocol message")
