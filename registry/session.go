package registry

import (
	"strings"
	"sync"
)

// Session tracks the auth token and registry endpoint list that the v1
// protocol discovers from response headers as a pull progresses. It is
// only ever mutated from the single event-loop goroutine that drives a
// Pull, but the mutex keeps it safe to read from elsewhere (tests,
// diagnostics) without coordinating with that goroutine.
type Session struct {
	mu        sync.Mutex
	token     string
	endpoints []string
}

// ApplyHeader inspects one HTTP response header line and updates the
// session's token or endpoint list if it matches a recognized name.
// Returns an error if a recognized header carries invalid data.
func (s *Session) ApplyHeader(key, value string) error {
	switch strings.ToLower(key) {
	case "x-docker-token":
		s.mu.Lock()
		s.token = value
		s.mu.Unlock()
	case "x-docker-endpoints":
		var endpoints []string
		for _, h := range strings.Split(value, ",") {
			h = strings.TrimSpace(h)
			if h == "" {
				continue
			}
			if err := ValidateHostname(h); err != nil {
				return err
			}
			endpoints = append(endpoints, h)
		}
		if len(endpoints) == 0 {
			return ErrBadMessage
		}
		s.mu.Lock()
		s.endpoints = endpoints
		s.mu.Unlock()
	}
	return nil
}

// Token returns the most recently discovered auth token, if any.
func (s *Session) Token() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, s.token != ""
}

// Endpoints returns the most recently discovered registry endpoint list.
func (s *Session) Endpoints() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.endpoints))
	copy(out, s.endpoints)
	return out
}

// Registry returns the single registry endpoint a session uses: the first
// one discovered. There is no failover to subsequent endpoints — this
// matches the source protocol's behavior, not an oversight.
func (s *Session) Registry() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.endpoints) == 0 {
		return "", false
	}
	return s.endpoints[0], true
}

// AuthHeaders returns the Accept/Authorization (or bootstrap token
// request) headers every registry request carries.
func (s *Session) AuthHeaders() map[string]string {
	h := map[string]string{"Accept": "application/json"}
	if tok, ok := s.Token(); ok {
		h["Authorization"] = "Token " + tok
	} else {
		h["X-Docker-Token"] = "true"
	}
	return h
}
