package registry

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// LayersMax bounds the length of an ancestry chain a pull will accept.
const LayersMax = 2048

// idPattern is the content-address grammar: 64 lowercase hex characters,
// matching the sha256-sized hex ids the v1 protocol uses for both tags and
// layers.
var idPattern = regexp.MustCompile(`^[a-f0-9]{64}$`)

// ValidateID checks a layer or image id against the content-address
// grammar.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return errors.Wrapf(ErrBadMessage, "invalid id %q", id)
	}
	return nil
}

// ParseID decodes a tag-resolution response: a JSON string holding an id.
// It rejects NUL bytes, empty input, trailing data after the JSON value,
// wrong JSON shape, and ids that fail the content-address grammar.
func ParseID(payload []byte) (string, error) {
	if len(payload) == 0 {
		return "", errors.Wrap(ErrBadMessage, "empty id payload")
	}
	if strings.ContainsRune(string(payload), 0) {
		return "", errors.Wrap(ErrBadMessage, "NUL byte in id payload")
	}
	dec := json.NewDecoder(strings.NewReader(string(payload)))
	var id string
	if err := dec.Decode(&id); err != nil {
		return "", errors.Wrap(ErrBadMessage, "malformed id payload")
	}
	if dec.More() {
		return "", errors.Wrap(ErrBadMessage, "trailing data after id payload")
	}
	if err := ValidateID(id); err != nil {
		return "", err
	}
	return id, nil
}

// ParseAncestry decodes an ancestry response: a JSON array of ids, wire
// order tip-first. The returned slice is reversed to parent-first order,
// the order layers must be materialized in. Rejects NUL bytes, malformed
// JSON, empty arrays, duplicate ids, arrays beyond LayersMax, and any
// element that fails the content-address grammar.
func ParseAncestry(payload []byte) ([]string, error) {
	if len(payload) == 0 {
		return nil, errors.Wrap(ErrBadMessage, "empty ancestry payload")
	}
	if strings.ContainsRune(string(payload), 0) {
		return nil, errors.Wrap(ErrBadMessage, "NUL byte in ancestry payload")
	}
	dec := json.NewDecoder(strings.NewReader(string(payload)))
	var ids []string
	if err := dec.Decode(&ids); err != nil {
		return nil, errors.Wrap(ErrBadMessage, "malformed ancestry payload")
	}
	if dec.More() {
		return nil, errors.Wrap(ErrBadMessage, "trailing data after ancestry payload")
	}
	if len(ids) == 0 {
		return nil, errors.Wrap(ErrBadMessage, "empty ancestry")
	}
	if len(ids) > LayersMax {
		return nil, errors.Wrapf(ErrTooManyLayers, "ancestry has %d layers, max %d", len(ids), LayersMax)
	}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if err := ValidateID(id); err != nil {
			return nil, err
		}
		if _, dup := seen[id]; dup {
			return nil, errors.Wrapf(ErrBadMessage, "duplicate ancestry id %q", id)
		}
		seen[id] = struct{}{}
	}
	reversed := make([]string, len(ids))
	for i, id := range ids {
		reversed[len(ids)-1-i] = id
	}
	return reversed, nil
}

// ErrTooManyLayers is the sentinel for an ancestry exceeding LayersMax.
var ErrTooManyLayers = errors.New("ancestry exceeds layer limit")
