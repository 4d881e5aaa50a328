package pull

import (
	"github.com/pkg/errors"

	"github.com/layerpull/engine/extract"
	"github.com/layerpull/engine/registry"
)

// Sentinel errors, matching the error kinds of spec.md §7. Use
// errors.Is against these, or errors.Cause to unwrap a wrapped instance.
var (
	// ErrInvalid: invalid index URL, name, tag, or local alias.
	ErrInvalid = registry.ErrInvalid
	// ErrBusy: Start called on an already-active Pull.
	ErrBusy = errors.New("pull already in progress")
	// ErrBadMessage: malformed JSON, empty/duplicate ancestry, ancestry
	// tail mismatch, missing registry endpoints, invalid hostnames or ids.
	ErrBadMessage = registry.ErrBadMessage
	// ErrTooManyLayers: ancestry longer than registry.LayersMax.
	ErrTooManyLayers = registry.ErrTooManyLayers
	// ErrExtractFailed: the extractor child exited non-zero or was
	// terminated by a signal.
	ErrExtractFailed = extract.ErrExtractFailed
)
