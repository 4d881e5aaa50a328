// Package progress maps the pull state machine's current phase and
// sub-progress onto a single monotone percentage and publishes it to
// subscribers, spec.md §4.5's "environment notification channel".
package progress

import (
	"context"
	"fmt"

	"github.com/docker/go-events"
	"github.com/docker/go-units"
)

// Phase is one of the state machine's top-level states.
type Phase int

const (
	PhaseSearch Phase = iota
	PhaseResolve
	PhaseMetadata
	PhaseDownload
	PhaseCopy
)

func (p Phase) String() string {
	switch p {
	case PhaseSearch:
		return "search"
	case PhaseResolve:
		return "resolve"
	case PhaseMetadata:
		return "metadata"
	case PhaseDownload:
		return "download"
	case PhaseCopy:
		return "copy"
	default:
		return "unknown"
	}
}

// Update is one progress notification.
type Update struct {
	Phase   Phase
	Percent int
	Message string
}

// Reporter implements the percentage table from spec.md §4.5. It tracks
// the highest percent emitted so far — progress must be monotone
// non-decreasing per spec.md §8 — and publishes every Update onto an
// events.Channel that any number of subscribers can drain independently.
type Reporter struct {
	sink events.Sink
	max  int
}

// reporterBuffer sizes the update channel so that a burst of up to this
// many progress calls (e.g. several layers finishing back to back) does
// not block the pull loop goroutine; once the buffer is full, each
// further update blocks until a subscriber drains one.
const reporterBuffer = 64

// NewReporter returns a Reporter and the channel to read Updates from.
func NewReporter() (*Reporter, *events.Channel) {
	ch := events.NewChannel(reporterBuffer)
	return &Reporter{sink: ch}, ch
}

// Search reports SEARCH phase progress: 0 + 5%*subProgress.
func (r *Reporter) Search(subProgress int) {
	r.emit(PhaseSearch, 0+scale(5, subProgress), "")
}

// Resolve reports RESOLVE phase progress: 5 + 5%*subProgress.
func (r *Reporter) Resolve(subProgress int) {
	r.emit(PhaseResolve, 5+scale(5, subProgress), "")
}

// Metadata reports METADATA phase progress: 10 + 5%*ancestry + 5%*json.
func (r *Reporter) Metadata(ancestrySubProgress, jsonSubProgress int) {
	r.emit(PhaseMetadata, 10+scale(5, ancestrySubProgress)+scale(5, jsonSubProgress), "")
}

// Download reports DOWNLOAD phase progress:
// 20 + 75%*(currentAncestry/max(1,ancestryLen)) + 75%*(layerSubProgress/max(1,ancestryLen)).
func (r *Reporter) Download(currentAncestry, ancestryLen, layerSubProgress int, detail string) {
	denom := ancestryLen
	if denom < 1 {
		denom = 1
	}
	pct := 20 + 75*currentAncestry/denom + 75*layerSubProgress/(100*denom)
	r.emit(PhaseDownload, pct, detail)
}

// Copy reports the terminal COPY phase.
func (r *Reporter) Copy() {
	r.emit(PhaseCopy, 95, "")
}

// Done reports completion.
func (r *Reporter) Done() {
	r.emit(PhaseCopy, 100, "complete")
}

func (r *Reporter) emit(phase Phase, pct int, detail string) {
	if pct > 100 {
		pct = 100
	}
	if pct < r.max {
		pct = r.max
	}
	r.max = pct

	msg := phase.String()
	if detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, detail)
	}
	r.sink.Write(Update{Phase: phase, Percent: pct, Message: msg})
}

func scale(weight, subProgress int) int {
	return weight * subProgress / 100
}

// ReportLayerSize formats a human-readable size alongside a progress
// message, using go-units the way moby's own progress output does.
func ReportLayerSize(detail string, bytes int64) string {
	return fmt.Sprintf("%s (%s)", detail, units.HumanSize(float64(bytes)))
}

// Close stops accepting further updates.
func (r *Reporter) Close() error {
	return r.sink.(*events.Channel).Close()
}

// Drain reads every queued Update from ch without blocking past ctx's
// deadline/cancellation, for use in tests.
func Drain(ctx context.Context, ch *events.Channel) []Update {
	var out []Update
	for {
		select {
		case ev := <-ch.C:
			out = append(out, ev.(Update))
		case <-ctx.Done():
			return out
		default:
			return out
		}
	}
}
