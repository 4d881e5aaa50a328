package pull

import (
	"io"

	"github.com/pkg/errors"

	"github.com/layerpull/engine/layer"
	"github.com/layerpull/engine/progress"
	"github.com/layerpull/engine/registry"
	"github.com/layerpull/engine/transport"
)

// jobSink adapts transport.Sink to the Pull's single-goroutine event
// loop: every callback just enqueues a closure onto p.actions, so no two
// callbacks ever run concurrently regardless of which transport
// goroutine invoked them.
type jobSink struct {
	p    *Pull
	kind transport.Kind
}

func (p *Pull) sinkFor(kind transport.Kind) transport.Sink {
	return jobSink{p: p, kind: kind}
}

func (s jobSink) OnHeader(key, value string) {
	s.p.actions <- func() {
		if err := s.p.session.ApplyHeader(key, value); err != nil {
			s.p.fail(err)
		}
	}
}

func (s jobSink) OnBuffered(body []byte) {
	s.p.actions <- func() {
		s.p.handleBuffered(s.kind, body)
	}
}

func (s jobSink) OnBodyReady() (io.Writer, error) {
	type result struct {
		w   io.Writer
		err error
	}
	reply := make(chan result, 1)
	s.p.actions <- func() {
		w, err := s.p.handleBodyReady()
		reply <- result{w, err}
	}
	r := <-reply
	return r.w, r.err
}

func (s jobSink) OnProgress(percent int, written, total int64) {
	s.p.actions <- func() {
		s.p.handleProgress(s.kind, percent, written, total)
	}
}

func (s jobSink) OnFinished(err error) {
	s.p.actions <- func() {
		s.p.handleFinished(s.kind, err)
	}
}

// handleBuffered parses the payload for request kinds that carry one.
func (p *Pull) handleBuffered(kind transport.Kind, body []byte) {
	if p.finished {
		return
	}
	switch kind {
	case transport.KindTags:
		id, err := registry.ParseID(body)
		if err != nil {
			p.fail(err)
			return
		}
		p.id = id
	case transport.KindAncestry:
		ancestry, err := registry.ParseAncestry(body)
		if err != nil {
			p.fail(err)
			return
		}
		if ancestry[len(ancestry)-1] != p.id {
			p.fail(errors.Wrapf(ErrBadMessage, "ancestry tail %q does not match resolved id %q", ancestry[len(ancestry)-1], p.id))
			return
		}
		p.ancestry = ancestry
	case transport.KindImages, transport.KindJSON:
		// Headers are what matter for images; json's payload is not
		// consumed by the core, per spec.md §4.1.
	}
}

// handleBodyReady is the KindLayer OnBodyReady callback: create the temp
// snapshot, fork the extractor, and hand back its stdin.
func (p *Pull) handleBodyReady() (io.Writer, error) {
	if p.finished {
		return nil, errors.New("pull already finished")
	}
	return p.layers.BeginLayer(p.currentLayerID)
}

func (p *Pull) handleProgress(kind transport.Kind, percent int, written, total int64) {
	if p.finished {
		return
	}
	switch kind {
	case transport.KindImages:
		p.progress.Search(percent)
	case transport.KindTags:
		p.progress.Resolve(percent)
	case transport.KindAncestry:
		p.progress.Metadata(percent, jsonProgressHint(p))
	case transport.KindJSON:
		p.progress.Metadata(ancestryProgressHint(p), percent)
	case transport.KindLayer:
		detail := p.currentLayerID
		if total > 0 {
			detail = progress.ReportLayerSize(detail, total)
		}
		p.progress.Download(p.layers.Current(), p.layers.Len(), percent, detail)
	}
}

func ancestryProgressHint(p *Pull) int {
	if p.ancestryDone {
		return 100
	}
	return 0
}

func jsonProgressHint(p *Pull) int {
	if p.jsonDone {
		return 100
	}
	return 0
}

func (p *Pull) handleFinished(kind transport.Kind, err error) {
	if p.finished {
		return
	}
	if err != nil {
		p.fail(err)
		return
	}

	switch kind {
	case transport.KindImages:
		p.imagesDone = true
		if len(p.session.Endpoints()) == 0 {
			p.fail(errors.Wrap(ErrBadMessage, "registry returned no endpoints"))
			return
		}
		p.beginResolve()
	case transport.KindTags:
		p.tagsDone = true
		p.beginMetadata()
	case transport.KindAncestry:
		p.ancestryDone = true
		p.layers = layer.NewDriver(p.imageRoot, p.ancestry, p.opts.Snapshot, p.opts.Whiteout, p.log.WithField("component", "layer"))
		if p.opts.Extractor != nil {
			p.layers.SetExtractor(p.opts.Extractor)
		}
		p.tryIssueLayer()
	case transport.KindJSON:
		p.jsonDone = true
		p.maybeComplete()
	case transport.KindLayer:
		// FinishLayer's wait for the extractor child can block for as
		// long as extraction takes, so it runs on its own goroutine;
		// onDone re-enters the loop through p.actions instead of
		// touching Pull/Driver state directly, per spec.md §5.
		p.layers.FinishLayer(nil, func(err error) {
			p.actions <- func() {
				p.handleLayerFinished(err)
			}
		})
	}
}

// handleLayerFinished runs on the loop goroutine once a layer's extractor
// has exited and, on success, has been promoted into place.
func (p *Pull) handleLayerFinished(err error) {
	if p.finished {
		return
	}
	p.layers.CommitLayer(err)
	p.layerActive = false
	if err != nil {
		p.fail(err)
		return
	}
	p.tryIssueLayer()
}
