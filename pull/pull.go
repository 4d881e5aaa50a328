// Package pull implements the PullStateMachine of spec.md §4.1: one
// session object, driven by a single-goroutine event loop, that walks a
// v1 registry through SEARCH -> RESOLVE -> METADATA -> DOWNLOAD -> COPY
// and materializes the resulting image as a chain of copy-on-write
// snapshots.
package pull

import (
	"context"
	"fmt"
	"sync"

	"github.com/docker/go-events"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/layerpull/engine/layer"
	"github.com/layerpull/engine/progress"
	"github.com/layerpull/engine/registry"
	"github.com/layerpull/engine/transport"
)

type state int

const (
	stateIdle state = iota
	stateSearch
	stateResolve
	stateMetadata
	stateDownload
	stateCopy
	stateDone
)

// Pull is one image-pull session. Create with New, drive with Start.
// A Pull is not safe for concurrent Start calls, but Cancel and the
// read-only accessors may be called from any goroutine.
type Pull struct {
	indexURL  string
	imageRoot string
	opts      Options
	log       *logrus.Entry

	session registry.Session

	// actions serializes every mutation of the fields below onto a
	// single loop goroutine, per spec.md §5's "no locks are needed
	// between session fields" design.
	actions chan func()

	mu       sync.Mutex // guards started/finished only, for Start/Cancel from other goroutines
	started  bool
	finished bool

	ctx    context.Context
	cancel context.CancelFunc

	name, tag, local string
	forceLocal       bool
	id               string

	ancestry       []string
	currentLayerID string
	layers         *layer.Driver

	imagesDone, tagsDone, ancestryDone, jsonDone bool
	layerActive                                  bool

	imagesJob, tagsJob, ancestryJob, jsonJob, layerJob *transport.Handle

	st state

	progress   *progress.Reporter
	progressCh *events.Channel

	resultCh chan Result
	err      error
}

// New validates indexURL and returns an idle Pull. No I/O is issued.
func New(indexURL, imageRoot string, opts Options) (*Pull, error) {
	clean, err := registry.ValidateIndexURL(indexURL)
	if err != nil {
		return nil, err
	}
	opts.setDefaults()
	reporter, ch := progress.NewReporter()
	p := &Pull{
		indexURL:   clean,
		imageRoot:  imageRoot,
		opts:       opts,
		log:        opts.Logger.WithField("component", "pull"),
		actions:    make(chan func(), 16),
		progress:   reporter,
		progressCh: ch,
		resultCh:   make(chan Result, 1),
	}
	return p, nil
}

// Progress returns the channel progress updates are published to.
func (p *Pull) Progress() *events.Channel { return p.progressCh }

// Start validates name/tag/local and begins the pull, issuing the first
// (images) request. It returns a channel that receives exactly one
// Result when the pull terminates — by success, by the first
// unrecoverable error, or by Cancel.
func (p *Pull) Start(ctx context.Context, name, tag, local string, forceLocal bool) (<-chan Result, error) {
	if err := registry.ValidateName(name); err != nil {
		return nil, err
	}
	if tag == "" {
		tag = registry.DefaultTag
	}
	if err := registry.ValidateTag(tag); err != nil {
		return nil, err
	}
	if local != "" {
		if err := registry.ValidateLocal(local); err != nil {
			return nil, err
		}
	}

	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return nil, ErrBusy
	}
	p.started = true
	p.mu.Unlock()

	p.name, p.tag, p.local, p.forceLocal = name, tag, local, forceLocal
	p.log = p.log.WithFields(logrus.Fields{"image": name, "tag": tag})
	p.ctx, p.cancel = context.WithCancel(ctx)

	go p.loop()
	p.actions <- p.beginSearch

	return p.resultCh, nil
}

// Cancel aborts an in-progress pull. It is idempotent and safe to call
// after the pull has already finished.
func (p *Pull) Cancel() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (p *Pull) loop() {
	for {
		select {
		case fn := <-p.actions:
			fn()
			p.mu.Lock()
			done := p.finished
			p.mu.Unlock()
			if done {
				return
			}
		case <-p.ctx.Done():
			p.fail(p.ctx.Err())
			return
		}
	}
}

// beginSearch issues the images request at
// {index_url}/v1/repositories/{name}/images.
func (p *Pull) beginSearch() {
	p.st = stateSearch
	url := fmt.Sprintf("%s/v1/repositories/%s/images", p.indexURL, p.name)
	p.imagesJob = p.opts.Transport.Do(p.ctx, transport.Request{
		Kind:    transport.KindImages,
		URL:     url,
		Headers: p.session.AuthHeaders(),
	}, p.sinkFor(transport.KindImages))
}

// registryBase returns the https base URL of the single registry
// endpoint this session uses — always the first one discovered, per
// spec.md §4.1's tie-break.
func (p *Pull) registryBase() (string, error) {
	reg, ok := p.session.Registry()
	if !ok {
		return "", errors.Wrap(ErrBadMessage, "no registry endpoints discovered")
	}
	return "https://" + reg, nil
}

func (p *Pull) beginResolve() {
	p.st = stateResolve
	reg, err := p.registryBase()
	if err != nil {
		p.fail(err)
		return
	}
	url := fmt.Sprintf("%s/v1/repositories/%s/tags/%s", reg, p.name, p.tag)
	p.tagsJob = p.opts.Transport.Do(p.ctx, transport.Request{
		Kind:    transport.KindTags,
		URL:     url,
		Headers: p.session.AuthHeaders(),
	}, p.sinkFor(transport.KindTags))
}

func (p *Pull) beginMetadata() {
	p.st = stateMetadata
	reg, err := p.registryBase()
	if err != nil {
		p.fail(err)
		return
	}
	ancestryURL := fmt.Sprintf("%s/v1/images/%s/ancestry", reg, p.id)
	jsonURL := fmt.Sprintf("%s/v1/images/%s/json", reg, p.id)
	p.ancestryJob = p.opts.Transport.Do(p.ctx, transport.Request{
		Kind: transport.KindAncestry, URL: ancestryURL, Headers: p.session.AuthHeaders(),
	}, p.sinkFor(transport.KindAncestry))
	p.jsonJob = p.opts.Transport.Do(p.ctx, transport.Request{
		Kind: transport.KindJSON, URL: jsonURL, Headers: p.session.AuthHeaders(),
	}, p.sinkFor(transport.KindJSON))
}

func (p *Pull) tryIssueLayer() {
	if p.layerActive || p.layers == nil {
		return
	}
	id, ok := p.layers.Next()
	if !ok {
		p.maybeComplete()
		return
	}
	p.currentLayerID = id
	p.layerActive = true
	p.st = stateDownload
	reg, err := p.registryBase()
	if err != nil {
		p.fail(err)
		return
	}
	url := fmt.Sprintf("%s/v1/images/%s/layer", reg, id)
	p.layerJob = p.opts.Transport.Do(p.ctx, transport.Request{
		Kind: transport.KindLayer, URL: url, Headers: p.session.AuthHeaders(),
	}, p.sinkFor(transport.KindLayer))
}

// maybeComplete implements spec.md §4.1's completion predicate.
func (p *Pull) maybeComplete() {
	if !(p.imagesDone && p.tagsDone && p.ancestryDone && p.jsonDone) {
		return
	}
	if p.layerActive {
		return
	}
	if p.layers == nil {
		return
	}
	if _, more := p.layers.Next(); more {
		return
	}
	p.beginCopy()
}

func (p *Pull) beginCopy() {
	p.st = stateCopy
	p.progress.Copy()
	if p.local != "" {
		finalPath := p.layers.Path(p.id)
		if err := p.opts.LocalCopier.MakeLocal(finalPath, p.imageRoot, p.local, p.forceLocal); err != nil {
			p.fail(errors.Wrap(err, "making local alias"))
			return
		}
	}
	p.finish(nil)
}

func (p *Pull) fail(err error) {
	p.finish(err)
}

// finish latches the first result, tears down owned resources, and
// delivers to resultCh exactly once, per spec.md §7's propagation policy.
func (p *Pull) finish(err error) {
	p.mu.Lock()
	if p.finished {
		p.mu.Unlock()
		return
	}
	p.finished = true
	p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}
	if p.imagesJob != nil {
		p.imagesJob.Cancel()
	}
	if p.tagsJob != nil {
		p.tagsJob.Cancel()
	}
	if p.ancestryJob != nil {
		p.ancestryJob.Cancel()
	}
	if p.jsonJob != nil {
		p.jsonJob.Cancel()
	}
	if p.layerJob != nil {
		p.layerJob.Cancel()
	}
	if p.layers != nil {
		p.layers.Cleanup()
	}

	res := Result{Err: err}
	if p.layers != nil {
		res.LayersFetched = p.layers.Current()
		if err == nil {
			res.LayersFetched = p.layers.Len()
		}
		res.LayersReused = p.layers.Reused()
	}
	if err == nil {
		p.st = stateDone
		p.progress.Done()
		res.FinalPercent = 100
	}
	p.err = err
	p.resultCh <- res
	close(p.resultCh)
	p.progress.Close()
}
