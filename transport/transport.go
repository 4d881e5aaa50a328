// Package transport adapts net/http into the callback-driven request model
// the pull state machine is built around: issue a GET, deliver header
// lines, hand back a writable sink once the body is ready, report
// progress, and signal completion exactly once.
package transport

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"time"

	"github.com/docker/go-connections/tlsconfig"
	"github.com/pkg/errors"
)

// Kind identifies which of the five registry request shapes a Request is.
type Kind int

const (
	KindImages Kind = iota
	KindTags
	KindAncestry
	KindJSON
	KindLayer
)

func (k Kind) String() string {
	switch k {
	case KindImages:
		return "images"
	case KindTags:
		return "tags"
	case KindAncestry:
		return "ancestry"
	case KindJSON:
		return "json"
	case KindLayer:
		return "layer"
	default:
		return "unknown"
	}
}

// Request describes one outgoing GET.
type Request struct {
	Kind    Kind
	URL     string
	Headers map[string]string
}

// Sink receives the callbacks a single in-flight request produces. Every
// method may be called from a goroutine other than the caller's; sinks
// that mutate shared state must serialize themselves (the pull package
// does this by funneling calls through its own event-loop channel).
type Sink interface {
	// OnHeader is called once per response header line, before OnBodyReady.
	OnHeader(key, value string)
	// OnBodyReady is called once, right before body bytes are available,
	// for requests that stream a body (KindLayer). It must return a
	// writer that receives the raw response body, or an error to abort
	// the request before any bytes are read.
	OnBodyReady() (io.Writer, error)
	// OnBuffered is called once for requests that buffer their body
	// instead of streaming it (everything but KindLayer), with the full
	// response body.
	OnBuffered(body []byte)
	// OnProgress reports progress as an integer percent, along with the
	// bytes written so far and the total. For streamed bodies (KindLayer)
	// it is called only when Content-Length is known, with total set to
	// it; a buffered request gets one call with percent 100 and written
	// and total both equal to the body length.
	OnProgress(percent int, written, total int64)
	// OnFinished is called exactly once, with nil on success.
	OnFinished(err error)
}

// Handle lets the issuer cancel an in-flight request.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel aborts the request. It does not block until OnFinished has run.
func (h *Handle) Cancel() {
	h.cancel()
}

// Wait blocks until OnFinished has been delivered.
func (h *Handle) Wait() {
	<-h.done
}

// Transport issues requests asynchronously.
type Transport interface {
	Do(ctx context.Context, req Request, sink Sink) *Handle
}

// HTTPClient is the subset of *http.Client that Transport needs; tests can
// substitute a fake.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPTransport is the default Transport, backed by net/http.
type HTTPTransport struct {
	Client HTTPClient
}

// NewHTTPTransport builds an HTTPTransport with a client configured using
// go-connections' client TLS defaults, suitable for talking to registries
// over HTTPS with the platform's trusted root pool.
func NewHTTPTransport() *HTTPTransport {
	tlsCfg := tlsconfig.ClientDefault()
	tlsCfg.InsecureSkipVerify = false
	return &HTTPTransport{
		Client: &http.Client{
			Timeout: 0, // streaming layer bodies have no fixed deadline
			Transport: &http.Transport{
				TLSClientConfig:     tlsCfg,
				TLSHandshakeTimeout: 15 * time.Second,
			},
		},
	}
}

// InsecureHTTPTransport builds an HTTPTransport that accepts self-signed
// certificates, for talking to test registries.
func InsecureHTTPTransport() *HTTPTransport {
	t := NewHTTPTransport()
	ht := t.Client.(*http.Client).Transport.(*http.Transport)
	ht.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // test/dev registries only
	return t
}

// Do issues req and returns immediately with a Handle; sink methods are
// invoked from a background goroutine as the request progresses.
func (t *HTTPTransport) Do(ctx context.Context, req Request, sink Sink) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(h.done)
		sink.OnFinished(t.run(ctx, req, sink))
	}()

	return h
}

func (t *HTTPTransport) run(ctx context.Context, req Request, sink Sink) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return errors.Wrapf(err, "building request for %s", req.URL)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.Client.Do(httpReq)
	if err != nil {
		return errors.Wrapf(err, "%s %s", req.Kind, req.URL)
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			sink.OnHeader(k, v)
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("%s %s: unexpected status %d", req.Kind, req.URL, resp.StatusCode)
	}

	if req.Kind == KindLayer {
		w, err := sink.OnBodyReady()
		if err != nil {
			return err
		}
		total := resp.ContentLength
		pw := &progressWriter{w: w, total: total, report: sink.OnProgress}
		if _, err := io.Copy(pw, resp.Body); err != nil {
			return errors.Wrapf(err, "streaming body for %s", req.URL)
		}
		return nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(err, "reading body for %s", req.URL)
	}
	sink.OnBuffered(body)
	sink.OnProgress(100, int64(len(body)), int64(len(body)))
	return nil
}

type progressWriter struct {
	w       io.Writer
	total   int64
	written int64
	report  func(percent int, written, total int64)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.written += int64(n)
	if p.total > 0 {
		p.report(int(p.written*100/p.total), p.written, p.total)
	}
	return n, err
}
