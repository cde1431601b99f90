// Package fetch streams a remote image into a pyramid as it downloads.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
)

var (
	ErrTransport = errors.New("fetch: transport error")
	ErrCancelled = errors.New("fetch: cancelled")
)

// StatusError reports a response other than 200 OK
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: status %d %s", e.URL, e.Code, fasthttp.StatusMessage(e.Code))
}

// Sink receives the body in order. Feed must not keep the chunk.
type Sink interface {
	Feed(chunk []byte) error
	Finish() error
	Fail(reason error) error
}

// Progress is the download state after a chunk
type Progress struct {
	Total    int64 // -1 when the length is unknown
	Received int64
}

// Fraction returns Received/Total, or -1 when the total is unknown
func (p Progress) Fraction() float64 {
	if p.Total <= 0 {
		return -1
	}
	return float64(p.Received) / float64(p.Total)
}

// Config controls the HTTP client
type Config struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	ChunkSize    int
	UserAgent    string
}

// DefaultConfig returns the default client settings
func DefaultConfig() Config {
	return Config{
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		ChunkSize:    64 << 10,
		UserAgent:    "pyramidctl",
	}
}

// Fetcher downloads bodies with a streaming fasthttp client
type Fetcher struct {
	client *fasthttp.Client
	cfg    Config

	received atomic.Int64
	total    atomic.Int64
}

// New returns a fetcher. A nil client gets one built from cfg; a supplied
// client must have StreamResponseBody set for chunks to arrive while the
// body is still downloading.
func New(cfg Config, client *fasthttp.Client) *Fetcher {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultConfig().ChunkSize
	}
	if client == nil {
		client = &fasthttp.Client{
			ReadTimeout:        cfg.ReadTimeout,
			WriteTimeout:       cfg.WriteTimeout,
			StreamResponseBody: true,
			Name:               cfg.UserAgent,
		}
	}
	f := &Fetcher{client: client, cfg: cfg}
	f.total.Store(-1)
	return f
}

// Progress returns the state of the running or last download
func (f *Fetcher) Progress() Progress {
	return Progress{Total: f.total.Load(), Received: f.received.Load()}
}

// Fetch downloads url into sink, calling onChunk (if set) after every chunk.
// Every outcome reaches the sink: the whole body followed by Finish, or
// Fail with the cause. The returned error is the sink's or the transport's.
func (f *Fetcher) Fetch(ctx context.Context, url string, sink Sink, onChunk func(Progress)) error {
	f.received.Store(0)
	f.total.Store(-1)
	logger := slog.With(slog.String("url", url))

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)
	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodGet)

	if err := ctx.Err(); err != nil {
		return sink.Fail(fmt.Errorf("%w: %w", ErrCancelled, err))
	}
	start := time.Now()
	if err := f.client.Do(req, resp); err != nil {
		logger.Debug("Request failed", slog.Any("error", err))
		return sink.Fail(fmt.Errorf("%w: %w", ErrTransport, err))
	}
	defer resp.CloseBodyStream()
	if code := resp.StatusCode(); code != fasthttp.StatusOK {
		return sink.Fail(&StatusError{URL: url, Code: code})
	}
	if n := resp.Header.ContentLength(); n >= 0 {
		f.total.Store(int64(n))
	}
	logger.Debug("Response received",
		slog.Int64("contentLength", f.total.Load()),
		slog.Duration("latency", time.Since(start)))

	var body io.Reader = resp.BodyStream()
	if body == nil {
		body = bytes.NewReader(resp.Body())
	}
	buf := make([]byte, f.cfg.ChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return sink.Fail(fmt.Errorf("%w: %w", ErrCancelled, err))
		}
		n, rerr := body.Read(buf)
		if n > 0 {
			if err := sink.Feed(buf[:n]); err != nil {
				return err
			}
			p := Progress{Total: f.total.Load(), Received: f.received.Add(int64(n))}
			if onChunk != nil {
				onChunk(p)
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return sink.Fail(fmt.Errorf("%w: %w", ErrTransport, rerr))
		}
	}
	if total := f.total.Load(); total >= 0 && f.received.Load() != total {
		return sink.Fail(fmt.Errorf("%w: body ended after %d of %d bytes", ErrTransport, f.received.Load(), total))
	}
	logger.Debug("Download complete",
		slog.Int64("received", f.received.Load()),
		slog.Duration("elapsed", time.Since(start)))
	return sink.Finish()
}
