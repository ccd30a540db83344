// Package client issues outbound HTTP calls to upstream targets.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"transit-gateway/internal/config"
	"transit-gateway/internal/metrics"
	"transit-gateway/internal/model"
	"transit-gateway/internal/router"
)

// UpstreamClient sends requests to configured upstream targets over a shared
// connection pool. Per-call timeouts come from the target, not the pool, so
// one slow target never shortens another's budget.
type UpstreamClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// Outcome carries the result of an asynchronous upstream call.
type Outcome struct {
	Result *model.UpstreamResult
	Err    error
}

// NewUpstreamClient creates an UpstreamClient with connection pooling.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	transport := &http.Transport{
		MaxIdleConns:        cfg.Client.IdleConnections,
		MaxIdleConnsPerHost: cfg.Client.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &UpstreamClient{
		// No client-wide timeout; each call carries its own deadline via context.
		// Redirects are not followed: a 3xx from the upstream is relayed to the
		// caller with its Location intact, like any other status.
		httpClient: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:     logger.With("component", "upstream_client"),
		metrics:    m,
	}
}

// Call sends the request to the target, applying the target's timeout to each
// attempt and its retry budget across attempts. Retries wait a fixed delay
// between attempts and stop after retries+1 attempts, when the request context
// is cancelled, or immediately on a non-transient failure. Non-idempotent
// methods are never retried unless the target enables retry_unsafe.
func (c *UpstreamClient) Call(target *router.Target, gr *model.GatewayRequest) (*model.UpstreamResult, error) {
	attempts := 0
	var result *model.UpstreamResult

	op := func() error {
		attempts++
		if attempts > 1 {
			if c.metrics != nil {
				c.metrics.UpstreamRetries.WithLabelValues(target.ID).Inc()
			}
			c.logger.Debug("retrying upstream call",
				"target", target.ID,
				"attempt", attempts,
			)
		}

		res, err := c.attempt(target, gr)
		if err != nil {
			if Classify(err) == model.KindUpstreamProtocol || !retryable(target, gr.Method) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = res
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(target.RetryDelay), uint64(target.Retries)),
		gr.Ctx,
	)

	if err := backoff.Retry(op, policy); err != nil {
		kind := Classify(err)
		if c.metrics != nil {
			c.metrics.UpstreamFailures.WithLabelValues(target.ID, string(kind)).Inc()
		}
		return nil, &model.UpstreamError{
			Kind:     kind,
			Target:   target.ID,
			Attempts: attempts,
			Err:      err,
		}
	}
	return result, nil
}

// CallAsync runs Call on its own goroutine and delivers the outcome on the
// returned channel. The channel is buffered so an abandoned call never leaks
// the goroutine.
func (c *UpstreamClient) CallAsync(target *router.Target, gr *model.GatewayRequest) <-chan Outcome {
	ch := make(chan Outcome, 1)
	go func() {
		res, err := c.Call(target, gr)
		ch <- Outcome{Result: res, Err: err}
	}()
	return ch
}

// attempt performs a single upstream request and buffers the response body.
func (c *UpstreamClient) attempt(target *router.Target, gr *model.GatewayRequest) (*model.UpstreamResult, error) {
	ctx, cancel := context.WithTimeout(gr.Ctx, target.Timeout)
	defer cancel()

	u := *target.BaseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + gr.Path
	u.RawQuery = gr.Query.Encode()

	var body io.Reader
	if len(gr.Body) > 0 {
		body = bytes.NewReader(gr.Body)
	}

	req, err := http.NewRequestWithContext(ctx, gr.Method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = gr.Header

	c.logger.Debug("upstream request",
		"target", target.ID,
		"method", gr.Method,
		"path", gr.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(gr.Method)
	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(target.ID, method).Observe(duration)
	}

	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamResponses.WithLabelValues(target.ID, method, status).Inc()
	}

	return &model.UpstreamResult{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       data,
	}, nil
}

// retryable reports whether the target's policy allows retrying the method.
// GET and HEAD carry no upstream side effects; everything else needs the
// target's explicit retry_unsafe opt-in.
func retryable(target *router.Target, method string) bool {
	if method == http.MethodGet || method == http.MethodHead {
		return true
	}
	return target.RetryUnsafe
}

// Classify maps a transport-level error to its gateway error kind.
func Classify(err error) model.ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return model.KindUpstreamTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return model.KindUpstreamTimeout
	}
	// net/http's response parser has no typed error for a garbled upstream
	// reply; its messages all share the "malformed HTTP" prefix ("malformed
	// HTTP response", "malformed HTTP status code", "malformed HTTP version"
	// in net/http/response.go). The prefix is pinned here.
	if strings.Contains(err.Error(), "malformed HTTP") {
		return model.KindUpstreamProtocol
	}
	return model.KindUpstreamConnection
}
