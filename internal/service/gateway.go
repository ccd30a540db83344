// Package service implements the core request forwarding logic.
package service

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"transit-gateway/internal/cache"
	"transit-gateway/internal/client"
	"transit-gateway/internal/metrics"
	"transit-gateway/internal/model"
	"transit-gateway/internal/router"
)

// hopByHopHeaders are meaningful only for a single transport leg and are
// stripped in both directions when relaying.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

const userAgent = "transit-gateway/1.0"

// GatewayService routes inbound requests to upstream targets and relays the
// results.
type GatewayService struct {
	client  *client.UpstreamClient
	router  *router.Router
	cache   *cache.Cache
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewGatewayService creates a GatewayService. The metrics parameter is
// optional; pass nil to disable cache metrics recording.
func NewGatewayService(c *client.UpstreamClient, r *router.Router, ca *cache.Cache, logger *slog.Logger, m *metrics.Metrics) *GatewayService {
	return &GatewayService{
		client:  c,
		router:  r,
		cache:   ca,
		logger:  logger.With("component", "gateway_service"),
		metrics: m,
	}
}

// Forward selects the target for the request, delegates the call to the
// upstream client under the target's timeout and retry policy, and returns
// the result with hop-by-hop headers stripped. Cacheable requests may be
// served from the per-target TTL cache without an upstream call.
func (s *GatewayService) Forward(gr *model.GatewayRequest) (*model.UpstreamResult, error) {
	target, err := s.router.Match(gr.Path)
	if err != nil {
		return nil, err
	}

	gr.Header = s.filterRequestHeaders(gr.Header, gr.RemoteAddr)

	s.logger.Debug("forwarding request",
		"target", target.ID,
		"method", gr.Method,
		"path", gr.Path,
	)

	if target.CacheTTL > 0 && cacheable(gr.Method) {
		return s.forwardCached(target, gr)
	}

	res, err := s.client.Call(target, gr)
	if err != nil {
		return nil, err
	}
	res.Header = s.filterResponseHeaders(res.Header)
	return res, nil
}

// forwardCached serves the request from the target's TTL cache, filling it
// from upstream on a miss. Only results already past header filtering are
// stored, so hits can be returned as-is.
func (s *GatewayService) forwardCached(target *router.Target, gr *model.GatewayRequest) (*model.UpstreamResult, error) {
	key := cacheKey(target, gr)
	res, hit, err := s.cache.GetOrFill(key, target.CacheTTL, func() (*model.UpstreamResult, error) {
		res, err := s.client.Call(target, gr)
		if err != nil {
			return nil, err
		}
		res.Header = s.filterResponseHeaders(res.Header)
		return res, nil
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		if hit {
			s.metrics.CacheHits.WithLabelValues(target.ID).Inc()
		} else {
			s.metrics.CacheMisses.WithLabelValues(target.ID).Inc()
		}
	}
	if hit {
		s.logger.Debug("cache hit", "target", target.ID, "path", gr.Path)
	}
	return res, nil
}

// cacheable reports whether responses to the method may be cached.
func cacheable(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

func cacheKey(target *router.Target, gr *model.GatewayRequest) string {
	return fmt.Sprintf("%s %s %s?%s", target.ID, gr.Method, gr.Path, gr.Query.Encode())
}

// filterRequestHeaders strips hop-by-hop headers (including any named by the
// Connection header) and passes everything else through verbatim. The gateway
// identifies itself via User-Agent and records the caller in X-Forwarded-For.
func (s *GatewayService) filterRequestHeaders(src http.Header, remoteAddr string) http.Header {
	dst := stripHopByHop(src)
	dst.Del("Host")

	if remoteAddr != "" {
		if prior := dst.Get("X-Forwarded-For"); prior != "" {
			dst.Set("X-Forwarded-For", prior+", "+remoteAddr)
		} else {
			dst.Set("X-Forwarded-For", remoteAddr)
		}
	}
	dst.Set("User-Agent", userAgent)
	return dst
}

// filterResponseHeaders strips hop-by-hop headers from the upstream response.
// Content-Length is dropped too since the relayed body is re-framed when the
// response is written.
func (s *GatewayService) filterResponseHeaders(src http.Header) http.Header {
	dst := stripHopByHop(src)
	dst.Del("Content-Length")
	return dst
}

func stripHopByHop(src http.Header) http.Header {
	dst := src.Clone()

	// Headers named by Connection are hop-by-hop per RFC 9110 §7.6.1.
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				dst.Del(name)
			}
		}
	}
	for _, h := range hopByHopHeaders {
		dst.Del(h)
	}
	return dst
}
