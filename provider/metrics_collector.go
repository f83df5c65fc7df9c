package provider

import (
	"net/http"
	neturl "net/url"
	"strings"
	"time"

	metrics "github.com/evdnx/gotrademetrics"
)

// httpMetricsCollector adapts gotrademetrics to gohttpcl's MetricsCollector interface.
type httpMetricsCollector struct {
	metrics *metrics.Metrics
	service string
}

func newHTTPMetricsCollector(m *metrics.Metrics, service string) *httpMetricsCollector {
	if m == nil {
		return nil
	}
	service = strings.TrimSpace(service)
	if service == "" {
		service = "provider"
	}
	return &httpMetricsCollector{metrics: m, service: service}
}

func (c *httpMetricsCollector) IncRequests(method, target string) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.RecordAPIRequest(c.service, endpointLabel(method, target))
}

func (c *httpMetricsCollector) IncRetries(method, target string, attempt int) {
	if c == nil || c.metrics == nil {
		return
	}
	if attempt == 1 {
		c.metrics.RecordRetryRequest()
	}
	c.metrics.RecordRetryAttempt()
}

func (c *httpMetricsCollector) IncFailures(method, target string, statusCode int) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.RecordAPIError(c.service, failureReason(statusCode))
}

func (c *httpMetricsCollector) ObserveLatency(method, target string, duration time.Duration) {
	if c == nil || c.metrics == nil {
		return
	}
	label := endpointLabel(method, target)
	seconds := duration.Seconds()
	c.metrics.RecordAPILatency(c.service, label, seconds)
	c.metrics.RecordAPIRequestDuration(c.service, label, seconds)
}

func failureReason(statusCode int) metrics.Reason {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return metrics.ReasonRateLimit
	case statusCode >= http.StatusInternalServerError:
		return metrics.ReasonInternal
	case statusCode <= 0:
		return metrics.ReasonNetworkError
	default:
		return metrics.ReasonAPIError
	}
}

// endpointLabel keeps label cardinality bounded: the query string is dropped
// and symbol path segments collapse to ":symbol".
func endpointLabel(method, rawTarget string) string {
	method = strings.ToUpper(strings.TrimSpace(method))
	path := rawTarget
	if u, err := neturl.Parse(rawTarget); err == nil {
		path = u.Path
	}
	segments := strings.Split(path, "/")
	for i, s := range segments {
		if isSymbolSegment(s) {
			segments[i] = ":symbol"
		}
	}
	path = strings.Join(segments, "/")
	if path == "" {
		path = "/"
	}
	if method == "" {
		return path
	}
	return method + " " + path
}

func isSymbolSegment(s string) bool {
	if s == "" || len(s) > 12 {
		return false
	}
	return strings.ToUpper(s) == s && strings.ToLower(s) != s
}
