package llm

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"screening-engine/internal/domain/model"
)

// maxRetryHint bounds server-provided retry hints.
const maxRetryHint = 5 * time.Minute

// classifyStatus maps an HTTP error response to a failure.
// code is the provider's machine-readable error code, if any.
func classifyStatus(status int, code, msg string, h http.Header) *model.Failure {
	if msg == "" {
		msg = http.StatusText(status)
	}
	var f *model.Failure
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		f = model.NewFailure(model.FailureAuthError, msg)
	case status == http.StatusTooManyRequests:
		f = model.NewFailure(model.FailureRateLimited, msg)
		if code == "insufficient_quota" {
			// insufficient_quota is a billing state, not throttling.
			f = model.NewFailure(model.FailureProviderError, msg).WithRetriable(false)
		}
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		f = model.NewFailure(model.FailureTimeout, msg)
	case status >= 500:
		f = model.NewFailure(model.FailureProviderError, msg)
	default:
		f = model.NewFailure(model.FailureProviderError, msg).WithRetriable(false)
	}
	f.WithStatus(status)
	if code != "" {
		f.WithDetail(code)
	}
	if f.Retriable {
		f.RetryAfter = parseRetryAfter(h, time.Now())
	}
	return f
}

// parseRetryAfter reads retry-after-ms, then Retry-After as seconds or an
// HTTP date. Zero means no hint.
func parseRetryAfter(h http.Header, now time.Time) time.Duration {
	if h == nil {
		return 0
	}
	var d time.Duration
	if v := strings.TrimSpace(h.Get("retry-after-ms")); v != "" {
		if ms, err := strconv.ParseFloat(v, 64); err == nil && ms > 0 {
			d = time.Duration(ms * float64(time.Millisecond))
		}
	}
	if v := strings.TrimSpace(h.Get("Retry-After")); d == 0 && v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			if secs > 0 {
				d = time.Duration(secs * float64(time.Second))
			}
		} else if at, err := http.ParseTime(v); err == nil {
			d = at.Sub(now)
		}
	}
	if d < 0 {
		return 0
	}
	if d > maxRetryHint {
		return maxRetryHint
	}
	return d
}

// classifyTransport maps an error that happened before any HTTP status was
// received. parent is the caller's context without the per-attempt deadline.
func classifyTransport(parent context.Context, err error) *model.Failure {
	if parent.Err() != nil {
		return model.NewFailure(model.FailureCancelled, "call aborted: "+parent.Err().Error())
	}
	msg := err.Error()

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" && opErr.Timeout() {
		return model.NewFailure(model.FailureTimeout, msg).WithDetail("connect_timeout")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.NewFailure(model.FailureTimeout, msg).WithDetail("read_timeout")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		if strings.Contains(msg, "TLS handshake") {
			return model.NewFailure(model.FailureTimeout, msg).WithDetail("connect_timeout")
		}
		return model.NewFailure(model.FailureTimeout, msg).WithDetail("read_timeout")
	}

	nf := func(detail string) *model.Failure {
		return model.NewFailure(model.FailureNetworkError, msg).WithDetail(detail)
	}
	var dnsErr *net.DNSError
	var certErr *tls.CertificateVerificationError
	var unknownCA x509.UnknownAuthorityError
	var hostErr x509.HostnameError
	var recErr tls.RecordHeaderError
	switch {
	case errors.As(err, &dnsErr):
		if dnsErr.IsNotFound {
			return nf("dns_failure").WithRetriable(false)
		}
		return nf("dns_failure")
	case errors.Is(err, syscall.ECONNREFUSED):
		return nf("connection_refused")
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return nf("connection_reset")
	case errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.EHOSTUNREACH):
		return nf("network_unreachable")
	case errors.As(err, &certErr), errors.As(err, &unknownCA), errors.As(err, &hostErr):
		return nf("tls_handshake").WithRetriable(false)
	case errors.As(err, &recErr), strings.Contains(msg, "tls: "):
		return nf("tls_handshake")
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return nf("unexpected_eof")
	}
	return nf("transport")
}

// attemptContext applies the profile's read timeout to one call.
func attemptContext(ctx context.Context, p model.ProviderProfile) (context.Context, context.CancelFunc) {
	if p.ReadTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.ReadTimeout)
}
