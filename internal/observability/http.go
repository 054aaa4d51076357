package observability

import (
	"net/http"
	"time"
)

// Transport is an http.RoundTripper logging every request through the
// Observability carried by the request context.
type Transport struct {
	// Base performs the requests, http.DefaultTransport when nil.
	Base http.RoundTripper
}

// RoundTrip implements http.RoundTripper.
func (self Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	t0 := time.Now()

	base := self.Base
	if nil == base {
		base = http.DefaultTransport
	}

	log := GetObservability(req.Context()).Log()

	resp, err := base.RoundTrip(req)
	if nil != err {
		log.Warn(
			"failed HTTP request",
			"method", req.Method,
			"url", req.URL.Redacted(),
			"duration", time.Since(t0),
			"error", err,
		)
		return nil, err
	}

	log.Debug(
		"performed HTTP request",
		"method", req.Method,
		"url", req.URL.Redacted(),
		"status", resp.StatusCode,
		"duration", time.Since(t0),
	)

	return resp, nil
}

var _ http.RoundTripper = Transport{}
