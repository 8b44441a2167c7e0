package app

import (
	"net/http"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

func NewTransport(lc fx.Lifecycle, log *zap.Logger) http.RoundTripper {
	return &transport{http.DefaultTransport, log}
}

// transport logs every outbound request with its outcome and latency.
type transport struct {
	base http.RoundTripper
	log  *zap.Logger
}

func (tpt *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	res, err := tpt.base.RoundTrip(req)
	elapsed := int(time.Since(start).Milliseconds())

	if err != nil {
		tpt.log.Sugar().Warnw("Outbound request failed", "method", req.Method, "host", req.URL.Host, "err", err, "elapsed_msecs", elapsed)
		return nil, err
	}
	tpt.log.Sugar().Debugw("Outbound request", "method", req.Method, "host", req.URL.Host, "path", req.URL.Path, "status", res.StatusCode, "elapsed_msecs", elapsed)
	return res, nil
}
