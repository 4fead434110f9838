package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"

	"go.uber.org/zap"

	"github.com/peterje/popper/internal/api"
)

var errNoHost = errors.New("gateway: host not connected")

// NewProxy forwards user requests, WebSocket upgrades included, over
// streams opened on the attached host.
func NewProxy(host *Host, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return host.Dial()
		},
		// One stream per request.
		DisableKeepAlives: true,
	}
	return &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			r.Out.URL.Scheme = "http"
			r.Out.URL.Host = "popper-host"
			r.Out.Host = r.In.Host
		},
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if errors.Is(err, errNoHost) {
				api.WriteError(w, http.StatusBadGateway, "gateway not connected to host")
				return
			}
			log.Warn("proxy failed", zap.String("path", r.URL.Path), zap.Error(err))
			api.WriteError(w, http.StatusBadGateway, "tunnel request failed")
		},
	}
}
