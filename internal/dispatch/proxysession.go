package dispatch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/offerpath/dispatch/internal/middleware"
	"github.com/offerpath/dispatch/internal/proxy"
)

// HandleProxySession transparently proxies an arbitrary URL, rewriting
// every link in the document to recurse back through /proxy-session so the
// whole browsing session stays on this host.
func (s *Server) HandleProxySession(w http.ResponseWriter, r *http.Request) {
	logger := middleware.LoggerFromRequest(r, s.Logger)
	raw := r.URL.Query().Get("url")
	target, err := url.Parse(raw)
	if err != nil || !target.IsAbs() || !strings.HasPrefix(target.Scheme, "http") {
		http.Error(w, "url parameter must be absolute", http.StatusBadRequest)
		return
	}

	resp, err := s.Fetcher.Get(r.Context(), target.String(), r.Header)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			s.serveNotFound(w)
			return
		}
		logger.Error("proxy-session fetch failed", zap.String("url", raw), zap.Error(err))
		http.Error(w, "upstream error", http.StatusInternalServerError)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	recurse := func(abs string) string {
		return "/proxy-session?url=" + url.QueryEscape(abs)
	}

	switch {
	case proxy.IsHTML(resp):
		proxy.CopyHeaders(w.Header(), resp.Header)
		w.Header().Set("Accept-CH", acceptCH)
		w.WriteHeader(resp.StatusCode)
		var buf bytes.Buffer
		if err := proxy.RewriteHTML(&buf, resp.Body, target, recurse); err != nil {
			logger.Error("proxy-session rewrite failed", zap.String("url", raw), zap.Error(err))
			return
		}
		_, _ = buf.WriteTo(w)
	case proxy.IsCSS(resp):
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			http.Error(w, "upstream error", http.StatusInternalServerError)
			return
		}
		proxy.CopyHeaders(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		_, _ = io.WriteString(w, proxy.RewriteCSS(string(body), target, recurse))
	default:
		proxy.CopyHeaders(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
	}
}
