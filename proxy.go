package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
)

const (
	// Upstream IPTV origins commonly reject clients without a browser UA.
	proxyUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

	maxRedirects = 5
)

var errTooManyRedirects = errors.New("stopped after 5 redirect hops")

// passthroughHeaders are mirrored from the upstream response when present,
// so range math and media sniffing keep working through the relay.
var passthroughHeaders = []string{
	"Content-Length",
	"Content-Type",
	"Content-Range",
	"Accept-Ranges",
}

// proxyEnvelope is the buffered JSON response mode: the upstream payload is
// carried base64-encoded so the envelope stays valid JSON for any content.
type proxyEnvelope struct {
	Status      int    `json:"status"`
	ContentType string `json:"contentType"`
	Data        string `json:"data"`
}

// newProxyClient bounds connection setup and time-to-first-header, never
// the transfer itself: live streams run for hours, and aborting them is the
// caller's context's job.
func newProxyClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: timeout,
			}).DialContext,
			TLSHandshakeTimeout:   timeout,
			ResponseHeaderTimeout: timeout,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > maxRedirects {
				return errTooManyRedirects
			}
			return nil
		},
	}
}

func corsHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Range")
}

// serveProxy relays an upstream HTTP resource to the caller, preserving
// status, range semantics, and content headers. The upstream request is tied
// to the caller's context, so a dropped caller aborts the fetch.
func serveProxy(cfg *Config) httprouter.Handle {
	client := newProxyClient(cfg.proxyTimeout)

	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		startTime := time.Now()
		proxyRequests.Inc()

		target := r.URL.Query().Get("url")
		if target == "" {
			corsHeaders(w)
			writeError(cfg, w, http.StatusBadRequest, "missing url parameter")
			return
		}

		req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target, nil)
		if err != nil {
			corsHeaders(w)
			writeError(cfg, w, http.StatusBadRequest, "invalid url parameter")
			return
		}

		req.Header.Set("User-Agent", proxyUserAgent)
		req.Header.Set("Accept", "*/*")
		req.Header.Set("Accept-Encoding", "identity")

		if rng := r.Header.Get("Range"); rng != "" {
			req.Header.Set("Range", rng)
		}

		resp, err := client.Do(req)
		if err != nil {
			proxyErrors.Inc()
			logf(cfg, "PROXY: Fetch failed for %s: %v", target, err)
			corsHeaders(w)
			writeError(cfg, w, http.StatusBadGateway, "upstream fetch failed")
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			proxyErrors.Inc()
			logf(cfg, "PROXY: Upstream %s returned %d", target, resp.StatusCode)
			corsHeaders(w)
			writeError(cfg, w, http.StatusBadGateway, fmt.Sprintf("upstream returned %d", resp.StatusCode))
			return
		}

		if cfg.proxyJSON {
			relayBuffered(cfg, w, resp)
			return
		}

		relayStream(cfg, w, r, resp, target, startTime)
	}
}

// relayStream pipes the upstream body through as it arrives. Once headers
// are committed a mid-stream failure can only terminate the connection.
func relayStream(cfg *Config, w http.ResponseWriter, r *http.Request, resp *http.Response, target string, startTime time.Time) {
	for _, name := range passthroughHeaders {
		if value := resp.Header.Get(name); value != "" {
			w.Header().Set(name, value)
		}
	}
	corsHeaders(w)

	w.WriteHeader(resp.StatusCode)

	written, err := io.Copy(w, resp.Body)
	if err != nil {
		proxyErrors.Inc()
		logf(cfg, "PROXY: Stream from %s aborted after %s: %v", target, humanReadableSize(written), err)
		return
	}

	logf(cfg, "PROXY: Relayed %s (%s) to %s in %s",
		target,
		humanReadableSize(written),
		realIP(r),
		time.Since(startTime).Round(time.Microsecond),
	)
}

// relayBuffered reads the whole upstream payload and re-encodes it as a
// JSON envelope, for integrations that require a JSON content type
// regardless of what the upstream served.
func relayBuffered(cfg *Config, w http.ResponseWriter, resp *http.Response) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		proxyErrors.Inc()
		corsHeaders(w)
		writeError(cfg, w, http.StatusBadGateway, "upstream read failed")
		return
	}

	corsHeaders(w)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(resp.StatusCode)

	_ = json.NewEncoder(w).Encode(proxyEnvelope{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Data:        base64.StdEncoding.EncodeToString(body),
	})
}

func humanReadableSize(bytes int64) string {
	const unit int64 = 1000
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := unit, 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB",
		float64(bytes)/float64(div),
		"kMGTPE"[exp])
}
