package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func doProxy(cfg *Config, target string, header http.Header) *httptest.ResponseRecorder {
	handler := serveProxy(cfg)

	path := "/proxy"
	if target != "" {
		path += "?url=" + target
	}

	req := httptest.NewRequest(http.MethodGet, path, nil)
	for name, values := range header {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}

	rec := httptest.NewRecorder()
	handler(rec, req, nil)

	return rec
}

func TestProxyMissingURL(t *testing.T) {
	rec := doProxy(testConfig(), "", nil)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d, want 400", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatal("error body should not be empty")
	}
}

func TestProxyStreamsUpstream(t *testing.T) {
	const body = "#EXTM3U\n#EXT-X-VERSION:3\n"

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); !strings.HasPrefix(ua, "Mozilla/5.0") {
			t.Errorf("upstream saw User-Agent %q", ua)
		}
		if enc := r.Header.Get("Accept-Encoding"); enc != "identity" {
			t.Errorf("upstream saw Accept-Encoding %q", enc)
		}
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		_, _ = w.Write([]byte(body))
	}))
	defer upstream.Close()

	rec := doProxy(testConfig(), upstream.URL, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	if got := rec.Body.String(); got != body {
		t.Fatalf("body: got %q, want %q", got, body)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/vnd.apple.mpegurl" {
		t.Fatalf("content-type: got %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("cors origin: got %q", got)
	}
}

func TestProxyForwardsRange(t *testing.T) {
	payload := make([]byte, 1000)
	for i := range payload {
		payload[i] = byte(i)
	}

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rng := r.Header.Get("Range")
		if rng != "bytes=100-199" {
			t.Errorf("upstream saw Range %q", rng)
			http.Error(w, "bad range", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes 100-199/%d", len(payload)))
		w.Header().Set("Accept-Ranges", "bytes")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(payload[100:200])
	}))
	defer upstream.Close()

	rec := doProxy(testConfig(), upstream.URL, http.Header{"Range": []string{"bytes=100-199"}})

	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status: got %d, want 206", rec.Code)
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes 100-199/1000" {
		t.Fatalf("content-range: got %q", got)
	}
	if got := rec.Body.Len(); got != 100 {
		t.Fatalf("body length: got %d, want 100", got)
	}
}

func TestProxyUpstreamErrorStatus(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer upstream.Close()

	rec := doProxy(testConfig(), upstream.URL, nil)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status: got %d, want 502", rec.Code)
	}
}

func TestProxyUpstreamUnreachable(t *testing.T) {
	rec := doProxy(testConfig(), "http://127.0.0.1:1/stream", nil)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status: got %d, want 502", rec.Code)
	}
}

func TestProxyRedirectLimit(t *testing.T) {
	var upstream *httptest.Server
	upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Redirect to ourselves forever.
		http.Redirect(w, r, upstream.URL, http.StatusFound)
	}))
	defer upstream.Close()

	rec := doProxy(testConfig(), upstream.URL, nil)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status: got %d, want 502", rec.Code)
	}
}

func TestProxyStreamsLongerThanHeaderTimeout(t *testing.T) {
	const (
		chunk  = "livestream"
		chunks = 12
		pause  = 50 * time.Millisecond
	)

	// The upstream keeps delivering well past the configured timeout; the
	// timeout bounds time-to-headers, never an active transfer.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Error("upstream writer is not a flusher")
			return
		}
		for i := 0; i < chunks; i++ {
			_, _ = w.Write([]byte(chunk))
			flusher.Flush()
			time.Sleep(pause)
		}
	}))
	defer upstream.Close()

	cfg := testConfig()
	cfg.proxyTimeout = 300 * time.Millisecond

	rec := doProxy(cfg, upstream.URL, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	if got, want := rec.Body.Len(), chunks*len(chunk); got != want {
		t.Fatalf("stream truncated: got %d bytes, want %d", got, want)
	}
}

func TestProxySlowHeadersTimeOut(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		_, _ = w.Write([]byte("too late"))
	}))
	defer upstream.Close()

	cfg := testConfig()
	cfg.proxyTimeout = 100 * time.Millisecond

	rec := doProxy(cfg, upstream.URL, nil)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status: got %d, want 502", rec.Code)
	}
}

func TestProxyFollowsShortRedirectChain(t *testing.T) {
	final := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("landed"))
	}))
	defer final.Close()

	hop := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, final.URL, http.StatusFound)
	}))
	defer hop.Close()

	rec := doProxy(testConfig(), hop.URL, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	if got := rec.Body.String(); got != "landed" {
		t.Fatalf("body: got %q", got)
	}
}

func TestProxyAllowsExactlyFiveRedirects(t *testing.T) {
	var upstream *httptest.Server
	upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var hop int
		_, _ = fmt.Sscanf(r.URL.Path, "/hop/%d", &hop)
		if hop < 5 {
			http.Redirect(w, r, fmt.Sprintf("%s/hop/%d", upstream.URL, hop+1), http.StatusFound)
			return
		}
		_, _ = w.Write([]byte("landed"))
	}))
	defer upstream.Close()

	// Five hops is the cap, not past it.
	rec := doProxy(testConfig(), upstream.URL+"/hop/0", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	if got := rec.Body.String(); got != "landed" {
		t.Fatalf("body: got %q", got)
	}
}

func TestProxyJSONMode(t *testing.T) {
	const body = "binary\x00payload"

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte(body))
	}))
	defer upstream.Close()

	cfg := testConfig()
	cfg.proxyJSON = true

	rec := doProxy(cfg, upstream.URL, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); !strings.HasPrefix(got, "application/json") {
		t.Fatalf("content-type: got %q", got)
	}

	var envelope proxyEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if envelope.Status != http.StatusOK || envelope.ContentType != "application/octet-stream" {
		t.Fatalf("envelope: %+v", envelope)
	}

	decoded, err := base64.StdEncoding.DecodeString(envelope.Data)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if string(decoded) != body {
		t.Fatalf("payload: got %q, want %q", decoded, body)
	}
}

func TestProxyJSONModeErrorBody(t *testing.T) {
	cfg := testConfig()
	cfg.proxyJSON = true

	rec := doProxy(cfg, "", nil)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d, want 400", rec.Code)
	}

	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Error == "" {
		t.Fatal("error field should not be empty")
	}
}
