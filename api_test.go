package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAPI(t *testing.T, limiter *LimiterManager) (*API, *testEngine) {
	t.Helper()
	te := newTestEngine(t, MLModeDrop)
	store := storeWith(BlacklistEntry{Hash: HashBytes(trackerBody), Marker: "0"})
	return NewAPI(te.Engine, te.hub, store, te.guard, limiter), te
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			r = strings.NewReader(b)
		default:
			raw, err := json.Marshal(b)
			require.NoError(t, err)
			r = bytes.NewReader(raw)
		}
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAPI_RequestAndBody(t *testing.T) {
	api, _ := newTestAPI(t, nil)
	h := api.Routes()

	rec := doJSON(t, h, http.MethodPut, "/v1/tabs/1", tabRequest{URL: pageURL, Active: true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"tracked":true`)

	t.Run("suspicious request", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodPost, "/v1/requests", RequestEvent{RequestID: "r1", PageID: "1", URL: trackerURL})
		require.Equal(t, http.StatusOK, rec.Code)
		var dec RequestDecision
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dec))
		assert.True(t, dec.Suspicious)
		assert.False(t, dec.Cancel)
	})

	t.Run("invalid url is not blocked", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodPost, "/v1/requests", RequestEvent{RequestID: "r9", PageID: "1", URL: "garbage"})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"cancel":false,"suspicious":false,"reason":"invalid_url","firstParty":false}`, rec.Body.String())
	})

	t.Run("missing url", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodPost, "/v1/requests", `{"pageId":"1"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("dropped body answers 204", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/requests/1/r1/body?url="+trackerURL, strings.NewReader("payload"))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "drop", rec.Header().Get(headerDecision))
		assert.Equal(t, HashBytes([]byte("payload")), rec.Header().Get(headerContentSum))
		assert.Zero(t, rec.Body.Len())
	})

	t.Run("clean body is echoed", func(t *testing.T) {
		doJSON(t, h, http.MethodPost, "/v1/requests", RequestEvent{RequestID: "r2", PageID: "1", URL: plainURL})
		req := httptest.NewRequest(http.MethodPost, "/v1/requests/1/r2/body?url="+plainURL, strings.NewReader(`{"a":1}`))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "pass", rec.Header().Get(headerDecision))
		assert.Equal(t, `{"a":1}`, rec.Body.String())
	})

	t.Run("empty clean body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/requests/1/r3/body?url="+plainURL, http.NoBody)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "pass", rec.Header().Get(headerDecision))
	})

	t.Run("flagged list", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodGet, "/v1/tabs/1/flagged", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var flagged []FlaggedRequest
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &flagged))
		require.Len(t, flagged, 1)
		assert.Equal(t, trackerURL, flagged[0].URL)

		assert.Equal(t, http.StatusNotFound, doJSON(t, h, http.MethodGet, "/v1/tabs/nope/flagged", nil).Code)
	})

	t.Run("navigate and close", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodPost, "/v1/tabs/1/navigate", tabRequest{URL: "https://other.org/"})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"base_domain":"other.org"`)

		assert.Equal(t, http.StatusNoContent, doJSON(t, h, http.MethodDelete, "/v1/tabs/1", nil).Code)
		assert.Equal(t, http.StatusNotFound, doJSON(t, h, http.MethodDelete, "/v1/tabs/1", nil).Code)
	})
}

func TestAPI_Exceptions(t *testing.T) {
	api, te := newTestAPI(t, nil)
	h := api.Routes()
	te.OnTab("1", pageURL, true)
	te.request(t, "r1", trackerURL)

	rec := doJSON(t, h, http.MethodPost, "/v1/exceptions/hosts", exceptionRequest{Host: "tracker.io", PageID: "1"})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/v1/exceptions/hosts", nil)
	assert.JSONEq(t, `["tracker.io"]`, rec.Body.String())

	flagged, _ := te.Flagged("1")
	assert.True(t, flagged[0].Check)

	t.Run("delete via query", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodDelete, "/v1/exceptions/hosts?host=tracker.io&pageId=1", nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		rec = doJSON(t, h, http.MethodDelete, "/v1/exceptions/hosts?host=tracker.io", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("urls", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodPost, "/v1/exceptions/urls", exceptionRequest{URL: trackerURL})
		require.Equal(t, http.StatusNoContent, rec.Code)
		rec = doJSON(t, h, http.MethodGet, "/v1/exceptions/urls", nil)
		assert.JSONEq(t, `["https://tracker.io/p.js"]`, rec.Body.String())
		assert.Equal(t, http.StatusBadRequest, doJSON(t, h, http.MethodPost, "/v1/exceptions/urls", `{}`).Code)
	})
}

func TestAPI_Settings(t *testing.T) {
	api, te := newTestAPI(t, nil)
	h := api.Routes()

	rec := doJSON(t, h, http.MethodGet, "/v1/settings", nil)
	assert.JSONEq(t, `{"filter":true,"saveAllowed":true}`, rec.Body.String())

	rec = doJSON(t, h, http.MethodPut, "/v1/settings", `{"filter":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"filter":false,"saveAllowed":true}`, rec.Body.String())
	assert.False(t, te.Filter())

	assert.Equal(t, http.StatusBadRequest, doJSON(t, h, http.MethodPut, "/v1/settings", `nope`).Code)
}

func TestAPI_DetectorReports(t *testing.T) {
	api, te := newTestAPI(t, nil)
	h := api.Routes()

	assert.Equal(t, http.StatusAccepted, doJSON(t, h, http.MethodPost, "/v1/detector/reports", `{"pageId":"1","requestId":"7","blocked":true}`).Code)
	rec, ok := te.stats.Record("1", "7")
	require.True(t, ok)
	assert.Equal(t, Detected, rec.External)

	assert.Equal(t, http.StatusAccepted, doJSON(t, h, http.MethodPost, "/v1/detector/reports", `[1, 8, false]`).Code)
	rec, ok = te.stats.Record("1", "8")
	require.True(t, ok)
	assert.Equal(t, NotDetected, rec.External)

	assert.Equal(t, http.StatusBadRequest, doJSON(t, h, http.MethodPost, "/v1/detector/reports", `{"pageId":"1"}`).Code)
}

func TestParseDetectorReport(t *testing.T) {
	tests := []struct {
		in   string
		want DetectorReport
		ok   bool
	}{
		{`{"pageId":"1","requestId":"2","blocked":true}`, DetectorReport{"1", "2", true}, true},
		{`{"pageId":3,"requestId":4,"blocked":false}`, DetectorReport{"3", "4", false}, true},
		{`["5","6",true]`, DetectorReport{"5", "6", true}, true},
		{`{"pageId":"1","requestId":"2"}`, DetectorReport{}, false},
		{`[1]`, DetectorReport{}, false},
		{`{broken`, DetectorReport{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseDetectorReport([]byte(tt.in))
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAPI_Health(t *testing.T) {
	api, _ := newTestAPI(t, nil)
	rec := doJSON(t, api.Routes(), http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["classifier_ready"])
	assert.Equal(t, float64(1), body["blacklist"])

	rec = doJSON(t, api.Routes(), http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPI_RateLimit(t *testing.T) {
	limiter := NewLimiter(RateLimitConfig{Enabled: true, ClientQPS: 1, ClientBurst: 1})
	api, _ := newTestAPI(t, limiter)
	h := api.Routes()

	assert.Equal(t, http.StatusOK, doJSON(t, h, http.MethodGet, "/v1/settings", nil).Code)
	rec := doJSON(t, h, http.MethodGet, "/v1/settings", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	// health is outside the limited group
	assert.Equal(t, http.StatusOK, doJSON(t, h, http.MethodGet, "/healthz", nil).Code)
}

func TestAPI_Events(t *testing.T) {
	api, te := newTestAPI(t, nil)
	srv := httptest.NewServer(api.Routes())
	defer srv.Close()
	te.OnTab("1", pageURL, true)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/tabs/1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewScanner(resp.Body)
	next := func() string {
		for lines.Scan() {
			if l := lines.Text(); strings.HasPrefix(l, "data: ") {
				return strings.TrimPrefix(l, "data: ")
			}
		}
		return ""
	}
	assert.JSONEq(t, `{"pageId":"1","count":0}`, next())

	require.Eventually(t, func() bool { return te.hub.SubscriberCount("1") == 1 }, time.Second, 10*time.Millisecond)
	te.request(t, "r1", trackerURL)
	assert.JSONEq(t, `{"pageId":"1","count":1}`, next())
}

func TestAPI_WebSocket(t *testing.T) {
	api, te := newTestAPI(t, nil)
	srv := httptest.NewServer(api.Routes())
	defer srv.Close()
	te.OnTab("1", pageURL, true)
	te.request(t, "r1", trackerURL)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	call := func(msg string) popupReply {
		t.Helper()
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
		var reply popupReply
		require.NoError(t, conn.ReadJSON(&reply))
		return reply
	}

	assert.Equal(t, true, call(`{"id":"1","method":"get_enabled"}`).Result)
	assert.Equal(t, false, call(`{"id":"2","method":"filterCheck","data":false}`).Result)
	assert.False(t, te.Filter())
	te.SetFilter(true)

	reply := call(`{"id":"3","method":"add_host_exception","data":"tracker.io"}`)
	assert.Empty(t, reply.Error)
	assert.Equal(t, []any{"tracker.io"}, call(`{"method":"get_allowed_hosts"}`).Result)

	blocked := call(`{"method":"get_blocked_urls"}`).Result.([]any)
	require.Len(t, blocked, 1)
	assert.Equal(t, true, blocked[0].(map[string]any)["check"])

	assert.Equal(t, true, call(`{"method":"detector_report","data":{"pageId":"1","requestId":"r1","blocked":true}}`).Result)
	rec, _ := te.stats.Record("1", "r1")
	assert.Equal(t, Detected, rec.External)

	assert.Equal(t, "unknown method", call(`{"method":"bogus"}`).Error)
	assert.NotEmpty(t, call(`{"method":"filterCheck","data":"yes"}`).Error)
}
