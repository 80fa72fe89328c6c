/*
File: api.go
Version: 1.0.0
Description: HTTP control API used by the host platform. Request and body events, page
             lifecycle, user exceptions, settings, external detector reports, badge events
             over SSE, health and Prometheus metrics.
*/

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tidwall/gjson"
)

const (
	maxControlBody   = 1 << 20
	sseKeepalive     = 30 * time.Second
	headerDecision   = "X-Filter-Decision"
	headerContentSum = "X-Content-Hash"
)

type API struct {
	engine  *Engine
	hub     *Hub
	store   *HashStore
	guard   *URLGuard
	limiter *LimiterManager
}

func NewAPI(engine *Engine, hub *Hub, store *HashStore, guard *URLGuard, limiter *LimiterManager) *API {
	return &API{engine: engine, hub: hub, store: store, guard: guard, limiter: limiter}
}

func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/healthz", a.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		if a.limiter != nil {
			v1.Use(a.limiter.Middleware)
		}

		v1.Post("/requests", a.handleRequest)
		v1.Post("/requests/{pageID}/{requestID}/body", a.handleBody)

		v1.Put("/tabs/{pageID}", a.handleTabUpsert)
		v1.Post("/tabs/{pageID}/navigate", a.handleNavigate)
		v1.Delete("/tabs/{pageID}", a.handleTabClose)
		v1.Get("/tabs/{pageID}/flagged", a.handleFlagged)
		v1.Get("/tabs/{pageID}/events", a.handleEvents)

		v1.Get("/exceptions/hosts", a.handleListHosts)
		v1.Post("/exceptions/hosts", a.handleAddHost)
		v1.Delete("/exceptions/hosts", a.handleDeleteHost)
		v1.Get("/exceptions/urls", a.handleListURLs)
		v1.Post("/exceptions/urls", a.handleAddURL)
		v1.Delete("/exceptions/urls", a.handleDeleteURL)

		v1.Get("/settings", a.handleGetSettings)
		v1.Put("/settings", a.handlePutSettings)

		v1.Post("/detector/reports", a.handleDetectorReport)

		v1.Get("/ws", a.handleWS)
	})
	return r
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxControlBody)).Decode(v)
}

// --- Health ---

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	bl := a.store.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"filter":           a.engine.Filter(),
		"classifier_ready": a.guard.Ready(),
		"classifier_mode":  a.guard.Mode(),
		"blacklist":        bl.Len(),
		"blacklist_digest": bl.Digest(),
		"pages":            a.engine.tabs.Len(),
		"pending":          a.engine.PendingLen(),
	})
}

// --- Request pipeline ---

func (a *API) handleRequest(w http.ResponseWriter, r *http.Request) {
	var ev RequestEvent
	if err := decodeJSON(r, &ev); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if ev.URL == "" {
		jsonError(w, "url is required", http.StatusBadRequest)
		return
	}
	dec, err := a.engine.OnRequest(r.Context(), ev)
	if errors.Is(err, ErrInvalidURL) {
		// unparseable URLs are never blocked
		writeJSON(w, http.StatusOK, RequestDecision{Reason: "invalid_url"})
		return
	}
	writeJSON(w, http.StatusOK, dec)
}

// decisionWriter defers the status line until the filter writes its first byte,
// so a dropped body can still be answered with 204.
type decisionWriter struct {
	w     http.ResponseWriter
	wrote bool
}

func (d *decisionWriter) Write(p []byte) (int, error) {
	if !d.wrote {
		d.wrote = true
		d.w.Header().Set(headerDecision, "pass")
		d.w.WriteHeader(http.StatusOK)
	}
	return d.w.Write(p)
}

func (a *API) handleBody(w http.ResponseWriter, r *http.Request) {
	pageID := chi.URLParam(r, "pageID")
	requestID := chi.URLParam(r, "requestID")
	rawURL := r.URL.Query().Get("url")

	// oversize bodies are streamed back while still being read
	_ = http.NewResponseController(w).EnableFullDuplex()

	w.Header().Set("Content-Type", "application/octet-stream")
	dw := &decisionWriter{w: w}
	res := a.engine.FilterBody(r.Context(), pageID, requestID, rawURL, r.Body, dw)

	if res.Blocked {
		w.Header().Set(headerDecision, "drop")
		w.Header().Set(headerContentSum, res.Hash)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if !dw.wrote {
		w.Header().Set(headerDecision, "pass")
		w.WriteHeader(http.StatusOK)
	}
}

// --- Pages ---

type tabRequest struct {
	URL    string `json:"url"`
	Active bool   `json:"active"`
}

func (a *API) handleTabUpsert(w http.ResponseWriter, r *http.Request) {
	pageID := chi.URLParam(r, "pageID")
	var req tabRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	ctx, ok := a.engine.OnTab(pageID, req.URL, req.Active)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"pageId": pageID, "tracked": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pageId": pageID, "tracked": true, "page": ctx})
}

func (a *API) handleNavigate(w http.ResponseWriter, r *http.Request) {
	pageID := chi.URLParam(r, "pageID")
	var req tabRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	ctx, ok := a.engine.OnNavigate(pageID, req.URL)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"pageId": pageID, "tracked": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pageId": pageID, "tracked": true, "page": ctx})
}

func (a *API) handleTabClose(w http.ResponseWriter, r *http.Request) {
	if !a.engine.OnClose(chi.URLParam(r, "pageID")) {
		jsonError(w, "page not tracked", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleFlagged(w http.ResponseWriter, r *http.Request) {
	flagged, ok := a.engine.Flagged(chi.URLParam(r, "pageID"))
	if !ok {
		jsonError(w, "page not tracked", http.StatusNotFound)
		return
	}
	if flagged == nil {
		flagged = []FlaggedRequest{}
	}
	writeJSON(w, http.StatusOK, flagged)
}

// handleEvents streams badge updates for one page.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	pageID := chi.URLParam(r, "pageID")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	count := 0
	if flagged, ok := a.engine.Flagged(pageID); ok {
		count = len(flagged)
	}
	data, _ := json.Marshal(BadgeUpdate{PageID: pageID, Count: count})
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", EventBadge, data)
	flusher.Flush()

	ch, cancel := a.hub.Subscribe(pageID)
	defer cancel()

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, ev.Data)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// --- Exceptions ---

type exceptionRequest struct {
	Host   string `json:"host"`
	URL    string `json:"url"`
	PageID string `json:"pageId"`
}

// decodeException accepts a JSON body or query parameters (DELETE clients often send no body).
func decodeException(r *http.Request) exceptionRequest {
	var req exceptionRequest
	if r.ContentLength != 0 {
		_ = decodeJSON(r, &req)
	}
	q := r.URL.Query()
	if req.Host == "" {
		req.Host = q.Get("host")
	}
	if req.URL == "" {
		req.URL = q.Get("url")
	}
	if req.PageID == "" {
		req.PageID = q.Get("pageId")
	}
	return req
}

func (a *API) handleListHosts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.engine.AllowedHosts())
}

func (a *API) handleListURLs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.engine.AllowedURLs())
}

func (a *API) handleAddHost(w http.ResponseWriter, r *http.Request) {
	req := decodeException(r)
	if req.Host == "" {
		jsonError(w, "host is required", http.StatusBadRequest)
		return
	}
	a.engine.AddHostException(r.Context(), req.PageID, req.Host)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleDeleteHost(w http.ResponseWriter, r *http.Request) {
	req := decodeException(r)
	if req.Host == "" {
		jsonError(w, "host is required", http.StatusBadRequest)
		return
	}
	if !a.engine.DeleteHostException(r.Context(), req.PageID, req.Host) {
		jsonError(w, "host exception not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleAddURL(w http.ResponseWriter, r *http.Request) {
	req := decodeException(r)
	if req.URL == "" {
		jsonError(w, "url is required", http.StatusBadRequest)
		return
	}
	a.engine.AddURLException(r.Context(), req.PageID, req.URL)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleDeleteURL(w http.ResponseWriter, r *http.Request) {
	req := decodeException(r)
	if req.URL == "" {
		jsonError(w, "url is required", http.StatusBadRequest)
		return
	}
	if !a.engine.DeleteURLException(r.Context(), req.PageID, req.URL) {
		jsonError(w, "url exception not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Settings ---

type settings struct {
	Filter      *bool `json:"filter,omitempty"`
	SaveAllowed *bool `json:"saveAllowed,omitempty"`
}

func (a *API) currentSettings() settings {
	return settings{Filter: boolPtr(a.engine.Filter()), SaveAllowed: boolPtr(a.engine.SaveAllowed())}
}

func (a *API) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.currentSettings())
}

func (a *API) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var req settings
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Filter != nil {
		a.engine.SetFilter(*req.Filter)
		LogInfo("[API] Filter switched %v", *req.Filter)
	}
	if req.SaveAllowed != nil {
		a.engine.SetSaveAllowed(*req.SaveAllowed)
	}
	writeJSON(w, http.StatusOK, a.currentSettings())
}

// --- External detector ---

// DetectorReport is one verdict of the external detector for a request.
type DetectorReport struct {
	PageID    string `json:"pageId"`
	RequestID string `json:"requestId"`
	Blocked   bool   `json:"blocked"`
}

// ParseDetectorReport accepts {"pageId","requestId","blocked"} or the positional
// [pageId, requestId, blocked] form. Ids may be numbers or strings.
func ParseDetectorReport(data []byte) (DetectorReport, bool) {
	if !gjson.ValidBytes(data) {
		return DetectorReport{}, false
	}
	doc := gjson.ParseBytes(data)
	var page, req, blocked gjson.Result
	if doc.IsArray() {
		page, req, blocked = doc.Get("0"), doc.Get("1"), doc.Get("2")
	} else {
		page, req, blocked = doc.Get("pageId"), doc.Get("requestId"), doc.Get("blocked")
	}
	rep := DetectorReport{PageID: page.String(), RequestID: req.String(), Blocked: blocked.Bool()}
	if rep.PageID == "" || rep.RequestID == "" || !blocked.Exists() {
		return DetectorReport{}, false
	}
	return rep, true
}

func (a *API) handleDetectorReport(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxControlBody))
	if err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	rep, ok := ParseDetectorReport(data)
	if !ok {
		jsonError(w, "pageId, requestId and blocked are required", http.StatusBadRequest)
		return
	}
	a.engine.ExternalReport(rep.PageID, rep.RequestID, rep.Blocked)
	w.WriteHeader(http.StatusAccepted)
}
