/*
File: api_ws.go
Version: 1.0.0
Description: WebSocket endpoint for the settings popup. Each text frame is one
             {method, data, pageId} message; every message gets exactly one reply.
*/

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type popupMessage struct {
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method"`
	Data   json.RawMessage `json:"data,omitempty"`
	PageID string          `json:"pageId,omitempty"`
}

type popupReply struct {
	ID     string `json:"id,omitempty"`
	Method string `json:"method"`
	Result any    `json:"result"`
	Error  string `json:"error,omitempty"`
}

func (a *API) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		LogWarn("[WS] Upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	for {
		var msg popupMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				LogDebug("[WS] Read failed: %v", err)
			}
			return
		}
		reply := a.dispatch(r.Context(), msg)
		if err := sendJSON(conn, reply); err != nil {
			LogDebug("[WS] Write failed: %v", err)
			return
		}
	}
}

func sendJSON(conn *websocket.Conn, v any) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(v)
}

func (a *API) dispatch(ctx context.Context, msg popupMessage) popupReply {
	reply := popupReply{ID: msg.ID, Method: msg.Method}
	fail := func(s string) popupReply {
		reply.Error = s
		return reply
	}

	switch msg.Method {
	case "get_enabled":
		reply.Result = a.engine.Filter()
	case "filterCheck":
		var on bool
		if err := json.Unmarshal(msg.Data, &on); err != nil {
			return fail("data must be a boolean")
		}
		a.engine.SetFilter(on)
		reply.Result = on
	case "get_enabled_SA":
		reply.Result = a.engine.SaveAllowed()
	case "save_allowed_changed":
		var on bool
		if err := json.Unmarshal(msg.Data, &on); err != nil {
			return fail("data must be a boolean")
		}
		a.engine.SetSaveAllowed(on)
		reply.Result = on

	case "add_url_exception", "delete_url_exception", "add_host_exception", "delete_host_exception":
		var value string
		if err := json.Unmarshal(msg.Data, &value); err != nil || value == "" {
			return fail("data must be a non-empty string")
		}
		switch msg.Method {
		case "add_url_exception":
			a.engine.AddURLException(ctx, msg.PageID, value)
			reply.Result = true
		case "delete_url_exception":
			reply.Result = a.engine.DeleteURLException(ctx, msg.PageID, value)
		case "add_host_exception":
			a.engine.AddHostException(ctx, msg.PageID, value)
			reply.Result = true
		case "delete_host_exception":
			reply.Result = a.engine.DeleteHostException(ctx, msg.PageID, value)
		}

	case "get_allowed_hosts":
		reply.Result = a.engine.AllowedHosts()
	case "get_blocked_urls":
		flagged, ok := a.engine.Flagged(msg.PageID)
		if !ok {
			flagged = []FlaggedRequest{}
		}
		reply.Result = flagged

	case "detector_report":
		rep, ok := ParseDetectorReport(msg.Data)
		if !ok {
			return fail("data must carry pageId, requestId and blocked")
		}
		a.engine.ExternalReport(rep.PageID, rep.RequestID, rep.Blocked)
		reply.Result = true

	default:
		return fail("unknown method")
	}
	return reply
}
