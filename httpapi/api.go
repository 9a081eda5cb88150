package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/hushrelay"
	"github.com/opd-ai/hushrelay/presence"
	"github.com/opd-ai/hushrelay/storage"
	"github.com/opd-ai/hushrelay/transport"
)

// Handler serves the relay API.
type Handler struct {
	relay     *hushrelay.Relay
	queueSize int
	upgrader  websocket.Upgrader
}

// NewHandler wires the relay into an HTTP handler. queueSize bounds each
// WebSocket connection's outbound queue.
func NewHandler(relay *hushrelay.Relay, queueSize int) *Handler {
	return &Handler{
		relay:     relay,
		queueSize: queueSize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The relay fronts browser peers on arbitrary origins; payloads
			// are end-to-end encrypted, so origin checks add nothing here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Router builds the route table.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.HandleFunc("/v1/ws", h.websocketStream).Methods(http.MethodGet)
	r.HandleFunc("/v1/messages", h.send).Methods(http.MethodPost)
	r.HandleFunc("/v1/messages/{id}", h.ack).Methods(http.MethodDelete)
	r.HandleFunc("/v1/inbox/{kind:hash|peer}/{value}", h.inbox).Methods(http.MethodGet)
	r.HandleFunc("/v1/identities", h.upsertIdentity).Methods(http.MethodPost)
	r.HandleFunc("/v1/identities/{hash}", h.recoverIdentity).Methods(http.MethodGet)
	r.HandleFunc("/v1/directory/{hash}", h.directoryLookup).Methods(http.MethodGet)
	r.HandleFunc("/v1/status/{value}", h.checkStatus).Methods(http.MethodGet)
	return r
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type sendRequest struct {
	ID       string `json:"id,omitempty"`
	Payload  []byte `json:"payload"`
	ToHash   string `json:"toHash,omitempty"`
	ToPeerID string `json:"toPeerId,omitempty"`
}

type sendResponse struct {
	Accepted      bool   `json:"accepted"`
	ID            string `json:"id"`
	LiveDelivered bool   `json:"liveDelivered"`
}

func (h *Handler) send(w http.ResponseWriter, req *http.Request) {
	var body sendRequest
	if !decodeJSON(w, req, &body) {
		return
	}

	result, err := h.relay.Send(req.Context(), hushrelay.SendRequest{
		ID:       body.ID,
		Payload:  body.Payload,
		ToHash:   body.ToHash,
		ToPeerID: body.ToPeerID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sendResponse{
		Accepted:      true,
		ID:            result.ID,
		LiveDelivered: result.LiveDelivered,
	})
}

func (h *Handler) ack(w http.ResponseWriter, req *http.Request) {
	deleted, err := h.relay.Ack(req.Context(), mux.Vars(req)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": deleted})
}

type inboxMessage struct {
	ID      string    `json:"id"`
	Payload []byte    `json:"payload"`
	SentAt  time.Time `json:"sentAt"`
}

func (h *Handler) inbox(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	kind := presence.KindPeerID
	if vars["kind"] == "hash" {
		kind = presence.KindHash
	}

	msgs, err := h.relay.Inbox(req.Context(), kind, vars["value"])
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]inboxMessage, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, inboxMessage{ID: msg.ID, Payload: msg.Payload, SentAt: msg.CreatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

type identityRequest struct {
	Hash        string  `json:"hash"`
	Blob        []byte  `json:"blob"`
	PeerID      *string `json:"peerId,omitempty"`
	DisplayName *string `json:"displayName,omitempty"`
}

func (h *Handler) upsertIdentity(w http.ResponseWriter, req *http.Request) {
	var body identityRequest
	if !decodeJSON(w, req, &body) {
		return
	}

	changed, err := h.relay.UpsertIdentity(req.Context(), body.Hash, body.Blob, body.PeerID, body.DisplayName)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{
		"accepted":      true,
		"peerIdChanged": changed,
	})
}

type identityResponse struct {
	Found       bool   `json:"found"`
	Blob        []byte `json:"blob,omitempty"`
	PeerID      string `json:"peerId,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

func (h *Handler) recoverIdentity(w http.ResponseWriter, req *http.Request) {
	ident, found, err := h.relay.RecoverIdentity(req.Context(), mux.Vars(req)["hash"])
	if err != nil {
		writeError(w, err)
		return
	}
	resp := identityResponse{Found: found}
	if found {
		resp.Blob = ident.EncryptedBlob
		resp.PeerID = ident.PeerID
		resp.DisplayName = ident.DisplayName
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) directoryLookup(w http.ResponseWriter, req *http.Request) {
	peerID, displayName, found, err := h.relay.DirectoryLookup(req.Context(), mux.Vars(req)["hash"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, identityResponse{
		Found:       found,
		PeerID:      peerID,
		DisplayName: displayName,
	})
}

func (h *Handler) checkStatus(w http.ResponseWriter, req *http.Request) {
	online := h.relay.CheckStatus(mux.Vars(req)["value"])
	writeJSON(w, http.StatusOK, map[string]bool{"isOnline": online})
}

// websocketStream upgrades the request and runs the connection's event
// loop until the peer goes away. Any read error is a disconnect.
func (h *Handler) websocketStream(w http.ResponseWriter, req *http.Request) {
	ws, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		logrus.WithError(err).Debug("websocket upgrade failed")
		return
	}

	conn := transport.NewWSConn(ws, h.queueSize)
	h.relay.AddConnection(conn)
	defer func() {
		h.relay.HandleDisconnect(conn)
		conn.Close()
	}()

	for {
		env, err := conn.ReadEnvelope()
		if err != nil {
			return
		}
		if err := h.relay.HandleEnvelope(req.Context(), conn, env); err != nil {
			logrus.WithFields(logrus.Fields{
				"remote": conn.RemoteAddr(),
				"type":   env.Type,
				"error":  err,
			}).Warn("event handling failed")
		}
	}
}

func decodeJSON(w http.ResponseWriter, req *http.Request, dst any) bool {
	if err := json.NewDecoder(req.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return false
	}
	return true
}

// writeError maps the storage error taxonomy onto status codes: bad input
// is the caller's to fix, anything else is an operational failure.
func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrValidation) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	logrus.WithError(err).Error("request failed")
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logrus.WithError(err).Debug("response encode failed")
	}
}
