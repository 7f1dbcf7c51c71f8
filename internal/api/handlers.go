package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"coedit/internal/auth"
	"coedit/internal/models"
	"coedit/internal/session"
	"coedit/internal/utils"
)

// frame overhead on top of a base64 encoded update
const readLimitSlack = 4096

type authenticator interface {
	Authenticate(ctx context.Context, credential, documentID string) (*models.Identity, error)
}

type Options struct {
	MaxUpdateBytes int
	SendQueueSize  int
	AllowedOrigins []string
}

type Handlers struct {
	log      *utils.Logger
	gate     authenticator
	hub      *session.Hub
	opts     Options
	upgrader websocket.Upgrader
}

func NewHandlers(log *utils.Logger, gate authenticator, hub *session.Hub, opts Options) *Handlers {
	h := &Handlers{log: log, gate: gate, hub: hub, opts: opts}
	h.upgrader = websocket.Upgrader{CheckOrigin: h.checkOrigin}
	return h
}

func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("ok"))
}

func (h *Handlers) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(h.opts.AllowedOrigins, "*") || slices.Contains(h.opts.AllowedOrigins, origin)
}

/*** Document WebSocket: join, CRDT relay, presence, save ***/

// DocumentWS admits one connection to one document. Authentication happens
// before the upgrade so rejected callers get a plain HTTP status.
func (h *Handlers) DocumentWS(w http.ResponseWriter, r *http.Request) {
	documentID := r.URL.Query().Get("documentId")
	identity, err := h.gate.Authenticate(r.Context(), credentialFrom(r), documentID)
	if err != nil {
		status, msg := authStatus(err)
		if status == http.StatusInternalServerError {
			h.log.Error("authentication failed", "documentId", documentID, "error", err)
		}
		utils.JSONError(w, status, msg)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "documentId", documentID, "error", err)
		return
	}
	if h.opts.MaxUpdateBytes > 0 {
		conn.SetReadLimit(int64(h.opts.MaxUpdateBytes)*4/3 + readLimitSlack)
	}

	client := session.NewClient(conn, uuid.NewString(), h.opts.SendQueueSize)
	log := h.log.With("documentId", identity.DocumentID, "connectionId", client.ID, "userId", identity.UserID)

	// nothing is queued yet, so pre-join failures are written directly
	var join models.InboundFrame
	if err := conn.ReadJSON(&join); err != nil || join.Type != models.FrameJoinDocument {
		_ = conn.WriteJSON(errFrame(models.ErrCodeExpectedJoin))
		client.Close()
		return
	}
	var req models.JoinDocument
	if err := json.Unmarshal(join.Data, &req); err != nil || req.DocumentID != identity.DocumentID {
		_ = conn.WriteJSON(errFrame(models.ErrCodeDocumentMismatch))
		client.Close()
		return
	}

	room, err := h.hub.Join(r.Context(), identity.DocumentID, client, models.NewParticipant(client.ID, *identity))
	if err != nil {
		log.Error("join failed", "error", err)
		_ = conn.WriteJSON(errFrame(models.ErrCodeLoadFailed))
		client.Close()
		return
	}
	go client.WritePump()
	defer func() {
		h.hub.Leave(room, client.ID)
		client.Finish()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame models.InboundFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			log.Warn("undecodable frame", "error", err)
			client.Send(errFrame(models.ErrCodeMalformedUpdate))
			return
		}

		switch frame.Type {
		case models.FrameUpdate:
			var update []byte
			if err := json.Unmarshal(frame.Data, &update); err != nil {
				log.Warn("undecodable update", "error", err)
				client.Send(errFrame(models.ErrCodeMalformedUpdate))
				return
			}
			if !h.submit(log, client, room, update) {
				return
			}

		case models.FrameCursorUpdate:
			var cu models.CursorUpdate
			if err := json.Unmarshal(frame.Data, &cu); err != nil {
				continue
			}
			if err := room.UpdateCursor(client.ID, cu.Cursor); err != nil {
				log.Warn("cursor update failed", "error", err)
			}

		case models.FrameSave:
			if err := h.hub.Save(r.Context(), room); err != nil {
				log.Error("save failed", "error", err)
				client.Send(errFrame(models.ErrCodeSaveFailed))
			}

		default:
			client.Send(errFrame(models.ErrCodeUnknownType))
		}
	}
}

// submit reports whether the connection may stay open.
func (h *Handlers) submit(log *utils.Logger, client *session.Client, room *session.Room, update []byte) bool {
	err := room.Submit(client.ID, update)
	switch {
	case err == nil:
		return true
	case errors.Is(err, session.ErrReadOnly):
		log.Debug("dropped update from read-only participant")
		client.Send(errFrame(models.ErrCodeReadOnly))
		return true
	case errors.Is(err, session.ErrMalformedUpdate):
		log.Warn("malformed update", "error", err)
		client.Send(errFrame(models.ErrCodeMalformedUpdate))
		return false
	case errors.Is(err, session.ErrRoomClosed):
		client.Send(errFrame(models.ErrCodeRoomClosed))
		return false
	default:
		log.Error("update failed", "error", err)
		return false
	}
}

func credentialFrom(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	token, err := utils.ExtractTokenFromHeader(r.Header.Get("Authorization"))
	if err != nil {
		return ""
	}
	return token
}

func authStatus(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrAuthentication):
		return http.StatusUnauthorized, auth.ErrAuthentication.Error()
	case errors.Is(err, auth.ErrValidation):
		return http.StatusBadRequest, auth.ErrValidation.Error()
	case errors.Is(err, auth.ErrAuthorization):
		return http.StatusForbidden, auth.ErrAuthorization.Error()
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func errFrame(code string) models.WSFrame { return models.WSFrame{Type: models.FrameError, Data: code} }
