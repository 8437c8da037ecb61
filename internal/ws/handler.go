// Package ws streams backup lifecycle events to operators over WebSocket.
package ws

import (
	"context"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/HerbHall/sitebackup/internal/auth"
	"github.com/HerbHall/sitebackup/internal/event"
)

// TokenAuthorizer admits a connection from a bearer token.
type TokenAuthorizer interface {
	AuthorizeToken(token string) (*auth.Principal, error)
}

// Subscriber is the part of the event bus the handler needs.
type Subscriber interface {
	SubscribeAll(handler event.Handler) (unsubscribe func())
}

// Handler serves the backup event stream.
type Handler struct {
	hub         *Hub
	authz       TokenAuthorizer
	unsubscribe func()
	logger      *zap.Logger
}

var _ interface {
	RegisterRoutes(mux *http.ServeMux)
} = (*Handler)(nil)

// NewHandler creates a handler and starts forwarding bus events to clients.
func NewHandler(authz TokenAuthorizer, bus Subscriber, logger *zap.Logger) *Handler {
	h := &Handler{
		hub:    NewHub(logger),
		authz:  authz,
		logger: logger,
	}
	if bus != nil {
		h.unsubscribe = bus.SubscribeAll(h.forward)
	}
	return h
}

// RegisterRoutes mounts the stream endpoint.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/ws/backups", h.handleStream)
}

// Close stops forwarding and disconnects every client.
func (h *Handler) Close() {
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
	h.hub.Close()
}

func (h *Handler) forward(_ context.Context, e event.Event) {
	if msg, ok := messageFor(e); ok {
		h.hub.Broadcast(msg)
	}
}

// handleStream authorizes the token query parameter (browsers cannot set
// headers on a WebSocket handshake) and then holds the connection open.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	principal, err := h.authz.AuthorizeToken(r.URL.Query().Get("token"))
	switch {
	case errors.Is(err, auth.ErrForbidden):
		http.Error(w, "administrator role required", http.StatusForbidden)
		return
	case err != nil:
		http.Error(w, "missing, invalid or expired token", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Origin is not checked; the token is the credential.
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Error("websocket accept failed", zap.Error(err))
		return
	}

	client := &Client{
		conn:    conn,
		subject: principal.Subject,
		send:    make(chan Message, sendBuffer),
		logger:  h.logger,
	}
	h.hub.Register(client)

	ctx := r.Context()
	done := make(chan struct{})
	go func() {
		client.writePump(ctx)
		close(done)
	}()

	client.readPump(ctx)

	h.hub.Unregister(client)
	conn.Close(websocket.StatusNormalClosure, "")
	<-done
}
