package gateway

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"

	"github.com/edudashpro/presence/backend-go/internal/auth"
	"github.com/edudashpro/presence/backend-go/internal/presence"
	"github.com/edudashpro/presence/backend-go/internal/typeid"
)

// Handler upgrades authenticated device requests to presence connections.
type Handler struct {
	hub      *Hub
	auth     *auth.Service
	writer   presence.Writer
	origins  []string
	trackers []presence.TrackerOption
}

func NewHandler(hub *Hub, authSvc *auth.Service, writer presence.Writer, allowedOrigins []string, opts ...presence.TrackerOption) *Handler {
	return &Handler{
		hub:      hub,
		auth:     authSvc,
		writer:   writer,
		origins:  originPatterns(allowedOrigins),
		trackers: opts,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	userID, err := h.auth.ValidateToken(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		slog.Error("websocket accept", "error", err)
		return
	}

	client := NewClient(h.hub, conn, userID, typeid.NewConnID(), h.writer, h.trackers...)
	client.Serve(r.Context())
}

// originPatterns turns configured origins ("http://localhost:5173") into the
// host patterns websocket.Accept matches against.
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			o = u.Host
		}
		patterns = append(patterns, o)
	}
	return patterns
}
