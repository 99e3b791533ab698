package admin

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"commlink/internal/connection"
	"commlink/internal/protocol"
	"commlink/internal/session"

	"github.com/gin-gonic/gin"
)

// Directory is the view of a running server the admin API works on.
type Directory interface {
	IsReady() bool
	Peers() []*connection.Connection
	GetClientsInState(state connection.AuthState) []*connection.Connection
	GetAcceptedClients() []*connection.Connection
	Peer(id string) (*connection.Connection, bool)
	Sessions() session.Store
}

// PeerView is the JSON shape of a connected peer.
type PeerView struct {
	ID          string               `json:"id"`
	RemoteAddr  string               `json:"remote_addr"`
	Username    string               `json:"username,omitempty"`
	AuthState   connection.AuthState `json:"auth_state"`
	ConnectedAt time.Time            `json:"connected_at"`
	Sent        int                  `json:"sent"`
	Received    int                  `json:"received"`
}

func viewOf(c *connection.Connection) PeerView {
	return PeerView{
		ID:          c.ID(),
		RemoteAddr:  c.RemoteAddr(),
		Username:    c.Username(),
		AuthState:   c.AuthState(),
		ConnectedAt: c.ConnectedAt(),
		Sent:        c.SentCount(),
		Received:    c.ReceivedCount(),
	}
}

func viewsOf(peers []*connection.Connection) []PeerView {
	out := make([]PeerView, 0, len(peers))
	for _, p := range peers {
		out = append(out, viewOf(p))
	}
	return out
}

// SendRequest is the body of POST /peers/:id/messages.
type SendRequest struct {
	Request string `json:"request" binding:"required"`
	Params  []any  `json:"params"`
}

type Handler struct {
	dir    Directory
	logger *slog.Logger
}

func NewHandler(dir Directory, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Handler{dir: dir, logger: logger.With("component", "admin")}
}

// Health godoc
// GET /health
func (h *Handler) Health(c *gin.Context) {
	status, code := "ok", http.StatusOK
	if !h.dir.IsReady() {
		status, code = "unavailable", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":   status,
		"peers":    len(h.dir.Peers()),
		"accepted": len(h.dir.GetAcceptedClients()),
	})
}

// ListPeers returns every peer, or only those in ?state=.
// GET /peers
func (h *Handler) ListPeers(c *gin.Context) {
	stateParam := c.Query("state")
	if stateParam == "" {
		c.JSON(http.StatusOK, gin.H{"peers": viewsOf(h.dir.Peers())})
		return
	}

	state, err := connection.ParseAuthState(stateParam)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"peers": viewsOf(h.dir.GetClientsInState(state))})
}

// GET /peers/accepted
func (h *Handler) ListAccepted(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"peers": viewsOf(h.dir.GetAcceptedClients())})
}

// GET /peers/:id
func (h *Handler) GetPeer(c *gin.Context) {
	peer, ok := h.dir.Peer(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "peer not found"})
		return
	}
	c.JSON(http.StatusOK, viewOf(peer))
}

// GET /sessions
func (h *Handler) ListSessions(c *gin.Context) {
	store := h.dir.Sessions()
	if store == nil {
		c.JSON(http.StatusOK, gin.H{"sessions": []session.Record{}})
		return
	}

	recs, err := store.List(c.Request.Context())
	if err != nil {
		h.logger.Error("session_list_failed", "error", err.Error())
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sessions"})
		return
	}
	if recs == nil {
		recs = []session.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": recs})
}

// SendToPeer pushes a server-initiated message to an accepted peer.
// POST /peers/:id/messages
func (h *Handler) SendToPeer(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if protocol.IsReserved(req.Request) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "request name is reserved"})
		return
	}

	peer, ok := h.dir.Peer(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "peer not found"})
		return
	}
	if peer.AuthState() != connection.Accepted {
		c.JSON(http.StatusConflict, gin.H{"error": "peer has not completed the handshake"})
		return
	}

	msg := protocol.New(req.Request, req.Params...)
	if err := peer.SendMessage(msg); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, protocol.ErrNotReady) {
			status = http.StatusGone
		}
		h.logger.Warn("admin_send_failed",
			"peer_id", peer.ID(),
			"error", err.Error(),
		)
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	h.logger.Info("admin_message_sent",
		"peer_id", peer.ID(),
		"request", req.Request,
	)
	resp := gin.H{}
	if msg.ID != "" {
		resp["id"] = msg.ID
	}
	c.JSON(http.StatusAccepted, resp)
}

// DELETE /peers/:id
func (h *Handler) DisconnectPeer(c *gin.Context) {
	peer, ok := h.dir.Peer(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "peer not found"})
		return
	}
	peer.Disconnect()
	h.logger.Info("admin_peer_disconnected", "peer_id", peer.ID())
	c.Status(http.StatusNoContent)
}
