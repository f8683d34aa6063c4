package live

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"readerbites/internal/page"
	"readerbites/internal/session"
)

// Reply answers one client frame. Events pushed by the hub use session.Event instead.
type Reply struct {
	Type   string          `json:"type"`
	Action string          `json:"action,omitempty"`
	Status *session.Status `json:"status,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type Server struct {
	session  *session.Session
	hub      *Hub
	logger   *zap.Logger
	upgrader websocket.Upgrader
	router   *mux.Router
}

// NewServer exposes s over HTTP and forwards its events to hub.
func NewServer(s *session.Session, hub *Hub, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	srv := &Server{
		session: s,
		hub:     hub,
		logger:  logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		router: mux.NewRouter(),
	}
	s.OnEvent(func(ev session.Event) { hub.Broadcast(ev) })

	srv.router.HandleFunc("/", srv.handlePage).Methods(http.MethodGet)
	srv.router.HandleFunc("/reader", srv.handleReader).Methods(http.MethodGet)
	srv.router.HandleFunc("/ws", srv.handleConnections)
	return srv
}

func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	srv.router.ServeHTTP(w, r)
}

func (srv *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	body, err := srv.session.Render()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	var b strings.Builder
	page.Write(&b, srv.session.Status().Title, body, true)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(b.String()))
}

func (srv *Server) handleReader(w http.ResponseWriter, r *http.Request) {
	body, err := srv.session.Render()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(body))
}

func (srv *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	ws, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer ws.Close()

	c := &client{id: uuid.New(), conn: ws, send: make(chan []byte, sendBuffer)}
	logger := srv.logger.With(zap.String("client", c.id.String()))
	if !srv.hub.join(c) {
		return
	}
	defer srv.hub.leave(c)

	replies := make(chan []byte, sendBuffer)
	quit := make(chan struct{})
	defer close(quit)

	// the writer owns the conn; hub events and replies both go through it
	go func() {
		for {
			var msg []byte
			select {
			case out, ok := <-c.send:
				if !ok {
					_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
				msg = out
			case msg = <-replies:
			case <-quit:
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Debug("write to client failed", zap.Error(err))
				return
			}
		}
	}()

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			logger.Debug("client disconnected", zap.Error(err))
			return
		}
		payload, err := json.Marshal(srv.handleFrame(r.Context(), frame))
		if err != nil {
			logger.Warn("encode reply", zap.Error(err))
			continue
		}
		select {
		case replies <- payload:
		default:
			logger.Warn("reply queue full, dropping reply")
		}
	}
}

func (srv *Server) handleFrame(ctx context.Context, frame []byte) Reply {
	msg, err := session.DecodeMessage(frame)
	if err != nil {
		return Reply{Type: "error", Error: err.Error()}
	}
	status, err := srv.session.Handle(ctx, msg)
	rep := Reply{Type: "reply", Action: session.Action(msg), Status: &status}
	if err != nil {
		srv.logger.Info("message failed", zap.String("action", rep.Action), zap.Error(err))
		rep.Type = "error"
		rep.Error = err.Error()
	}
	return rep
}
