package wsgateway

import (
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"

	"github.com/opsconsole/remoteshell/internal/gateway"
	"github.com/opsconsole/remoteshell/internal/registry"
)

// Config configures a Server.
type Config struct {
	Facade   *gateway.Facade
	Registry *registry.Registry
	Logger   logrus.FieldLogger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Facade == nil {
		return trace.BadParameter("Facade must be provided")
	}
	if c.Registry == nil {
		return trace.BadParameter("Registry must be provided")
	}
	if c.Logger == nil {
		c.Logger = logrus.WithField(trace.Component, "WSGateway")
	}
	return nil
}

// Server upgrades HTTP connections to websockets and drives the
// gateway core on their behalf.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
}

// New creates a Server from cfg.
func New(cfg Config) (*Server, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}, nil
}

// RegisterRoutes wires the session websocket endpoint into router.
func (s *Server) RegisterRoutes(router *httprouter.Router) {
	router.GET("/v1/sessions/ws", s.handleWS)
}

// handleWS upgrades the connection and runs the per-connection session
// loop until the socket closes. It is a httprouter.Handle so it
// composes the same way every other route in the teacher's web handler
// does.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.cfg.Logger.WithError(err).Warn("Failed to upgrade websocket connection.")
		return
	}
	defer conn.Close()

	transportID := uuid.NewString()
	wc := &wsConn{conn: conn}

	var handle *gateway.Handle
	defer func() {
		if handle != nil {
			s.cfg.Registry.OnTransportGone(transportID)
		}
	}()

	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}

		switch env.Kind {
		case KindOpen:
			if handle != nil {
				wc.sendError("already_open", "session already open on this connection")
				continue
			}
			h, err := s.cfg.Facade.Open(r.Context(), gateway.OpenRequest{
				HostID:      env.HostID,
				TenantID:    tenantFromRequest(r),
				UserID:      userFromRequest(r),
				TransportID: transportID,
				Cols:        env.Cols,
				Rows:        env.Rows,
				Transport:   wc,
				IPAddress:   r.RemoteAddr,
			})
			if err != nil {
				wc.sendError("open_failed", err.Error())
				continue
			}
			handle = h
			wc.send(Envelope{Kind: KindOpened, SessionID: handle.Session.ID})

		case KindInput:
			if handle == nil {
				wc.sendError("no_session", "no session open")
				continue
			}
			if err := handle.Input(r.Context(), env.Data); err != nil {
				wc.sendError("input_failed", err.Error())
			}

		case KindResize:
			if handle == nil {
				continue
			}
			if err := handle.Resize(env.Cols, env.Rows); err != nil {
				wc.sendError("resize_failed", err.Error())
			}

		case KindClose:
			if handle != nil {
				s.cfg.Facade.Close(handle, "client requested close")
				handle = nil
			}
			return

		default:
			wc.sendError("bad_kind", "unrecognized message kind")
		}
	}
}

func tenantFromRequest(r *http.Request) string {
	return r.Header.Get("X-Tenant-Id")
}

func userFromRequest(r *http.Request) string {
	return r.Header.Get("X-User-Id")
}

// wsConn adapts a gorilla websocket connection to termpump.Transport.
// Gorilla connections are not safe for concurrent writers, so all
// writes go through mu.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsConn) SendOutput(data []byte) error {
	return w.send(Envelope{Kind: KindOutput, Data: data})
}

func (w *wsConn) SendClosed(reason string) error {
	return w.send(Envelope{Kind: KindClosed, Reason: reason})
}

func (w *wsConn) send(env Envelope) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return trace.Wrap(w.conn.WriteJSON(env))
}

func (w *wsConn) sendError(code, message string) {
	_ = w.send(Envelope{Kind: KindError, Code: code, Message: message})
}
