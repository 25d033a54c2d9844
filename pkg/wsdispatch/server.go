package wsdispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/requestlog"

	"github.com/sammck-go/wsproxy/pkg/wsadapter"
	wsshare "github.com/sammck-go/wsproxy/share"
)

// ServerConfig is the configuration for the proxy server
type ServerConfig struct {
	// Path is the URL path that accepts WebSocket upgrades
	Path string

	OpenTimeout time.Duration
	MaxPayload  int
	KeepAlive   time.Duration

	// Registry supplies additional connection kinds; may be nil
	Registry *wsadapter.Registry

	// AdapterOptions configure the built-in adapters
	AdapterOptions wsadapter.Options
}

// Server accepts tunnel WebSockets and runs a Session for each
type Server struct {
	wsshare.ShutdownHelper
	config      ServerConfig
	adapters    *wsadapter.Set
	httpServer  *wsshare.HTTPServer
	upgrader    websocket.Upgrader
	connStats   wsshare.ConnStats
	sessionNum  int64
	openTimeout int64
}

// NewServer creates a Server and resolves its adapters
func NewServer(logger wsshare.Logger, config *ServerConfig) (*Server, error) {
	s := &Server{
		config:     *config,
		httpServer: wsshare.NewHTTPServer(logger.Fork("http")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			Subprotocols:    []string{wsshare.ProtocolVersion},
			// browsers on any origin are the intended clients
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.InitShutdownHelper(logger, s)
	if s.config.Path == "" {
		s.config.Path = "/"
	}
	s.SetOpenTimeout(s.config.OpenTimeout)
	adapters, err := s.config.Registry.Resolve(logger.Fork("adapters"), s.config.AdapterOptions)
	if err != nil {
		return nil, s.Errorf("%s", err)
	}
	s.adapters = adapters
	return s, nil
}

// SetOpenTimeout changes the open timeout used by sessions started from now on
func (s *Server) SetOpenTimeout(d time.Duration) {
	if d <= 0 {
		d = defaultOpenTimeout
	}
	atomic.StoreInt64(&s.openTimeout, int64(d))
}

// OpenTimeout returns the open timeout given to new sessions
func (s *Server) OpenTimeout() time.Duration {
	return time.Duration(atomic.LoadInt64(&s.openTimeout))
}

// ApplyConfig applies the settings of a reloaded config file that can change at runtime
func (s *Server) ApplyConfig(c *wsshare.Config) {
	if level := wsshare.StringToLogLevel(c.LogLevel); level != wsshare.LogLevelUnknown && level != s.GetLogLevel() {
		s.ILogf("Log level %s -> %s", s.GetLogLevel(), level)
		s.SetLogLevel(level)
	}
	if d := time.Duration(c.OpenTimeout); d > 0 && d != s.OpenTimeout() {
		s.ILogf("Open timeout %s -> %s", s.OpenTimeout(), d)
		s.SetOpenTimeout(d)
	}
}

// Kinds returns the connection kinds this server can open
func (s *Server) Kinds() []string {
	return s.adapters.Kinds()
}

// Stats returns the server-wide connection counters
func (s *Server) Stats() *wsshare.ConnStats {
	return &s.connStats
}

// Handler returns the server's http.Handler, with access logging at debug level
func (s *Server) Handler() http.Handler {
	var h http.Handler = s
	if s.GetLogLevel() >= wsshare.LogLevelDebug {
		h = requestlog.Wrap(h)
	}
	return h
}

// Run listens on addr and serves until ctx is done or the server is shut down
func (s *Server) Run(ctx context.Context, addr string) error {
	err := s.DoOnceActivate(
		func() error {
			s.ShutdownOnContext(ctx)
			s.ILogf("Listening on %s (websocket path %s, kinds %s)", addr, s.config.Path, strings.Join(s.Kinds(), ","))
			go func() {
				s.StartShutdown(s.httpServer.ListenAndServe(ctx, addr, s.Handler()))
			}()
			return nil
		},
		true,
	)
	if err != nil {
		return err
	}
	err = s.WaitShutdown()
	if err == context.Canceled {
		err = nil
	}
	return err
}

// HandleOnceShutdown stops the listener. Sessions are shut down as children.
func (s *Server) HandleOnceShutdown(completionErr error) error {
	s.DLogf("HandleOnceShutdown")
	err := s.httpServer.Close()
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// ListenAddr waits for the listener started by Run and returns its address
func (s *Server) ListenAddr() string {
	if a := s.httpServer.ListenAddr(); a != nil {
		return a.String()
	}
	return ""
}

// ServeHTTP upgrades tunnel WebSockets and answers the informational endpoints
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.ToLower(r.Header.Get("Upgrade")) == "websocket" && r.URL.Path == s.config.Path {
		s.handleUpgrade(w, r)
		return
	}

	switch r.URL.Path {
	case "/health":
		w.Write([]byte("OK\n"))
		return
	case "/version":
		w.Write([]byte(wsshare.BuildVersion))
		return
	case "/capabilities":
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(&Capabilities{
			Version:  wsshare.BuildVersion,
			Protocol: wsshare.ProtocolVersion,
			Kinds:    s.Kinds(),
		})
		return
	}

	http.Error(w, "Not Found", http.StatusNotFound)
}

// Capabilities is the body of the /capabilities endpoint
type Capabilities struct {
	Version  string   `json:"version"`
	Protocol string   `json:"protocol"`
	Kinds    []string `json:"kinds"`
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.IsStartedShutdown() {
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}
	for _, p := range websocket.Subprotocols(r) {
		if strings.HasPrefix(p, "wsproxy-") && p != wsshare.ProtocolVersion {
			s.ILogf("Client connection using unsupported websocket protocol '%s', expected '%s'", p, wsshare.ProtocolVersion)
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client
		s.DLogf("Failed to upgrade to websocket: %s", err)
		return
	}

	n := atomic.AddInt64(&s.sessionNum, 1)
	session := NewSession(s.Fork("session#%d", n), wsConn, s.adapters, SessionOptions{
		OpenTimeout: s.OpenTimeout(),
		MaxPayload:  s.config.MaxPayload,
		KeepAlive:   s.config.KeepAlive,
		Stats:       &s.connStats,
	})
	if err := s.AddShutdownChild(session); err != nil {
		s.DLogf("Rejecting session#%d from %s: %s", n, r.RemoteAddr, err)
		wsConn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(controlWriteWait),
		)
		session.Close()
		return
	}
	s.DLogf("Session#%d from %s", n, r.RemoteAddr)
	go func() {
		err := session.Run(context.Background())
		s.DLogf("Session#%d ended: %s; %s connections", n, err, s.connStats.String())
	}()
}
