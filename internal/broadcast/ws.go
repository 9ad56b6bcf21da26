package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/alnlabs/aln-orchestrator/internal/log"
	"github.com/alnlabs/aln-orchestrator/internal/model"
	"github.com/alnlabs/aln-orchestrator/internal/state"
)

// ErrInvalidToken covers every handshake authentication failure.
var ErrInvalidToken = errors.New("invalid device token")

// Sessions is the presence surface the websocket layer drives.
type Sessions interface {
	Heartbeat(ctx context.Context, deviceID string, deviceType model.DeviceType)
	MarkDisconnected(ctx context.Context, deviceID, reason string)
}

// Snapshotter produces the attach-time full state.
type Snapshotter interface {
	Build() state.Snapshot
}

// Submitter adjudicates scans submitted over a GM socket. The verdict goes
// back to that socket alone as transaction:result; accepted transactions
// still reach everyone via the bus rebroadcast.
type Submitter interface {
	Submit(ctx context.Context, req model.ScanRequest) (model.ScanResponse, error)
}

// Commander executes admin operations submitted over a GM socket.
type Commander interface {
	GMCommand(ctx context.Context, action string, payload json.RawMessage) error
}

// DeviceClaims is the JWT payload consoles present at the handshake.
type DeviceClaims struct {
	DeviceID   string `json:"deviceId"`
	DeviceType string `json:"deviceType"`
	jwt.RegisteredClaims
}

// Server upgrades websocket handshakes and manages the per-socket pumps.
type Server struct {
	hub       *Hub
	sessions  Sessions
	snapshot  Snapshotter
	submitter Submitter
	commander Commander
	secret    []byte
	upgrader  websocket.Upgrader
}

// ServerOption configures the websocket endpoint.
type ServerOption func(*Server)

// WithSubmitter enables scan submission over the socket.
func WithSubmitter(sub Submitter) ServerOption {
	return func(s *Server) { s.submitter = sub }
}

// SetCommander enables gm:command dispatch over the socket. A setter rather
// than an option because the command executor is constructed after the
// websocket endpoint.
func (s *Server) SetCommander(cmd Commander) { s.commander = cmd }

// NewServer constructs the websocket endpoint. secret signs the HS256
// device tokens.
func NewServer(hub *Hub, sessions Sessions, snapshot Snapshotter, secret []byte, opts ...ServerOption) *Server {
	s := &Server{
		hub:      hub,
		sessions: sessions,
		snapshot: snapshot,
		secret:   secret,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Consoles connect from venue networks with arbitrary origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Authenticate validates the handshake token and returns its claims.
func (s *Server) Authenticate(tokenString string) (*DeviceClaims, error) {
	claims := &DeviceClaims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !tok.Valid {
		return nil, ErrInvalidToken
	}
	if claims.DeviceID == "" || !model.DeviceType(claims.DeviceType).Valid() {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// IssueToken mints a device token. Exposed for the admin provisioning flow
// and tests.
func (s *Server) IssueToken(deviceID string, deviceType model.DeviceType, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := DeviceClaims{
		DeviceID:   deviceID,
		DeviceType: string(deviceType),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// ServeHTTP handles GET /ws. The token rides the query string because
// browser websocket clients cannot set headers.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tokenString := r.URL.Query().Get("token")
	if tokenString == "" {
		tokenString = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	claims, err := s.Authenticate(tokenString)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &Client{
		DeviceID:   claims.DeviceID,
		DeviceType: model.DeviceType(claims.DeviceType),
		hub:        s.hub,
		conn:       conn,
		send:       make(chan model.Envelope, sendBuffer),
		done:       make(chan struct{}),
	}
	if !s.hub.register(client) {
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "gm station capacity reached")
		_ = conn.WriteMessage(websocket.CloseMessage, msg)
		conn.Close()
		return
	}
	s.sessions.Heartbeat(r.Context(), client.DeviceID, client.DeviceType)

	// The attached console gets the full state before any incremental event.
	client.send <- model.NewEnvelope("sync:full", s.snapshot.Build())

	go client.writePump()
	go s.readPump(client)
}

// inbound is the client-to-server message shape. Data carries the payload
// for transaction:submit and gm:command frames.
type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// handleSubmit adjudicates a scan sent over the socket. The verdict is
// unicast to the submitting socket as transaction:result; the accepted-only
// transaction:new broadcast arrives separately through the bus bridge.
func (s *Server) handleSubmit(c *Client, data json.RawMessage, logger zerolog.Logger) {
	if s.submitter == nil {
		s.hub.deliver(c, model.NewEnvelope("transaction:result", model.ScanResponse{
			Status:  model.TxRejected,
			Message: "submissions over socket are not enabled",
		}))
		return
	}
	var req model.ScanRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.hub.deliver(c, model.NewEnvelope("transaction:result", model.ScanResponse{
			Status:  model.TxRejected,
			Message: "malformed submission payload",
		}))
		return
	}
	if req.DeviceID == "" {
		req.DeviceID = c.DeviceID
	}
	if req.DeviceType == "" {
		req.DeviceType = c.DeviceType
	}
	resp, err := s.submitter.Submit(context.Background(), req)
	if err != nil {
		logger.Warn().Err(err).Str(log.FieldDeviceID, c.DeviceID).Msg("socket submission rejected")
		s.hub.deliver(c, model.NewEnvelope("transaction:result", model.ScanResponse{
			Status:  model.TxRejected,
			Message: err.Error(),
		}))
		return
	}
	s.hub.deliver(c, model.NewEnvelope("transaction:result", resp))
}

// handleCommand runs an admin operation for a GM socket. Outcomes reach
// consoles through the normal broadcast events; failures are logged and the
// socket stays up.
func (s *Server) handleCommand(c *Client, data json.RawMessage, logger zerolog.Logger) {
	if s.commander == nil || c.DeviceType != model.DeviceGM {
		logger.Warn().
			Str(log.FieldDeviceID, c.DeviceID).
			Str("deviceType", string(c.DeviceType)).
			Msg("gm:command refused")
		return
	}
	var cmd struct {
		Action  string          `json:"action"`
		Payload json.RawMessage `json:"payload,omitempty"`
	}
	if err := json.Unmarshal(data, &cmd); err != nil || cmd.Action == "" {
		logger.Warn().Str(log.FieldDeviceID, c.DeviceID).Msg("malformed gm:command")
		return
	}
	if err := s.commander.GMCommand(context.Background(), cmd.Action, cmd.Payload); err != nil {
		logger.Warn().Err(err).
			Str(log.FieldDeviceID, c.DeviceID).
			Str("action", cmd.Action).
			Msg("gm:command failed")
	}
}

// readPump consumes client messages (heartbeats, sync requests, submissions,
// GM commands) until the socket dies.
func (s *Server) readPump(c *Client) {
	logger := log.WithComponent("broadcast")
	defer func() {
		s.hub.unregister(c)
		s.sessions.MarkDisconnected(context.Background(), c.DeviceID, "socket closed")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		s.sessions.Heartbeat(context.Background(), c.DeviceID, c.DeviceType)
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug().Err(err).Str(log.FieldDeviceID, c.DeviceID).Msg("socket read error")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg inbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		switch msg.Event {
		case "heartbeat":
			s.sessions.Heartbeat(context.Background(), c.DeviceID, c.DeviceType)
		case "sync:request":
			s.hub.deliver(c, model.NewEnvelope("sync:full", s.snapshot.Build()))
		case "transaction:submit":
			s.handleSubmit(c, msg.Data, logger)
		case "gm:command":
			s.handleCommand(c, msg.Data, logger)
		case "batch:ack":
			// Receipt confirmation; nothing to route, but worth a trace.
			logger.Debug().Str(log.FieldDeviceID, c.DeviceID).Msg("batch receipt confirmed")
		}
	}
}
