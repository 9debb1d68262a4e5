package signal

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"airwave/internal/core/domain"
	"airwave/internal/core/ports"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// uids handed to clients whose credential carries uid 0
const autoUIDBase uint32 = 1 << 20

var errSlowConsumer = errors.New("send queue full")

type Config struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	SendQueueSize     int
	MessagesPerSecond float64
	Burst             int
	MaxMessageSize    int64
	AllowedOrigins    []string
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongTimeout <= c.PingInterval {
		c.PongTimeout = 2 * c.PingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 64
	}
	if c.MessagesPerSecond <= 0 {
		c.MessagesPerSecond = 20
	}
	if c.Burst <= 0 {
		c.Burst = 40
	}
	return c
}

// WebSocketServer relays WebRTC signaling between the members of a media channel. A client
// proves membership with a media credential; the channel in the credential is its room.
type WebSocketServer struct {
	verifier ports.CredentialVerifier
	cfg      Config
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	rooms   map[string]map[uint32]*client
	autoUID uint32

	logger *zap.SugaredLogger
}

type client struct {
	uid     uint32
	role    domain.MediaRole
	channel string

	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	limiter *rate.Limiter
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *client) enqueue(b []byte) error {
	select {
	case <-c.done:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case c.send <- b:
		return nil
	case <-c.done:
		return websocket.ErrCloseSent
	default:
		c.close()
		return errSlowConsumer
	}
}

func NewWebSocketServer(verifier ports.CredentialVerifier, cfg Config, logger *zap.SugaredLogger) *WebSocketServer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	cfg = cfg.withDefaults()
	s := &WebSocketServer{
		verifier: verifier,
		cfg:      cfg,
		rooms:    make(map[string]map[uint32]*client),
		autoUID:  autoUIDBase,
		logger:   logger,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:     OriginChecker(cfg.AllowedOrigins),
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return s
}

// OriginChecker accepts any origin when the list is empty or contains "*".
func OriginChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return slices.ContainsFunc(allowed, func(o string) bool { return strings.EqualFold(o, origin) })
	}
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	claims, err := s.verifier.Verify(token)
	if err != nil {
		s.logger.Infow("rejected signaling connection", "error", err)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		uid:     claims.UID,
		role:    claims.Role,
		channel: claims.Channel,
		conn:    conn,
		send:    make(chan []byte, s.cfg.SendQueueSize),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.Burst),
	}

	s.register(c)
	go s.writePump(c)

	s.sendTo(c, Message{Type: TypeWelcome, UID: c.uid, Channel: c.channel})
	s.broadcastPeers(c.channel)

	s.readPump(c)

	if s.unregister(c) {
		s.broadcastPeers(c.channel)
	}
	s.logger.Infow("peer left channel", "channel", c.channel, "uid", c.uid)
}

func (s *WebSocketServer) register(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.uid == 0 {
		s.autoUID++
		c.uid = s.autoUID
	}

	room, ok := s.rooms[c.channel]
	if !ok {
		room = make(map[uint32]*client)
		s.rooms[c.channel] = room
	}
	if existing, ok := room[c.uid]; ok {
		s.logger.Infow("replacing connection for reconnecting peer", "channel", c.channel, "uid", c.uid)
		existing.close()
	}
	room[c.uid] = c

	s.logger.Infow("peer joined channel", "channel", c.channel, "uid", c.uid, "role", c.role)
}

// unregister reports whether c was still the registered client for its uid.
func (s *WebSocketServer) unregister(c *client) bool {
	c.close()

	s.mu.Lock()
	defer s.mu.Unlock()

	room := s.rooms[c.channel]
	if room[c.uid] != c {
		return false
	}
	delete(room, c.uid)
	if len(room) == 0 {
		delete(s.rooms, c.channel)
	}
	return true
}

func (s *WebSocketServer) readPump(c *client) {
	if s.cfg.MaxMessageSize > 0 {
		c.conn.SetReadLimit(s.cfg.MaxMessageSize)
	}
	c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading message from peer", "uid", c.uid, "error", err)
			}
			return
		}
		select {
		case <-c.done:
			return
		default:
		}
		c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

		if !c.limiter.Allow() {
			s.sendError(c, "rate limit exceeded")
			continue
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendError(c, "malformed message")
			continue
		}
		if err := s.handleMessage(c, msg); err != nil {
			s.logger.Debugw("error handling message from peer", "uid", c.uid, "type", msg.Type, "error", err)
			s.sendError(c, err.Error())
		}
	}
}

func (s *WebSocketServer) writePump(c *client) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case b := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Infow("error sending ping", "uid", c.uid, "error", err)
				c.close()
				return
			}
		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(s.cfg.WriteTimeout))
			return
		}
	}
}

func (s *WebSocketServer) handleMessage(c *client, msg Message) error {
	switch msg.Type {
	case TypeOffer, TypeAnswer:
		if err := validateSDP(msg.SDP); err != nil {
			return fmt.Errorf("invalid SDP in %s: %w", msg.Type, err)
		}
	case TypeICECandidate:
		if len(msg.Candidate) == 0 {
			return fmt.Errorf("candidate is required")
		}
	case "":
		return fmt.Errorf("message type is required")
	default:
		return fmt.Errorf("unknown message type: %s", msg.Type)
	}

	if msg.Target == 0 {
		return fmt.Errorf("target is required")
	}
	if msg.Target == c.uid {
		return fmt.Errorf("cannot signal yourself")
	}

	s.mu.RLock()
	target, ok := s.rooms[c.channel][msg.Target]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("peer %d is not connected", msg.Target)
	}

	out := Message{
		Type:      msg.Type,
		From:      c.uid,
		Target:    msg.Target,
		SDP:       msg.SDP,
		Candidate: msg.Candidate,
	}
	return s.sendTo(target, out)
}

func validateSDP(sdp string) error {
	if sdp == "" {
		return fmt.Errorf("SDP is empty")
	}
	if !strings.HasPrefix(sdp, "v=0") {
		return fmt.Errorf("SDP must start with v=0")
	}
	return nil
}

func (s *WebSocketServer) sendTo(c *client, msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := c.enqueue(b); err != nil {
		if errors.Is(err, errSlowConsumer) {
			s.logger.Warnw("dropping slow signaling peer", "channel", c.channel, "uid", c.uid)
		}
		return fmt.Errorf("peer %d: %w", c.uid, err)
	}
	return nil
}

func (s *WebSocketServer) sendError(c *client, message string) {
	s.sendTo(c, Message{Type: TypeError, Message: message})
}

func (s *WebSocketServer) broadcastPeers(channel string) {
	s.mu.RLock()
	room := s.rooms[channel]
	members := make([]*client, 0, len(room))
	for _, c := range room {
		members = append(members, c)
	}
	s.mu.RUnlock()

	peers := make([]Peer, 0, len(members))
	for _, c := range members {
		peers = append(peers, Peer{UID: c.uid, Role: c.role})
	}
	sortPeers(peers)

	for _, c := range members {
		s.sendTo(c, Message{Type: TypePeers, Channel: channel, Peers: peers})
	}
}

// Peers returns the members of a channel ordered by uid.
func (s *WebSocketServer) Peers(channel string) []Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	peers := make([]Peer, 0, len(s.rooms[channel]))
	for _, c := range s.rooms[channel] {
		peers = append(peers, Peer{UID: c.uid, Role: c.role})
	}
	sortPeers(peers)
	return peers
}

func sortPeers(peers []Peer) {
	slices.SortFunc(peers, func(a, b Peer) int { return cmp.Compare(a.UID, b.UID) })
}

// Close disconnects every client.
func (s *WebSocketServer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for channel, room := range s.rooms {
		for _, c := range room {
			c.close()
		}
		delete(s.rooms, channel)
	}
}

func (s *WebSocketServer) HealthCheck(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	connections := 0
	for _, room := range s.rooms {
		connections += len(room)
	}
	channels := len(s.rooms)
	s.mu.RUnlock()

	response := map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"connections": connections,
		"channels":    channels,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}
