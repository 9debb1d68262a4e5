package http

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"airwave/internal/core/domain"
	"airwave/internal/core/ports"
	"airwave/internal/infrastructure/signal"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type FeedConfig struct {
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	SendQueueSize  int
	AllowedOrigins []string
}

// FeedHandler pushes live profile and stream updates over a websocket.
type FeedHandler struct {
	feed      ports.ChangeFeed
	directory ports.DirectoryService
	cfg       FeedConfig
	upgrader  websocket.Upgrader
	logger    *zap.SugaredLogger
}

func NewFeedHandler(feed ports.ChangeFeed, directory ports.DirectoryService, cfg FeedConfig, logger *zap.SugaredLogger) *FeedHandler {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 64
	}
	return &FeedHandler{
		feed:      feed,
		directory: directory,
		cfg:       cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin:     signal.OriginChecker(cfg.AllowedOrigins),
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		logger: logger,
	}
}

func (h *FeedHandler) SetupRoutes(api *gin.RouterGroup) {
	api.GET("/feed", h.Feed)
}

type feedConn struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (f *feedConn) close() {
	f.once.Do(func() { close(f.done) })
}

// push drops the connection when its queue is full rather than block a watch callback.
func (f *feedConn) push(msg gin.H) {
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case <-f.done:
		return
	default:
	}
	select {
	case f.send <- b:
	case <-f.done:
	default:
		f.close()
	}
}

// flush writes whatever is still queued, without waiting for more.
func (f *feedConn) flush(timeout time.Duration) {
	for {
		select {
		case b := <-f.send:
			f.conn.SetWriteDeadline(time.Now().Add(timeout))
			if err := f.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (h *FeedHandler) Feed(c *gin.Context) {
	user, ok := principal(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	var streamID domain.StreamID
	if id := c.Query("stream_id"); id != "" {
		streamID = domain.StreamID(id)
		if err := h.canWatch(ctx, user, streamID); err != nil {
			c.Error(err)
			return
		}
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Infow("feed upgrade failed", "user_id", user.ID, "error", err)
		return
	}

	fc := &feedConn{
		conn: conn,
		send: make(chan []byte, h.cfg.SendQueueSize),
		done: make(chan struct{}),
	}
	go h.writePump(fc)

	watchCtx := context.WithoutCancel(ctx)
	onError := func(err error) {
		fc.push(gin.H{"type": "error", "message": err.Error()})
	}

	var unsubs []ports.Unsubscribe
	defer func() {
		for _, unsub := range unsubs {
			unsub()
		}
		fc.close()
	}()

	// A subscriber unassigned from the watched stream stops receiving its frames.
	guard := &streamGuard{enforce: streamID != "" && !user.IsAdmin()}

	unsub, err := h.feed.WatchUser(watchCtx, user.ID, func(u *domain.User) {
		fc.push(gin.H{"type": "profile", "user": publicUser(u)})
		if guard.revoke(u, streamID) {
			h.logger.Infow("feed stream watch revoked", "user_id", user.ID, "stream_id", streamID)
			fc.push(gin.H{"type": "error", "message": domain.ErrAccessDenied.Error(), "stream_id": streamID})
		}
	}, onError)
	if err != nil {
		onError(err)
		return
	}
	unsubs = append(unsubs, unsub)

	unsub, err = h.feed.WatchAssignedStreams(watchCtx, user.ID, func(streams []*domain.Stream) {
		fc.push(gin.H{"type": "streams", "streams": streams})
	}, onError)
	if err != nil {
		onError(err)
		return
	}
	unsubs = append(unsubs, unsub)

	if streamID != "" {
		unsub, err = h.feed.WatchStream(watchCtx, streamID, func(s *domain.Stream) {
			guard.do(func() { fc.push(gin.H{"type": "stream", "stream": s}) })
		}, onError)
		if err != nil {
			onError(err)
			return
		}
		unsubs = append(unsubs, unsub)
	}

	h.logger.Debugw("feed opened", "user_id", user.ID, "stream_id", streamID)
	h.readPump(fc)
	h.logger.Debugw("feed closed", "user_id", user.ID)
}

type streamGuard struct {
	enforce bool
	mu      sync.Mutex
	revoked bool
}

// revoke reports true the first time u shows it no longer holds streamID.
func (g *streamGuard) revoke(u *domain.User, streamID domain.StreamID) bool {
	if !g.enforce {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.revoked || (u != nil && u.HasStream(streamID)) {
		return false
	}
	g.revoked = true
	return true
}

// do runs push unless the watch was revoked. Holding mu keeps a stream frame from
// landing after the revocation error.
func (g *streamGuard) do(push func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.revoked {
		push()
	}
}

// canWatch limits single-stream watches to admins and assigned subscribers.
func (h *FeedHandler) canWatch(ctx context.Context, user domain.CurrentUser, streamID domain.StreamID) error {
	if user.IsAdmin() {
		return nil
	}
	u, err := h.directory.GetUser(ctx, user.ID)
	if err != nil {
		return err
	}
	if !u.HasStream(streamID) {
		return domain.ErrAccessDenied
	}
	return nil
}

// readPump discards client frames and returns once the client goes away.
func (h *FeedHandler) readPump(fc *feedConn) {
	fc.conn.SetReadLimit(4096)
	fc.conn.SetReadDeadline(time.Now().Add(2 * h.cfg.PingInterval))
	fc.conn.SetPongHandler(func(string) error {
		return fc.conn.SetReadDeadline(time.Now().Add(2 * h.cfg.PingInterval))
	})
	for {
		if _, _, err := fc.conn.ReadMessage(); err != nil {
			return
		}
		select {
		case <-fc.done:
			return
		default:
		}
	}
}

func (h *FeedHandler) writePump(fc *feedConn) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		fc.conn.Close()
	}()

	for {
		select {
		case b := <-fc.send:
			fc.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := fc.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				fc.close()
				return
			}
		case <-ticker.C:
			fc.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := fc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				fc.close()
				return
			}
		case <-fc.done:
			fc.flush(h.cfg.WriteTimeout)
			fc.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(h.cfg.WriteTimeout))
			return
		}
	}
}
