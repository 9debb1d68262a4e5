package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"airwave/internal/core/domain"
	"airwave/internal/core/ports"
	"airwave/internal/infrastructure/signal"
	"airwave/pkg/circuitbreaker"
	"airwave/pkg/retry"

	"github.com/gorilla/websocket"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

var (
	ErrAlreadyOpen  = errors.New("media session already open")
	ErrNotOpen      = errors.New("media session is not open")
	ErrNotPublisher = errors.New("only the publisher can share a screen")
	ErrRejected     = errors.New("signaling relay rejected the credential")
)

// WebRTCSession is a mesh participant: the publisher offers one connection per listener and
// each listener answers the publisher.
type WebRTCSession struct {
	f      *Factory
	role   domain.MediaRole
	logger *zap.SugaredLogger

	state   atomic.Value
	conn    atomic.Pointer[websocket.Conn]
	writeMu sync.Mutex
	muted   atomic.Bool
	closing atomic.Bool

	mu          sync.Mutex
	uid         uint32
	channelName string
	token       string
	roster      []signal.Peer
	peers       map[uint32]*remotePeer
	audio       *webrtc.TrackLocalStaticSample
	screen      *webrtc.TrackLocalStaticSample
	stopScreen  context.CancelFunc
	cancel      context.CancelFunc
	loopDone    chan struct{}
}

type remotePeer struct {
	uid          uint32
	pc           *webrtc.PeerConnection
	screenSender *webrtc.RTPSender
	pending      []webrtc.ICECandidateInit
}

var _ ports.MediaSession = (*WebRTCSession)(nil)

func newSession(f *Factory, role domain.MediaRole) *WebRTCSession {
	s := &WebRTCSession{
		f:      f,
		role:   role,
		logger: f.logger.With("media_role", role),
		peers:  make(map[uint32]*remotePeer),
	}
	s.state.Store(domain.ConnectionDisconnected)
	return s
}

func (s *WebRTCSession) ConnectionState() domain.ConnectionState {
	return s.state.Load().(domain.ConnectionState)
}

func (s *WebRTCSession) setState(st domain.ConnectionState) {
	prev := s.state.Swap(st)
	if prev != st {
		s.logger.Debugw("media connection state changed", "from", prev, "to", st)
	}
}

// RemotePeers lists the other members of the channel as reported by the relay.
func (s *WebRTCSession) RemotePeers() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]uint32, 0, len(s.roster))
	for _, p := range s.roster {
		if p.UID != s.uid {
			out = append(out, p.UID)
		}
	}
	return out
}

func (s *WebRTCSession) Open(ctx context.Context, channelName, token string, uid uint32, role domain.MediaRole) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return ErrAlreadyOpen
	}
	s.role = role
	s.uid = uid
	s.channelName = channelName
	s.token = token
	if role == domain.MediaRolePublisher {
		track, err := webrtc.NewTrackLocalStaticSample(opusCapability, "audio", "airwave-"+channelName)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("create audio track: %w", err)
		}
		s.audio = track
	}
	s.mu.Unlock()

	s.closing.Store(false)
	s.setState(domain.ConnectionConnecting)

	conn, welcome, err := s.dial(ctx)
	if err != nil {
		s.setState(domain.ConnectionDisconnected)
		s.mu.Lock()
		s.audio = nil
		s.mu.Unlock()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.uid = welcome.UID
	s.cancel = cancel
	s.loopDone = done
	audio := s.audio
	s.mu.Unlock()

	s.conn.Store(conn)
	s.setState(domain.ConnectionConnected)

	go s.readLoop(runCtx, conn, done)
	if audio != nil && s.f.cfg.Audio != nil {
		go s.pump(runCtx, s.f.cfg.Audio, audio, true)
	}

	s.logger.Infow("media session opened", "channel", channelName, "uid", welcome.UID)
	return nil
}

// dial connects to the relay and waits for its welcome.
func (s *WebRTCSession) dial(ctx context.Context) (*websocket.Conn, *signal.Message, error) {
	u, err := url.Parse(s.f.cfg.SignalURL)
	if err != nil {
		return nil, nil, fmt.Errorf("signal url: %w", err)
	}
	q := u.Query()
	q.Set("token", s.token)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: s.f.cfg.DialTimeout}

	type dialed struct {
		conn    *websocket.Conn
		welcome *signal.Message
	}
	attempt := func() (dialed, error) {
		conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusUnauthorized {
				return dialed{}, fmt.Errorf("%w: %v", ErrRejected, err)
			}
			return dialed{}, err
		}

		conn.SetReadDeadline(time.Now().Add(s.f.cfg.DialTimeout))
		var welcome signal.Message
		if err := conn.ReadJSON(&welcome); err != nil {
			conn.Close()
			return dialed{}, fmt.Errorf("read welcome: %w", err)
		}
		conn.SetReadDeadline(time.Time{})
		if welcome.Type != signal.TypeWelcome {
			conn.Close()
			return dialed{}, fmt.Errorf("unexpected first message %q", welcome.Type)
		}
		return dialed{conn: conn, welcome: &welcome}, nil
	}

	res, err := retry.RetryWithResult(ctx, s.f.cfg.Retry, func() (dialed, error) {
		res, err := circuitbreaker.Do(s.f.breaker, attempt)
		if errors.Is(err, ErrRejected) || errors.Is(err, circuitbreaker.ErrOpen) {
			return res, retry.Stop(err)
		}
		return res, err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("dial signaling relay: %w", err)
	}
	return res.conn, res.welcome, nil
}

// readLoop owns conn until it swaps in a reconnected link. Close may clear s.conn at any
// point, so the loop never reloads it.
func (s *WebRTCSession) readLoop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		var msg signal.Message
		err := conn.ReadJSON(&msg)
		if err == nil {
			s.handle(msg)
			continue
		}
		if s.closing.Load() || ctx.Err() != nil {
			return
		}

		s.logger.Warnw("signaling link lost", "error", err)
		s.setState(domain.ConnectionReconnecting)
		s.resetPeers()

		next, welcome, err := s.dial(ctx)
		if err != nil {
			s.logger.Errorw("signaling reconnect failed", "error", err)
			s.setState(domain.ConnectionDisconnected)
			return
		}
		if !s.conn.CompareAndSwap(conn, next) {
			next.Close()
			return
		}
		s.mu.Lock()
		s.uid = welcome.UID
		s.mu.Unlock()
		conn.Close()
		conn = next
		s.setState(domain.ConnectionConnected)
	}
}

func (s *WebRTCSession) handle(msg signal.Message) {
	var err error
	switch msg.Type {
	case signal.TypePeers:
		err = s.onPeers(msg.Peers)
	case signal.TypeOffer:
		err = s.onOffer(msg.From, msg.SDP)
	case signal.TypeAnswer:
		err = s.onAnswer(msg.From, msg.SDP)
	case signal.TypeICECandidate:
		err = s.onCandidate(msg.From, msg.Candidate)
	case signal.TypeError:
		s.logger.Warnw("signaling relay reported an error", "message", msg.Message)
	}
	if err != nil {
		s.logger.Warnw("failed to handle signaling message", "type", msg.Type, "from", msg.From, "error", err)
	}
}

func (s *WebRTCSession) onPeers(roster []signal.Peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.roster = roster
	present := make(map[uint32]bool, len(roster))
	for _, p := range roster {
		present[p.UID] = true
	}
	for uid, peer := range s.peers {
		if !present[uid] {
			peer.pc.Close()
			delete(s.peers, uid)
		}
	}

	if s.role != domain.MediaRolePublisher {
		return nil
	}

	var errs []error
	for _, p := range roster {
		if p.UID == s.uid || p.Role != domain.MediaRoleSubscriber {
			continue
		}
		if _, ok := s.peers[p.UID]; ok {
			continue
		}
		peer, err := s.newPeer(p.UID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := s.offer(peer); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// newPeer must be called with s.mu held.
func (s *WebRTCSession) newPeer(uid uint32) (*remotePeer, error) {
	pc, err := s.f.api.NewPeerConnection(webrtc.Configuration{ICEServers: s.f.cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	peer := &remotePeer{uid: uid, pc: pc}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		b, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		s.send(signal.Message{Type: signal.TypeICECandidate, Target: uid, Candidate: b})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.logger.Debugw("peer connection state changed", "peer", uid, "state", state.String())
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		go s.readRTCP(uid, receiver.ReadRTCP)
		go s.drain(uid, track)
	})

	if s.audio != nil {
		sender, err := pc.AddTrack(s.audio)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("add audio track: %w", err)
		}
		go s.readRTCP(uid, sender.ReadRTCP)
	}
	if s.screen != nil {
		sender, err := pc.AddTrack(s.screen)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("add screen track: %w", err)
		}
		peer.screenSender = sender
		go s.readRTCP(uid, sender.ReadRTCP)
	}

	s.peers[uid] = peer
	return peer, nil
}

// offer must be called with s.mu held.
func (s *WebRTCSession) offer(peer *remotePeer) error {
	offer, err := peer.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := peer.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	return s.send(signal.Message{Type: signal.TypeOffer, Target: peer.uid, SDP: offer.SDP})
}

func (s *WebRTCSession) onOffer(from uint32, sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	peer, ok := s.peers[from]
	if !ok {
		var err error
		if peer, err = s.newPeer(from); err != nil {
			return err
		}
	}

	if err := peer.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	answer, err := peer.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := peer.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	s.flushCandidates(peer)
	return s.send(signal.Message{Type: signal.TypeAnswer, Target: from, SDP: answer.SDP})
}

func (s *WebRTCSession) onAnswer(from uint32, sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	peer, ok := s.peers[from]
	if !ok {
		return fmt.Errorf("answer from unknown peer %d", from)
	}
	if err := peer.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	s.flushCandidates(peer)
	return nil
}

func (s *WebRTCSession) onCandidate(from uint32, raw json.RawMessage) error {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &candidate); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	peer, ok := s.peers[from]
	if !ok {
		return nil
	}
	if peer.pc.RemoteDescription() == nil {
		peer.pending = append(peer.pending, candidate)
		return nil
	}
	return peer.pc.AddICECandidate(candidate)
}

func (s *WebRTCSession) flushCandidates(peer *remotePeer) {
	for _, c := range peer.pending {
		if err := peer.pc.AddICECandidate(c); err != nil {
			s.logger.Debugw("dropping ICE candidate", "peer", peer.uid, "error", err)
		}
	}
	peer.pending = nil
}

func (s *WebRTCSession) send(msg signal.Message) error {
	conn := s.conn.Load()
	if conn == nil {
		return ErrNotOpen
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(s.f.cfg.DialTimeout))
	return conn.WriteJSON(msg)
}

func (s *WebRTCSession) readRTCP(uid uint32, read func() ([]rtcp.Packet, interceptor.Attributes, error)) {
	for {
		packets, _, err := read()
		if err != nil {
			return
		}
		summary := summarizeRTCP(packets)
		if summary.Reports > 0 || summary.NACKs > 0 {
			s.logger.Debugw("rtcp feedback",
				"peer", uid,
				"packet_loss", summary.PacketLoss,
				"jitter", summary.Jitter,
				"rtt", summary.RTT,
				"nacks", summary.NACKs,
			)
		}
	}
}

func (s *WebRTCSession) drain(uid uint32, track *webrtc.TrackRemote) {
	sink := s.f.cfg.Sink
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debugw("remote track ended", "peer", uid, "error", err)
			}
			return
		}
		if sink == nil || s.muted.Load() || track.Kind() != webrtc.RTPCodecTypeAudio {
			continue
		}
		if err := sink.WriteRTP(uid, pkt); err != nil {
			s.logger.Warnw("audio sink rejected packet", "peer", uid, "error", err)
			return
		}
	}
}

// pump writes samples from src to track until src ends or ctx is done. Muting drops
// samples only when gated is set.
func (s *WebRTCSession) pump(ctx context.Context, src SampleSource, track *webrtc.TrackLocalStaticSample, gated bool) {
	for ctx.Err() == nil {
		sample, err := src.NextSample()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Warnw("sample source failed", "track", track.ID(), "error", err)
			}
			return
		}
		if gated && s.muted.Load() {
			continue
		}
		if err := track.WriteSample(sample); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			s.logger.Debugw("write sample failed", "track", track.ID(), "error", err)
		}
	}
}

func (s *WebRTCSession) SetMuted(muted bool) error {
	s.muted.Store(muted)
	return nil
}

func (s *WebRTCSession) StartScreenShare(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.role != domain.MediaRolePublisher {
		return ErrNotPublisher
	}
	if s.cancel == nil {
		return ErrNotOpen
	}
	if s.screen != nil {
		return nil
	}

	track, err := webrtc.NewTrackLocalStaticSample(vp8Capability, "screen", "airwave-"+s.channelName+"-screen")
	if err != nil {
		return fmt.Errorf("create screen track: %w", err)
	}
	s.screen = track

	var errs []error
	for _, peer := range s.peers {
		sender, err := peer.pc.AddTrack(track)
		if err != nil {
			errs = append(errs, fmt.Errorf("peer %d: %w", peer.uid, err))
			continue
		}
		peer.screenSender = sender
		go s.readRTCP(peer.uid, sender.ReadRTCP)
		if err := s.offer(peer); err != nil {
			errs = append(errs, fmt.Errorf("peer %d: %w", peer.uid, err))
		}
	}

	if src := s.f.cfg.Screen; src != nil {
		screenCtx, stop := context.WithCancel(context.Background())
		s.stopScreen = stop
		go s.pump(screenCtx, src, track, false)
	}
	return errors.Join(errs...)
}

func (s *WebRTCSession) StopScreenShare(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.screen == nil {
		return nil
	}
	if s.stopScreen != nil {
		s.stopScreen()
		s.stopScreen = nil
	}
	s.screen = nil

	var errs []error
	for _, peer := range s.peers {
		if peer.screenSender == nil {
			continue
		}
		if err := peer.pc.RemoveTrack(peer.screenSender); err != nil {
			errs = append(errs, fmt.Errorf("peer %d: %w", peer.uid, err))
			continue
		}
		peer.screenSender = nil
		if err := s.offer(peer); err != nil {
			errs = append(errs, fmt.Errorf("peer %d: %w", peer.uid, err))
		}
	}
	return errors.Join(errs...)
}

func (s *WebRTCSession) resetPeers() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for uid, peer := range s.peers {
		if err := peer.pc.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(s.peers, uid)
	}
	s.roster = nil
	return errors.Join(errs...)
}

// Close leaves the channel. Calling it on a session that never opened is a no-op.
func (s *WebRTCSession) Close(ctx context.Context) error {
	s.mu.Lock()
	cancel, done, channel := s.cancel, s.loopDone, s.channelName
	s.cancel, s.loopDone = nil, nil
	if s.stopScreen != nil {
		s.stopScreen()
		s.stopScreen = nil
	}
	s.screen = nil
	s.audio = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}

	s.closing.Store(true)
	s.setState(domain.ConnectionDisconnecting)
	cancel()

	var errs []error
	if conn := s.conn.Load(); conn != nil {
		s.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.resetPeers(); err != nil {
		errs = append(errs, err)
	}

	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}

	s.conn.Store(nil)
	s.setState(domain.ConnectionDisconnected)
	s.logger.Infow("media session closed", "channel", channel)
	return errors.Join(errs...)
}

// negotiated reports whether a negotiated connection exists to uid.
func (s *WebRTCSession) negotiated(uid uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	peer, ok := s.peers[uid]
	return ok && peer.pc.RemoteDescription() != nil && peer.pc.LocalDescription() != nil
}
