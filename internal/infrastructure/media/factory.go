// Package media connects a session to the signaling relay and carries its audio over a mesh
// of pion peer connections.
package media

import (
	"errors"
	"fmt"
	"time"

	"airwave/internal/core/domain"
	"airwave/internal/core/ports"
	"airwave/pkg/circuitbreaker"
	"airwave/pkg/retry"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
	"go.uber.org/zap"
)

// SampleSource feeds a local track. Returning io.EOF ends the pump.
type SampleSource interface {
	NextSample() (pionmedia.Sample, error)
}

// AudioSink receives the inbound audio of a listener session.
type AudioSink interface {
	WriteRTP(from uint32, pkt *rtp.Packet) error
}

type Config struct {
	SignalURL   string
	ICEServers  []webrtc.ICEServer
	PortMin     uint16
	PortMax     uint16
	DialTimeout time.Duration
	Retry       retry.Config
	// Breaker guards relay dials across all sessions. A zero FailureThreshold disables it.
	Breaker circuitbreaker.Config

	Audio  SampleSource
	Screen SampleSource
	Sink   AudioSink
}

// Factory builds WebRTC sessions sharing one configured pion API.
type Factory struct {
	cfg     Config
	api     *webrtc.API
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.SugaredLogger
}

func NewFactory(cfg Config, logger *zap.SugaredLogger) (*Factory, error) {
	if cfg.SignalURL == "" {
		return nil, fmt.Errorf("signal url is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	api, err := newAPI(cfg)
	if err != nil {
		return nil, err
	}
	f := &Factory{cfg: cfg, api: api, logger: logger}
	if cfg.Breaker.FailureThreshold > 0 {
		bcfg := cfg.Breaker
		if bcfg.IsFailure == nil {
			bcfg.IsFailure = func(err error) bool { return !errors.Is(err, ErrRejected) }
		}
		f.breaker = circuitbreaker.New(bcfg)
		f.breaker.OnStateChange(func(from, to circuitbreaker.State) {
			logger.Warnw("signaling relay breaker changed state", "from", from, "to", to)
		})
	}
	return f, nil
}

var _ ports.MediaSessionFactory = (*Factory)(nil)

func (f *Factory) NewSession(role domain.MediaRole) ports.MediaSession {
	return newSession(f, role)
}

func newAPI(cfg Config) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}

	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: opusCapability,
		PayloadType:        111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus: %w", err)
	}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: vp8Capability,
		PayloadType:        96,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register vp8: %w", err)
	}

	i := &interceptor.Registry{}
	pli, err := intervalpli.NewReceiverInterceptor()
	if err != nil {
		return nil, err
	}
	i.Add(pli)
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, err
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortMin > 0 && cfg.PortMax > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortMin, cfg.PortMax); err != nil {
			return nil, fmt.Errorf("port range: %w", err)
		}
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
		webrtc.WithSettingEngine(settingEngine),
	), nil
}

var (
	opusCapability = webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   48000,
		Channels:    2,
		SDPFmtpLine: "minptime=10;useinbandfec=1",
	}
	vp8Capability = webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: 90000,
	}
)
