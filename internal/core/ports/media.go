package ports

import (
	"context"

	"airwave/internal/core/domain"
)

type CredentialMinter interface {
	Mint(ctx context.Context, channelName string, uid uint32, role domain.MediaRole) (string, error)
}

type CredentialVerifier interface {
	Verify(token string) (*domain.MediaClaims, error)
}

// MediaSession is one connection to the real-time audio transport.
type MediaSession interface {
	Open(ctx context.Context, channelName, token string, uid uint32, role domain.MediaRole) error
	Close(ctx context.Context) error
	SetMuted(muted bool) error
	StartScreenShare(ctx context.Context) error
	StopScreenShare(ctx context.Context) error
	ConnectionState() domain.ConnectionState
	RemotePeers() []uint32
}

type MediaSessionFactory interface {
	NewSession(role domain.MediaRole) MediaSession
}
