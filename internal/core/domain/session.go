package domain

import "time"

type SessionID string

// MediaRole is the role embedded in a media credential.
type MediaRole string

const (
	MediaRolePublisher  MediaRole = "publisher"
	MediaRoleSubscriber MediaRole = "subscriber"
)

func (r MediaRole) Valid() bool {
	return r == MediaRolePublisher || r == MediaRoleSubscriber
}

type SessionRole string

const (
	SessionBroadcaster SessionRole = "broadcaster"
	SessionListener    SessionRole = "listener"
)

type SessionState string

const (
	SessionIdle       SessionState = "idle"
	SessionConnecting SessionState = "connecting"
	SessionConnected  SessionState = "connected"
)

type ConnectionState string

const (
	ConnectionDisconnected  ConnectionState = "DISCONNECTED"
	ConnectionConnecting    ConnectionState = "CONNECTING"
	ConnectionConnected     ConnectionState = "CONNECTED"
	ConnectionReconnecting  ConnectionState = "RECONNECTING"
	ConnectionDisconnecting ConnectionState = "DISCONNECTING"
)

// BroadcasterUID is the fixed media uid of the publishing admin.
const BroadcasterUID uint32 = 1

// Listener uids are drawn from [ListenerUIDMin, ListenerUIDMin+ListenerUIDRange).
const (
	ListenerUIDMin   uint32 = 1000
	ListenerUIDRange uint32 = 10000
)

type SessionHandle struct {
	ID          SessionID   `json:"id"`
	StreamID    StreamID    `json:"stream_id"`
	UserID      UserID      `json:"user_id"`
	ChannelName string      `json:"channel_name"`
	UID         uint32      `json:"uid"`
	Role        SessionRole `json:"role"`
	Token       string      `json:"token"`
	JoinedAt    time.Time   `json:"joined_at"`
}

type SessionStatus struct {
	SessionID       SessionID       `json:"session_id"`
	StreamID        StreamID        `json:"stream_id"`
	Role            SessionRole     `json:"role"`
	State           SessionState    `json:"state"`
	ConnectionState ConnectionState `json:"connection_state"`
	PeerCount       int             `json:"peer_count"`
	Sharing         bool            `json:"sharing"`
	Muted           bool            `json:"muted"`
}

// MediaClaims are the verified contents of a media credential.
type MediaClaims struct {
	Channel   string    `json:"channel"`
	UID       uint32    `json:"uid"`
	Role      MediaRole `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
}
