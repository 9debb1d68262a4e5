package signal

import (
	"encoding/json"

	"airwave/internal/core/domain"
)

// Message types exchanged over the relay.
const (
	TypeWelcome      = "welcome"
	TypePeers        = "peers"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice_candidate"
	TypeError        = "error"
)

// Message is the single envelope used in both directions. Clients set Target; the relay
// stamps From before forwarding.
type Message struct {
	Type      string          `json:"type"`
	From      uint32          `json:"from,omitempty"`
	Target    uint32          `json:"target,omitempty"`
	UID       uint32          `json:"uid,omitempty"`
	Channel   string          `json:"channel,omitempty"`
	SDP       string          `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	Peers     []Peer          `json:"peers,omitempty"`
	Message   string          `json:"message,omitempty"`
}

type Peer struct {
	UID  uint32           `json:"uid"`
	Role domain.MediaRole `json:"role"`
}
