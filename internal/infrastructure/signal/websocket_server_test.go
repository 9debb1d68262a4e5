package signal

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"airwave/internal/core/domain"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSDP = "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

type staticVerifier map[string]domain.MediaClaims

func (v staticVerifier) Verify(token string) (*domain.MediaClaims, error) {
	c, ok := v[token]
	if !ok {
		return nil, errors.New("unknown token")
	}
	return &c, nil
}

func newRelay(t *testing.T) (*WebSocketServer, *httptest.Server) {
	t.Helper()
	verifier := staticVerifier{
		"admin": {Channel: "stream_a", UID: 1, Role: domain.MediaRolePublisher},
		"alice": {Channel: "stream_a", UID: 1001, Role: domain.MediaRoleSubscriber},
		"bob":   {Channel: "stream_b", UID: 1002, Role: domain.MediaRoleSubscriber},
		"anon":  {Channel: "stream_a", UID: 0, Role: domain.MediaRoleSubscriber},
		"flood": {Channel: "stream_c", UID: 7, Role: domain.MediaRoleSubscriber},
	}
	s := NewWebSocketServer(verifier, Config{PingInterval: time.Second, MessagesPerSecond: 1000, Burst: 1000}, nil)
	srv := httptest.NewServer(http.HandlerFunc(s.HandleWebSocket))
	t.Cleanup(func() {
		s.Close()
		srv.Close()
	})
	return s, srv
}

func dial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, typ string, match func(Message) bool) Message {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", typ)
		var msg Message
		require.NoError(t, json.Unmarshal(data, &msg))
		if msg.Type == typ && (match == nil || match(msg)) {
			return msg
		}
	}
}

func peerCount(n int) func(Message) bool {
	return func(m Message) bool { return len(m.Peers) == n }
}

func TestRelay_RejectsBadToken(t *testing.T) {
	_, srv := newRelay(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=nope"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRelay_PeerListsAndRelay(t *testing.T) {
	s, srv := newRelay(t)

	admin := dial(t, srv, "admin")
	welcome := readUntil(t, admin, TypeWelcome, nil)
	assert.Equal(t, uint32(1), welcome.UID)
	assert.Equal(t, "stream_a", welcome.Channel)

	alice := dial(t, srv, "alice")
	readUntil(t, alice, TypeWelcome, nil)
	peers := readUntil(t, admin, TypePeers, peerCount(2))
	assert.Equal(t, []Peer{
		{UID: 1, Role: domain.MediaRolePublisher},
		{UID: 1001, Role: domain.MediaRoleSubscriber},
	}, peers.Peers)

	// other channels are invisible
	bob := dial(t, srv, "bob")
	bobPeers := readUntil(t, bob, TypePeers, nil)
	assert.Equal(t, []Peer{{UID: 1002, Role: domain.MediaRoleSubscriber}}, bobPeers.Peers)
	assert.Len(t, s.Peers("stream_a"), 2)

	require.NoError(t, admin.WriteJSON(Message{Type: TypeOffer, Target: 1001, SDP: testSDP}))
	offer := readUntil(t, alice, TypeOffer, nil)
	assert.Equal(t, uint32(1), offer.From)
	assert.Equal(t, testSDP, offer.SDP)

	require.NoError(t, alice.WriteJSON(Message{Type: TypeICECandidate, Target: 1, Candidate: json.RawMessage(`{"candidate":"x"}`)}))
	cand := readUntil(t, admin, TypeICECandidate, nil)
	assert.Equal(t, uint32(1001), cand.From)
	assert.JSONEq(t, `{"candidate":"x"}`, string(cand.Candidate))

	require.NoError(t, admin.WriteJSON(Message{Type: TypeOffer, Target: 1002, SDP: testSDP}))
	errMsg := readUntil(t, admin, TypeError, nil)
	assert.Contains(t, errMsg.Message, "not connected")

	require.NoError(t, alice.Close())
	readUntil(t, admin, TypePeers, peerCount(1))
}

func TestRelay_ValidatesMessages(t *testing.T) {
	_, srv := newRelay(t)
	admin := dial(t, srv, "admin")
	readUntil(t, admin, TypeWelcome, nil)

	cases := []Message{
		{Type: "join_stream"},
		{Type: TypeOffer, Target: 5, SDP: "garbage"},
		{Type: TypeAnswer, SDP: testSDP},
		{Type: TypeOffer, Target: 1, SDP: testSDP},
	}
	for _, m := range cases {
		require.NoError(t, admin.WriteJSON(m))
		readUntil(t, admin, TypeError, nil)
	}
}

func TestRelay_AssignsUIDForZero(t *testing.T) {
	_, srv := newRelay(t)
	anon := dial(t, srv, "anon")
	welcome := readUntil(t, anon, TypeWelcome, nil)
	assert.Greater(t, welcome.UID, autoUIDBase)
}

func TestRelay_ReplacesDuplicateUID(t *testing.T) {
	s, srv := newRelay(t)
	first := dial(t, srv, "alice")
	readUntil(t, first, TypeWelcome, nil)

	second := dial(t, srv, "alice")
	readUntil(t, second, TypeWelcome, nil)

	first.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}
	assert.Len(t, s.Peers("stream_a"), 1)
}

func TestRelay_RateLimit(t *testing.T) {
	verifier := staticVerifier{"flood": {Channel: "stream_c", UID: 7, Role: domain.MediaRoleSubscriber}}
	s := NewWebSocketServer(verifier, Config{MessagesPerSecond: 0.001, Burst: 1}, nil)
	srv := httptest.NewServer(http.HandlerFunc(s.HandleWebSocket))
	defer srv.Close()
	defer s.Close()

	conn := dial(t, srv, "flood")
	readUntil(t, conn, TypeWelcome, nil)

	require.NoError(t, conn.WriteJSON(Message{Type: "noop"}))
	first := readUntil(t, conn, TypeError, nil)
	assert.Contains(t, first.Message, "unknown message type")

	require.NoError(t, conn.WriteJSON(Message{Type: "noop"}))
	second := readUntil(t, conn, TypeError, nil)
	assert.Equal(t, "rate limit exceeded", second.Message)
}

func TestOriginChecker(t *testing.T) {
	check := OriginChecker([]string{"https://portal.example.com"})

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, check(r))
	r.Header.Set("Origin", "https://portal.example.com")
	assert.True(t, check(r))
	r.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, check(r))

	assert.True(t, OriginChecker([]string{"*"})(r))
}
