package domain

import (
	"encoding/json"
	"fmt"
)

type Collection string

const (
	CollectionUsers   Collection = "users"
	CollectionStreams Collection = "streams"
)

// Change is one committed write to a document. Data is nil when the document was deleted.
type Change struct {
	Collection Collection `json:"collection"`
	ID         string     `json:"id"`
	Revision   int64      `json:"revision"`
	Data       []byte     `json:"data,omitempty"`
}

func (c Change) Deleted() bool {
	return c.Data == nil
}

// DecodeUser parses a stored user document and rejects records missing required fields.
func DecodeUser(data []byte) (*User, error) {
	var u User
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("%w: user: %v", ErrMalformedDocument, err)
	}
	switch {
	case u.ID == "":
		return nil, fmt.Errorf("%w: user: missing id", ErrMalformedDocument)
	case u.Email == "":
		return nil, fmt.Errorf("%w: user %s: missing email", ErrMalformedDocument, u.ID)
	case !u.Role.Valid():
		return nil, fmt.Errorf("%w: user %s: invalid role %q", ErrMalformedDocument, u.ID, u.Role)
	case u.CreatedAt.IsZero():
		return nil, fmt.Errorf("%w: user %s: missing created_at", ErrMalformedDocument, u.ID)
	}
	u.AssignedStreams = UniqueIDs(u.AssignedStreams)
	return &u, nil
}

func DecodeStream(data []byte) (*Stream, error) {
	var s Stream
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: stream: %v", ErrMalformedDocument, err)
	}
	switch {
	case s.ID == "":
		return nil, fmt.Errorf("%w: stream: missing id", ErrMalformedDocument)
	case s.Title == "":
		return nil, fmt.Errorf("%w: stream %s: missing title", ErrMalformedDocument, s.ID)
	case s.ChannelName == "":
		return nil, fmt.Errorf("%w: stream %s: missing channel_name", ErrMalformedDocument, s.ID)
	case s.CreatedAt.IsZero():
		return nil, fmt.Errorf("%w: stream %s: missing created_at", ErrMalformedDocument, s.ID)
	}
	s.AssignedSubscribers = UniqueIDs(s.AssignedSubscribers)
	return &s, nil
}

func EncodeUser(u *User) ([]byte, error) {
	return json.Marshal(u)
}

func EncodeStream(s *Stream) ([]byte, error) {
	return json.Marshal(s)
}
