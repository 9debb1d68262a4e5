package utils

import (
	mrand "math/rand"

	"github.com/google/uuid"
)

// NewDocumentID returns the primary key for a new user or stream document.
func NewDocumentID() string {
	return uuid.NewString()
}

// ChannelName derives the immutable media channel name of a stream.
func ChannelName(streamID string) string {
	return "stream_" + streamID
}

// GenerateSessionID generates a unique session ID
func GenerateSessionID() string {
	return GenerateID("session")
}

// RandomUID picks a uid from [min, min+span).
func RandomUID(min, span uint32) uint32 {
	if span == 0 {
		return min
	}
	return min + uint32(mrand.Int63n(int64(span)))
}
