package domain

import (
	"slices"
	"time"
)

type StreamID string

type Stream struct {
	ID                  StreamID  `json:"id"`
	Title               string    `json:"title"`
	Description         string    `json:"description"`
	ChannelName         string    `json:"channel_name"`
	IsActive            bool      `json:"is_active"`
	CreatedBy           UserID    `json:"created_by"`
	AssignedSubscribers []UserID  `json:"assigned_subscribers"`
	CreatedAt           time.Time `json:"created_at"`
	Revision            int64     `json:"revision"`
}

func (s *Stream) HasSubscriber(id UserID) bool {
	return slices.Contains(s.AssignedSubscribers, id)
}

func (s *Stream) Clone() *Stream {
	c := *s
	c.AssignedSubscribers = slices.Clone(s.AssignedSubscribers)
	return &c
}

// StreamUpdate is a partial patch. ChannelName, CreatedBy and CreatedAt are immutable
// and have no field here.
type StreamUpdate struct {
	Title               *string
	Description         *string
	IsActive            *bool
	AssignedSubscribers *[]UserID
}

func (p StreamUpdate) Apply(s *Stream) bool {
	changed := false
	if p.Title != nil && *p.Title != s.Title {
		s.Title = *p.Title
		changed = true
	}
	if p.Description != nil && *p.Description != s.Description {
		s.Description = *p.Description
		changed = true
	}
	if p.IsActive != nil && *p.IsActive != s.IsActive {
		s.IsActive = *p.IsActive
		changed = true
	}
	if p.AssignedSubscribers != nil {
		next := UniqueIDs(*p.AssignedSubscribers)
		if !SameIDSet(next, s.AssignedSubscribers) {
			s.AssignedSubscribers = next
			changed = true
		}
	}
	return changed
}

type StreamFilter struct {
	ActiveOnly bool
	CreatedBy  UserID
}

func (f StreamFilter) Match(s *Stream) bool {
	if f.ActiveOnly && !s.IsActive {
		return false
	}
	return f.CreatedBy == "" || s.CreatedBy == f.CreatedBy
}

// SortStreams orders by creation time, then ID, which is the order feeds emit.
func SortStreams(streams []*Stream) {
	slices.SortFunc(streams, func(a, b *Stream) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
}
