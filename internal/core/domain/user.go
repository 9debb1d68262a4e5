package domain

import (
	"slices"
	"strings"
	"time"
)

type UserID string

type Role string

const (
	RoleAdmin      Role = "admin"
	RoleSubscriber Role = "subscriber"
)

func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleSubscriber
}

type User struct {
	ID              UserID     `json:"id"`
	Email           string     `json:"email"`
	Role            Role       `json:"role"`
	CreatedAt       time.Time  `json:"created_at"`
	AssignedStreams []StreamID `json:"assigned_streams"`
	PasswordHash    string     `json:"password_hash,omitempty"`
	Revision        int64      `json:"revision"`
}

func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

func (u *User) HasStream(id StreamID) bool {
	return slices.Contains(u.AssignedStreams, id)
}

// Clone returns a deep copy so callers can mutate without touching stored state.
func (u *User) Clone() *User {
	c := *u
	c.AssignedStreams = slices.Clone(u.AssignedStreams)
	return &c
}

// UserUpdate is a partial patch; nil fields are left untouched.
type UserUpdate struct {
	Email           *string
	PasswordHash    *string
	AssignedStreams *[]StreamID
}

func (p UserUpdate) Apply(u *User) bool {
	changed := false
	if p.Email != nil && *p.Email != u.Email {
		u.Email = *p.Email
		changed = true
	}
	if p.PasswordHash != nil && *p.PasswordHash != u.PasswordHash {
		u.PasswordHash = *p.PasswordHash
		changed = true
	}
	if p.AssignedStreams != nil {
		next := UniqueIDs(*p.AssignedStreams)
		if !SameIDSet(next, u.AssignedStreams) {
			u.AssignedStreams = next
			changed = true
		}
	}
	return changed
}

type UserFilter struct {
	Role Role
}

func (f UserFilter) Match(u *User) bool {
	return f.Role == "" || u.Role == f.Role
}

// CurrentUser is the authenticated principal passed explicitly into service calls.
type CurrentUser struct {
	ID   UserID `json:"id"`
	Role Role   `json:"role"`
}

func (c CurrentUser) IsAdmin() bool {
	return c.Role == RoleAdmin
}

// SortUsers orders by creation time, then ID.
func SortUsers(users []*User) {
	slices.SortFunc(users, func(a, b *User) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(string(a.ID), string(b.ID))
	})
}
