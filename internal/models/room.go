package models

import (
	"fmt"
	"time"
)

// RoomKind distinguishes two-party rooms from project rooms.
type RoomKind string

const (
	RoomKindDirect  RoomKind = "direct"
	RoomKindProject RoomKind = "project"
)

// Room is a persistent chat channel.
type Room struct {
	ID        int       `db:"id" json:"id"`
	Kind      RoomKind  `db:"kind" json:"kind"`
	ProjectID *int      `db:"project_id" json:"project_id,omitempty"`
	MemberKey *string   `db:"member_key" json:"-"`
	MemberIDs []int     `db:"-" json:"member_ids"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// HasMember reports whether userID is in the room's member list.
func (r Room) HasMember(userID int) bool {
	for _, id := range r.MemberIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// DirectKey is the unordered pair key of a direct room.
func DirectKey(a, b int) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%d:%d", a, b)
}
