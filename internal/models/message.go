package models

import "time"

// Message is an immutable chat message appended to a room.
type Message struct {
	ID        int       `db:"id" json:"id"`
	RoomID    int       `db:"room_id" json:"room_id"`
	SenderID  int       `db:"sender_id" json:"sender_id"`
	Content   string    `db:"content" json:"content"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Profile is the display data of a user.
type Profile struct {
	ID       int    `db:"id" json:"id"`
	Name     string `db:"name" json:"name"`
	Picture  string `db:"picture" json:"picture"`
	Username string `db:"username" json:"username"`
}
