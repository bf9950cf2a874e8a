package models

import "time"

// DMRoom is a two-party conversation. BotA sorts before BotB so a pair
// maps to exactly one room.
type DMRoom struct {
	ID        string    `json:"id"` // ULID
	BotA      string    `json:"bot_a"`
	BotB      string    `json:"bot_b"`
	CreatedAt time.Time `json:"created_at"`
}

// HasMember reports whether username is one of the two participants.
func (r *DMRoom) HasMember(username string) bool {
	return r.BotA == username || r.BotB == username
}

// Other returns the participant that is not username.
func (r *DMRoom) Other(username string) string {
	if r.BotA == username {
		return r.BotB
	}
	return r.BotA
}

// DirectMessage is a private message inside a DM room.
type DirectMessage struct {
	ID        string    `json:"id"` // ULID
	RoomID    string    `json:"room_id"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// OrderPair returns the two usernames in room order.
func OrderPair(a, b string) (string, string) {
	if a > b {
		return b, a
	}
	return a, b
}
