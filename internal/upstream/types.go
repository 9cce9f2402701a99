package upstream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ID is an identifier the backend may encode as a JSON string or number.
type ID string

// UnmarshalJSON accepts "42", 42 and null.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// Timestamp accepts RFC 3339 strings and unix seconds or milliseconds.
type Timestamp struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05"} {
			if parsed, err := time.Parse(layout, s); err == nil {
				t.Time = parsed.UTC()
				return nil
			}
		}
		return fmt.Errorf("timestamp: unsupported format %q", s)
	}

	n, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	// Values past year 33658 in seconds are treated as milliseconds.
	if n > 1e12 {
		t.Time = time.UnixMilli(int64(n)).UTC()
	} else {
		t.Time = time.Unix(int64(n), 0).UTC()
	}
	return nil
}

// User is the Identity service's view of the current account.
type User struct {
	ID       ID     `json:"id"`
	Username string `json:"username"`
	IsActive *bool  `json:"is_active"`
}

// Active reports whether the account may connect. A missing flag counts as active.
func (u *User) Active() bool {
	return u.IsActive == nil || *u.IsActive
}

// Room is the Room service's record. Raw keeps the full body for snapshots.
type Room struct {
	ID            ID     `json:"id"`
	UserID        ID     `json:"user_id"`
	CharacterID   ID     `json:"character_id"`
	CharacterName string `json:"character_name"`
	Character     *struct {
		Name string `json:"name"`
	} `json:"character"`

	Raw json.RawMessage `json:"-"`
}

// CompanionName returns the best available display name of the companion.
func (r *Room) CompanionName() string {
	if r.CharacterName != "" {
		return r.CharacterName
	}
	if r.Character != nil {
		return r.Character.Name
	}
	return ""
}

// Sender types as the backend spells them.
const (
	SenderTypeUser      = "user"
	SenderTypeCharacter = "character"
)

// Message is a backend message record.
type Message struct {
	ID          ID        `json:"id"`
	RoomID      ID        `json:"room_id"`
	SenderType  string    `json:"sender_type"`
	SenderID    ID        `json:"sender_id"`
	SenderName  string    `json:"sender_name"`
	Content     string    `json:"content"`
	MessageType string    `json:"message_type"`
	CreatedAt   Timestamp `json:"created_at"`
	Timestamp   Timestamp `json:"timestamp"`
}

// FromUser reports whether the human side sent the message. Anything else
// (character, ai, assistant) belongs to the companion.
func (m *Message) FromUser() bool {
	return strings.EqualFold(m.SenderType, SenderTypeUser)
}

// Time returns created_at, falling back to timestamp.
func (m *Message) Time() time.Time {
	if !m.CreatedAt.IsZero() {
		return m.CreatedAt.Time
	}
	return m.Timestamp.Time
}

// GenerateRequest asks the backend to persist a user turn and produce a reply.
type GenerateRequest struct {
	RoomID        string          `json:"room_id"`
	CharacterID   string          `json:"character_id"`
	Content       string          `json:"content"`
	MessageType   string          `json:"message_type,omitempty"`
	SettingsPatch json.RawMessage `json:"settings_patch,omitempty"`
}

// GenerateResult carries the persisted user turn and the companion reply; either may be absent.
type GenerateResult struct {
	UserMessage *Message `json:"user_message"`
	AIMessage   *Message `json:"ai_message"`
}
