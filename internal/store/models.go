// Package store persists users, two-party chats, and messages.
package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User is a registered account resolved from an external identity subject.
type User struct {
	ID        string    `gorm:"primarykey;size:36" json:"id"`
	Subject   string    `gorm:"uniqueIndex;size:128;not null" json:"-"`
	Name      string    `gorm:"size:80;not null" json:"name"`
	Email     string    `gorm:"uniqueIndex;size:254;not null" json:"email"`
	Avatar    string    `gorm:"size:500" json:"avatar"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"-"`
}

// TableName returns the table name for the User model.
func (User) TableName() string {
	return "users"
}

// BeforeCreate assigns a fresh id when none was provided.
func (u *User) BeforeCreate(_ *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}

// Chat is a conversation between exactly two participants, carrying a
// pointer to its most recent message for inbox ordering.
type Chat struct {
	ID            string    `gorm:"primarykey;size:36" json:"id"`
	Participants  []User    `gorm:"many2many:chat_participants" json:"participants"`
	LastMessageID *string   `gorm:"size:36" json:"lastMessageId"`
	LastMessage   *Message  `gorm:"foreignKey:LastMessageID" json:"lastMessage,omitempty"`
	LastMessageAt time.Time `gorm:"index" json:"lastMessageAt"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"-"`
}

// TableName returns the table name for the Chat model.
func (Chat) TableName() string {
	return "chats"
}

// BeforeCreate assigns a fresh id when none was provided.
func (c *Chat) BeforeCreate(_ *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.LastMessageAt.IsZero() {
		c.LastMessageAt = time.Now()
	}
	return nil
}

// OtherParticipant returns the participant that is not userID, if present.
func (c *Chat) OtherParticipant(userID string) (User, bool) {
	for _, participant := range c.Participants {
		if participant.ID != userID {
			return participant, true
		}
	}
	return User{}, false
}

// Message is an immutable text record tied to a chat and a sender.
type Message struct {
	ID        string    `gorm:"primarykey;size:36" json:"id"`
	ChatID    string    `gorm:"size:36;not null;index:idx_messages_chat_created,priority:1" json:"chatId"`
	SenderID  string    `gorm:"size:36;not null;index" json:"senderId"`
	Sender    *User     `gorm:"foreignKey:SenderID" json:"sender,omitempty"`
	Text      string    `gorm:"not null" json:"text"`
	CreatedAt time.Time `gorm:"index:idx_messages_chat_created,priority:2" json:"createdAt"`
}

// TableName returns the table name for the Message model.
func (Message) TableName() string {
	return "messages"
}

// BeforeCreate assigns a fresh id when none was provided.
func (m *Message) BeforeCreate(_ *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}
