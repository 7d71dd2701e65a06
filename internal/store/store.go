// Package store provides repository access to chat state backed by GORM.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a requested record does not exist, or when
// a chat exists but the caller is not one of its participants.
var ErrNotFound = errors.New("record not found")

// Store provides access to users, chats, and messages.
type Store struct {
	db *gorm.DB
}

// Open connects to the database at dsn, runs migrations, and returns a
// ready Store.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.AutoMigrate(&User{}, &Chat{}, &Message{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

// New wraps an existing database handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// CreateUser saves a new user.
func (s *Store) CreateUser(ctx context.Context, user *User) error {
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// FindUserBySubject resolves an external identity subject to a registered
// user. It implements the user directory consulted during authentication.
func (s *Store) FindUserBySubject(ctx context.Context, subject string) (*User, error) {
	var user User
	if err := s.db.WithContext(ctx).First(&user, "subject = ?", subject).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find user by subject: %w", err)
	}
	return &user, nil
}

// FindUserByID retrieves a user by id.
func (s *Store) FindUserByID(ctx context.Context, id string) (*User, error) {
	var user User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return &user, nil
}

// ListUsersExcept retrieves every user other than the caller.
func (s *Store) ListUsersExcept(ctx context.Context, userID string) ([]User, error) {
	var users []User
	if err := s.db.WithContext(ctx).Where("id <> ?", userID).Find(&users).Error; err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return users, nil
}

// CreateChat creates a conversation between two participants. At most one
// chat may exist per unordered participant pair; the existing chat is
// returned when the pair already has one.
func (s *Store) CreateChat(ctx context.Context, userA, userB string) (*Chat, error) {
	if userA == userB {
		return nil, errors.New("chat requires two distinct participants")
	}

	if existing, err := s.FindChatBetween(ctx, userA, userB); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	var participants []User
	if err := s.db.WithContext(ctx).Find(&participants, "id IN ?", []string{userA, userB}).Error; err != nil {
		return nil, fmt.Errorf("failed to load participants: %w", err)
	}
	if len(participants) != 2 {
		return nil, ErrNotFound
	}

	chat := Chat{Participants: participants}
	if err := s.db.WithContext(ctx).Create(&chat).Error; err != nil {
		return nil, fmt.Errorf("failed to create chat: %w", err)
	}
	return &chat, nil
}

// FindChatBetween retrieves the chat whose participant pair is exactly
// {userA, userB}.
func (s *Store) FindChatBetween(ctx context.Context, userA, userB string) (*Chat, error) {
	var chat Chat
	err := s.db.WithContext(ctx).
		Joins("JOIN chat_participants a ON a.chat_id = chats.id AND a.user_id = ?", userA).
		Joins("JOIN chat_participants b ON b.chat_id = chats.id AND b.user_id = ?", userB).
		Preload("Participants").
		First(&chat).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find chat between users: %w", err)
	}
	return &chat, nil
}

// FindChatForParticipant retrieves a chat by id, scoped to a participant.
// ErrNotFound covers both a missing chat and a caller outside the chat, so
// outsiders cannot distinguish the two.
func (s *Store) FindChatForParticipant(ctx context.Context, chatID, userID string) (*Chat, error) {
	var chat Chat
	err := s.db.WithContext(ctx).
		Joins("JOIN chat_participants cp ON cp.chat_id = chats.id AND cp.user_id = ?", userID).
		Preload("Participants").
		First(&chat, "chats.id = ?", chatID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find chat: %w", err)
	}
	return &chat, nil
}

// FindChatByID retrieves a chat by id regardless of caller.
func (s *Store) FindChatByID(ctx context.Context, chatID string) (*Chat, error) {
	var chat Chat
	err := s.db.WithContext(ctx).
		Preload("Participants").
		First(&chat, "id = ?", chatID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find chat: %w", err)
	}
	return &chat, nil
}

// ListChatsForUser retrieves every chat the user participates in, most
// recently active first.
func (s *Store) ListChatsForUser(ctx context.Context, userID string) ([]Chat, error) {
	var chats []Chat
	err := s.db.WithContext(ctx).
		Joins("JOIN chat_participants cp ON cp.chat_id = chats.id AND cp.user_id = ?", userID).
		Preload("Participants").
		Preload("LastMessage").
		Order("chats.last_message_at DESC").
		Find(&chats).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	return chats, nil
}

// CreateMessage persists a new message. Messages are immutable once
// written.
func (s *Store) CreateMessage(ctx context.Context, chatID, senderID, text string) (*Message, error) {
	message := Message{
		ChatID:   chatID,
		SenderID: senderID,
		Text:     text,
	}
	if err := s.db.WithContext(ctx).Create(&message).Error; err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}
	return &message, nil
}

// UpdateChatLastMessage moves the chat's last-message pointer and activity
// timestamp. This write is deliberately independent of CreateMessage; a
// crash between the two leaves the pointer stale, and the message stays
// queryable by chat id so reads can recompute it.
func (s *Store) UpdateChatLastMessage(ctx context.Context, chatID, messageID string, at time.Time) error {
	result := s.db.WithContext(ctx).Model(&Chat{}).Where("id = ?", chatID).Updates(map[string]any{
		"last_message_id": messageID,
		"last_message_at": at,
	})
	if result.Error != nil {
		return fmt.Errorf("failed to update chat metadata: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListMessages retrieves a chat's messages in chronological order with the
// sender projection attached.
func (s *Store) ListMessages(ctx context.Context, chatID string) ([]Message, error) {
	var messages []Message
	err := s.db.WithContext(ctx).
		Preload("Sender").
		Where("chat_id = ?", chatID).
		Order("created_at ASC").
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return messages, nil
}
