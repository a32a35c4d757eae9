package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/gravitational/trace"
)

const (
	chatStateKeyTopic      = "topic"
	chatStateKeyTopicSetBy = "topic_set_by"
)

// ChatTopic is the current state of chat_state (spec.md §3 ChatTopic).
type ChatTopic struct {
	Topic   string
	SetBy   string
}

// GetTopic reads the current chat topic. Both fields default to empty
// string when never set (spec.md S5: "Initial TopicGet returns empty
// topic and empty setter").
func (s *Store) GetTopic(ctx context.Context) (ChatTopic, error) {
	topic, err := s.getChatStateValue(ctx, chatStateKeyTopic)
	if err != nil {
		return ChatTopic{}, err
	}
	setBy, err := s.getChatStateValue(ctx, chatStateKeyTopicSetBy)
	if err != nil {
		return ChatTopic{}, err
	}
	return ChatTopic{Topic: topic, SetBy: setBy}, nil
}

// SetTopic persists a new topic and its setter (spec.md TopicSet).
func (s *Store) SetTopic(ctx context.Context, topic, setBy string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := upsertChatState(ctx, tx, chatStateKeyTopic, topic); err != nil {
			return err
		}
		return upsertChatState(ctx, tx, chatStateKeyTopicSetBy, setBy)
	})
}

// ClearTopic resets the topic and setter to empty (spec.md TopicClear).
func (s *Store) ClearTopic(ctx context.Context) error {
	return s.SetTopic(ctx, "", "")
}

func (s *Store) getChatStateValue(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM chat_state WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", trace.Wrap(err)
	}
	return value, nil
}

func upsertChatState(ctx context.Context, tx *sql.Tx, key, value string) error {
	_, err := tx.ExecContext(ctx,
		"INSERT INTO chat_state (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value)
	return trace.Wrap(err)
}
