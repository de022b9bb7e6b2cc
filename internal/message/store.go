package message

import "context"

// Store persists messages. Implementations must apply MarkSeen, Delete and
// React atomically per message.
type Store interface {
	// Append saves m, assigning ID (when empty), CreatedAt (when zero) and
	// Seq.
	Append(ctx context.Context, m *Message) error

	// Get returns one message with its reactions.
	Get(ctx context.Context, id string) (*Message, error)

	// Conversation returns every message between a and b, oldest first.
	Conversation(ctx context.Context, a, b string) ([]*Message, error)

	// MarkSeen flags every unseen message that sender sent to reader and
	// returns how many changed.
	MarkSeen(ctx context.Context, reader, sender string) (int64, error)

	// Delete removes the message if requester is its sender.
	Delete(ctx context.Context, id, requester string) error

	// React replaces user's reaction with emoji (or removes it when emoji
	// is empty) and returns the resulting reaction set.
	React(ctx context.Context, id, user, emoji string) ([]Reaction, error)

	Close() error
}
