package contracts

import (
	"context"
	"time"

	"tok-chat/go-backend/pkg/models"
)

// RelayDirectory holds the well-known relay peers, one per purpose.
type RelayDirectory struct {
	Group   string `yaml:"group"`
	Offline string `yaml:"offline"`
	File    string `yaml:"file"`
}

func (d RelayDirectory) IsRelay(key string) bool {
	return models.SameKey(key, d.Group) || models.SameKey(key, d.Offline) || models.SameKey(key, d.File)
}

// Transport is the per-peer ordered byte-message primitive. Every call only
// hands the frame to the network; delivery is confirmed out of band through
// delivery acks.
type Transport interface {
	SendGroupCommand(ctx context.Context, relayKey string, cmd uint32, messageID int64, payload []byte) error
	SendOfflineCommand(ctx context.Context, relayKey string, cmd uint32, messageID int64, payload []byte) error
	SendDirect(ctx context.Context, friendKey string, messageID int64, payload []byte) error
}

type Reachability interface {
	IsConnected(peerKey string) bool
}

type ConversationStore interface {
	Conversation(ctx context.Context, id string) (models.Conversation, error)
	GroupConversation(ctx context.Context, groupNumber uint64) (models.Conversation, error)
	DirectConversation(ctx context.Context, peerKey string) (models.Conversation, error)
	// CreateConversation assigns an id when conv.ID is empty.
	CreateConversation(ctx context.Context, conv models.Conversation) (models.Conversation, error)
	UpdateConversation(ctx context.Context, id string, mutate func(*models.Conversation)) (models.Conversation, error)
	ConversationIDs(ctx context.Context) ([]string, error)
}

// MessageCountQuery selects normal-origin messages of one conversation whose
// creation time falls inside the bounds. Zero bounds are open.
type MessageCountQuery struct {
	ConversationID string
	From           time.Time
	To             time.Time
	IncludeFrom    bool
	IncludeTo      bool
}

func (q MessageCountQuery) Match(msg models.Message) bool {
	if msg.ConversationID != q.ConversationID || msg.Origin != models.OriginNormal || msg.Kind == models.MessageKindSystem {
		return false
	}
	if !q.From.IsZero() {
		if msg.CreatedAt.Before(q.From) || (!q.IncludeFrom && msg.CreatedAt.Equal(q.From)) {
			return false
		}
	}
	if !q.To.IsZero() {
		if msg.CreatedAt.After(q.To) || (!q.IncludeTo && msg.CreatedAt.Equal(q.To)) {
			return false
		}
	}
	return true
}

// MessageStore keys messages by (conversation id, message id).
type MessageStore interface {
	MessageExists(ctx context.Context, conversationID string, id int64) (bool, error)
	Message(ctx context.Context, conversationID string, id int64) (models.Message, error)
	// InsertMessage returns ErrDuplicate when the id is already stored.
	InsertMessage(ctx context.Context, msg models.Message) error
	UpdateMessageStatus(ctx context.Context, conversationID string, id int64, status models.MessageStatus) error
	DeleteMessage(ctx context.Context, conversationID string, id int64) error
	// LatestMessage returns the newest normal-origin message of a conversation.
	LatestMessage(ctx context.Context, conversationID string) (models.Message, error)
	CountMessages(ctx context.Context, q MessageCountQuery) (int, error)
	MessagesByStatus(ctx context.Context, status models.MessageStatus) ([]models.Message, error)
	// ListMessages returns up to limit of the newest messages, oldest first.
	// limit <= 0 returns all of them.
	ListMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error)
}

// SpanStore is plain CRUD; the gap arithmetic lives in the history domain.
type SpanStore interface {
	// Spans returns the conversation's spans ordered by StartMessageID.
	Spans(ctx context.Context, conversationID string) ([]models.Span, error)
	// SaveSpan inserts span (assigning an id) or replaces the stored span with the same id.
	SaveSpan(ctx context.Context, span models.Span) (models.Span, error)
	DeleteSpan(ctx context.Context, conversationID, id string) error
	DeleteOrphanSpans(ctx context.Context) (int, error)
}

type FriendStore interface {
	Friend(ctx context.Context, publicKey string) (models.Friend, error)
	SaveFriend(ctx context.Context, friend models.Friend) error
	// SaveFriendRequest keeps the newest request per sender.
	SaveFriendRequest(ctx context.Context, req models.FriendRequest) error
	FriendRequests(ctx context.Context) ([]models.FriendRequest, error)
	Peer(ctx context.Context, groupNumber uint64, publicKey string) (models.Peer, error)
	SavePeer(ctx context.Context, peer models.Peer) error
}

type ChangeKind string

const (
	ChangeConversation ChangeKind = "conversation"
	ChangeMessage      ChangeKind = "message"
	ChangeSpan         ChangeKind = "span"
)

type StorageChange struct {
	Kind           ChangeKind
	ConversationID string
	MessageID      int64
}

// ChangeFeed lets consumers observe storage mutations without depending on
// the storage engine. The returned cancel func closes the channel.
type ChangeFeed interface {
	SubscribeChanges(buffer int) (<-chan StorageChange, func())
}

type Storage interface {
	ConversationStore
	MessageStore
	SpanStore
	FriendStore
	ChangeFeed
}
