package models

import (
	"strings"
	"time"
)

type ConversationStatus string

const (
	ConversationStatusActive    ConversationStatus = "active"
	ConversationStatusDisabled  ConversationStatus = "disabled"
	ConversationStatusDissolved ConversationStatus = "dissolved"
)

// GroupTypePublic marks groups whose join/leave chatter is not recorded locally.
const (
	GroupTypePrivate = 0
	GroupTypePublic  = 1
)

type Conversation struct {
	ID             string             `json:"id"`
	IsGroup        bool               `json:"is_group"`
	GroupNumber    uint64             `json:"group_number,omitempty"`
	GroupType      int                `json:"group_type,omitempty"`
	PeerKey        string             `json:"peer_key,omitempty"`
	Title          string             `json:"title,omitempty"`
	Description    string             `json:"description,omitempty"`
	OwnerKey       string             `json:"owner_key,omitempty"`
	ShareID        string             `json:"share_id,omitempty"`
	MembersCount   int                `json:"members_count,omitempty"`
	Muted          bool               `json:"muted,omitempty"`
	LastMessageID  int64              `json:"last_message_id"`
	UnreadCount    int                `json:"unread_count"`
	Status         ConversationStatus `json:"status"`
	LastActivityAt time.Time          `json:"last_activity_at"`
	// JoinedAt is when the local user last became a member; older kickouts
	// are ignored.
	JoinedAt  time.Time `json:"joined_at,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (c Conversation) IsPublicGroup() bool {
	return c.IsGroup && c.GroupType == GroupTypePublic
}

type MessageKind string

const (
	MessageKindText   MessageKind = "text"
	MessageKindFile   MessageKind = "file"
	MessageKindSystem MessageKind = "system"
)

type MessageStatus string

const (
	MessageStatusSending  MessageStatus = "sending"
	MessageStatusSent     MessageStatus = "sent"
	MessageStatusFailed   MessageStatus = "failed"
	MessageStatusReceived MessageStatus = "received"
)

// MessageOrigin records which path produced a message. Only OriginNormal messages
// count towards history pages; OriginPreview messages come from read notices.
type MessageOrigin string

const (
	OriginNormal  MessageOrigin = "normal"
	OriginPreview MessageOrigin = "preview"
	OriginOffline MessageOrigin = "offline"
	OriginLocal   MessageOrigin = "local"
)

type FileInfo struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name,omitempty"`
	Size        int64  `json:"size"`
}

type Message struct {
	ID             int64         `json:"id"`
	ConversationID string        `json:"conversation_id"`
	SenderKey      string        `json:"sender_key,omitempty"`
	Kind           MessageKind   `json:"kind"`
	Text           string        `json:"text,omitempty"`
	File           *FileInfo     `json:"file,omitempty"`
	Status         MessageStatus `json:"status"`
	Origin         MessageOrigin `json:"origin"`
	Outgoing       bool          `json:"outgoing"`
	CreatedAt      time.Time     `json:"created_at"`
}

type FriendState string

const (
	FriendStatePending  FriendState = "pending"
	FriendStateAccepted FriendState = "accepted"
)

type Friend struct {
	PublicKey string      `json:"public_key"`
	Nickname  string      `json:"nickname"`
	State     FriendState `json:"state"`
	Blocked   bool        `json:"blocked"`
	// SupportsOfflineRelay is false for peers that cannot read relay-stored messages.
	SupportsOfflineRelay bool `json:"supports_offline_relay"`
}

type FriendRequest struct {
	PublicKey  string    `json:"public_key"`
	Message    string    `json:"message"`
	Outgoing   bool      `json:"outgoing"`
	ReceivedAt time.Time `json:"received_at"`
}

// Peer is a group member known only through group traffic.
type Peer struct {
	PublicKey   string `json:"public_key"`
	GroupNumber uint64 `json:"group_number"`
	Nickname    string `json:"nickname"`
	Blocked     bool   `json:"blocked"`
}

// NormalizeKey canonicalizes a hex public key for comparisons.
func NormalizeKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

func SameKey(a, b string) bool {
	a = NormalizeKey(a)
	return a != "" && a == NormalizeKey(b)
}
