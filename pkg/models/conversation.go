package models

import "time"

type Direction int

const (
	DirectionDown Direction = iota
	DirectionUp
)

func (d Direction) String() string {
	if d == DirectionUp {
		return "up"
	}
	return "down"
}

// Span is an interval of a conversation's message-id sequence whose two
// boundaries are known locally while the messages between them still have to
// be pulled from the relay. Everything outside the stored spans of a
// conversation is complete.
type Span struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	StartMessageID int64     `json:"start_message_id"`
	EndMessageID   int64     `json:"end_message_id"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
}

func (s Span) Contains(messageID int64) bool {
	return messageID >= s.StartMessageID && messageID <= s.EndMessageID
}

func (s Span) Overlaps(other Span) bool {
	return s.StartMessageID <= other.EndMessageID && other.StartMessageID <= s.EndMessageID
}

// CoveredBy reports whether the span lies entirely inside [start,end].
func (s Span) CoveredBy(start, end int64) bool {
	return s.StartMessageID >= start && s.EndMessageID <= end
}

// UnixMillis converts relay timestamps (milliseconds) to time.
func UnixMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
