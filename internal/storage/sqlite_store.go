package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"tok-chat/go-backend/internal/domains/contracts"
	"tok-chat/go-backend/internal/platform/notify"
	"tok-chat/go-backend/pkg/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	id           TEXT PRIMARY KEY,
	is_group     INTEGER NOT NULL,
	group_number INTEGER NOT NULL DEFAULT 0,
	peer_key     TEXT NOT NULL DEFAULT '',
	data         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_group ON conversations(group_number) WHERE is_group = 1;
CREATE INDEX IF NOT EXISTS idx_conversations_peer ON conversations(peer_key) WHERE is_group = 0;

CREATE TABLE IF NOT EXISTS messages (
	conversation_id TEXT NOT NULL,
	id              INTEGER NOT NULL,
	origin          TEXT NOT NULL,
	kind            TEXT NOT NULL,
	status          TEXT NOT NULL,
	created_at      INTEGER NOT NULL,
	data            TEXT NOT NULL,
	PRIMARY KEY (conversation_id, id)
);
CREATE INDEX IF NOT EXISTS idx_messages_time ON messages(conversation_id, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(status);

CREATE TABLE IF NOT EXISTS spans (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	start_id        INTEGER NOT NULL,
	end_id          INTEGER NOT NULL,
	start_time      INTEGER NOT NULL,
	end_time        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_spans_conversation ON spans(conversation_id, start_id);

CREATE TABLE IF NOT EXISTS friends (
	public_key TEXT PRIMARY KEY,
	data       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS friend_requests (
	public_key  TEXT PRIMARY KEY,
	received_at INTEGER NOT NULL,
	data        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS peers (
	group_number INTEGER NOT NULL,
	public_key   TEXT NOT NULL,
	data         TEXT NOT NULL,
	PRIMARY KEY (group_number, public_key)
);
`

// SQLiteStore implements contracts.Storage on a single SQLite file. Rows keep
// the indexed columns the queries need and the full record as JSON.
type SQLiteStore struct {
	db      *sql.DB
	changes *notify.Hub[contracts.StorageChange]
}

func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite: empty db path")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &SQLiteStore{db: db, changes: notify.NewHub[contracts.StorageChange]()}, nil
}

func (s *SQLiteStore) Close() error {
	s.changes.Close()
	return s.db.Close()
}

func (s *SQLiteStore) SubscribeChanges(buffer int) (<-chan contracts.StorageChange, func()) {
	return s.changes.Subscribe(buffer)
}

func (s *SQLiteStore) publish(kind contracts.ChangeKind, conversationID string, messageID int64) {
	s.changes.Publish(contracts.StorageChange{Kind: kind, ConversationID: conversationID, MessageID: messageID})
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, fmt.Errorf("sqlite %s: %w", op, err))
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func scanJSON[T any](row interface{ Scan(...any) error }, what string, id any) (T, error) {
	var (
		out  T
		data string
	)
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return out, notFound(what, id)
		}
		return out, storageErr("scan "+what, err)
	}
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return out, storageErr("decode "+what, err)
	}
	return out, nil
}

func (s *SQLiteStore) Conversation(ctx context.Context, id string) (models.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT data FROM conversations WHERE id = ?`, id)
	return scanJSON[models.Conversation](row, "conversation", id)
}

func (s *SQLiteStore) GroupConversation(ctx context.Context, groupNumber uint64) (models.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT data FROM conversations WHERE is_group = 1 AND group_number = ? LIMIT 1`, int64(groupNumber))
	return scanJSON[models.Conversation](row, "group", groupNumber)
}

func (s *SQLiteStore) DirectConversation(ctx context.Context, peer string) (models.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT data FROM conversations WHERE is_group = 0 AND peer_key = ? LIMIT 1`, models.NormalizeKey(peer))
	return scanJSON[models.Conversation](row, "direct conversation", peer)
}

func (s *SQLiteStore) writeConversation(ctx context.Context, exec interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, conv models.Conversation, insert bool) error {
	data, err := json.Marshal(conv)
	if err != nil {
		return err
	}
	isGroup := 0
	if conv.IsGroup {
		isGroup = 1
	}
	if insert {
		_, err = exec.ExecContext(ctx, `INSERT INTO conversations (id, is_group, group_number, peer_key, data) VALUES (?, ?, ?, ?, ?)`,
			conv.ID, isGroup, int64(conv.GroupNumber), conv.PeerKey, string(data))
		return err
	}
	_, err = exec.ExecContext(ctx, `UPDATE conversations SET is_group = ?, group_number = ?, peer_key = ?, data = ? WHERE id = ?`,
		isGroup, int64(conv.GroupNumber), conv.PeerKey, string(data), conv.ID)
	return err
}

func (s *SQLiteStore) CreateConversation(ctx context.Context, conv models.Conversation) (models.Conversation, error) {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.Status == "" {
		conv.Status = models.ConversationStatusActive
	}
	conv.PeerKey = models.NormalizeKey(conv.PeerKey)
	if err := s.writeConversation(ctx, s.db, conv, true); err != nil {
		return models.Conversation{}, storageErr("create conversation", err)
	}
	s.publish(contracts.ChangeConversation, conv.ID, 0)
	return conv, nil
}

func (s *SQLiteStore) UpdateConversation(ctx context.Context, id string, mutate func(*models.Conversation)) (models.Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Conversation{}, storageErr("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	conv, err := scanJSON[models.Conversation](tx.QueryRowContext(ctx, `SELECT data FROM conversations WHERE id = ?`, id), "conversation", id)
	if err != nil {
		return models.Conversation{}, err
	}
	mutate(&conv)
	conv.ID = id
	if err := s.writeConversation(ctx, tx, conv, false); err != nil {
		return models.Conversation{}, storageErr("update conversation", err)
	}
	if err := tx.Commit(); err != nil {
		return models.Conversation{}, storageErr("commit", err)
	}
	s.publish(contracts.ChangeConversation, id, 0)
	return conv, nil
}

func (s *SQLiteStore) ConversationIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM conversations ORDER BY id`)
	if err != nil {
		return nil, storageErr("list conversations", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storageErr("scan conversation id", err)
		}
		ids = append(ids, id)
	}
	return ids, storageErr("list conversations", rows.Err())
}

func (s *SQLiteStore) MessageExists(ctx context.Context, conversationID string, id int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM messages WHERE conversation_id = ? AND id = ?`, conversationID, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("message exists", err)
	}
	return true, nil
}

func (s *SQLiteStore) Message(ctx context.Context, conversationID string, id int64) (models.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT data FROM messages WHERE conversation_id = ? AND id = ?`, conversationID, id)
	return scanJSON[models.Message](row, "message", id)
}

func (s *SQLiteStore) InsertMessage(ctx context.Context, msg models.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return storageErr("encode message", err)
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO messages (conversation_id, id, origin, kind, status, created_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT (conversation_id, id) DO NOTHING`,
		msg.ConversationID, msg.ID, string(msg.Origin), string(msg.Kind), string(msg.Status), nanos(msg.CreatedAt), string(data))
	if err != nil {
		return storageErr("insert message", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("message %d: %w", msg.ID, contracts.ErrDuplicate)
	}
	s.publish(contracts.ChangeMessage, msg.ConversationID, msg.ID)
	return nil
}

func (s *SQLiteStore) UpdateMessageStatus(ctx context.Context, conversationID string, id int64, status models.MessageStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	msg, err := scanJSON[models.Message](tx.QueryRowContext(ctx, `SELECT data FROM messages WHERE conversation_id = ? AND id = ?`, conversationID, id), "message", id)
	if err != nil {
		return err
	}
	msg.Status = mergeStatus(msg.Status, status)
	data, err := json.Marshal(msg)
	if err != nil {
		return storageErr("encode message", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE messages SET status = ?, data = ? WHERE conversation_id = ? AND id = ?`,
		string(msg.Status), string(data), conversationID, id); err != nil {
		return storageErr("update message status", err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit", err)
	}
	s.publish(contracts.ChangeMessage, conversationID, id)
	return nil
}

func (s *SQLiteStore) DeleteMessage(ctx context.Context, conversationID string, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ? AND id = ?`, conversationID, id)
	if err != nil {
		return storageErr("delete message", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("message", id)
	}
	s.publish(contracts.ChangeMessage, conversationID, id)
	return nil
}

func (s *SQLiteStore) LatestMessage(ctx context.Context, conversationID string) (models.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT data FROM messages WHERE conversation_id = ? AND origin = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`, conversationID, string(models.OriginNormal))
	return scanJSON[models.Message](row, "latest message of", conversationID)
}

func (s *SQLiteStore) CountMessages(ctx context.Context, q contracts.MessageCountQuery) (int, error) {
	var (
		b    strings.Builder
		args = []any{q.ConversationID, string(models.OriginNormal), string(models.MessageKindSystem)}
	)
	b.WriteString(`SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND origin = ? AND kind != ?`)
	if !q.From.IsZero() {
		if q.IncludeFrom {
			b.WriteString(` AND created_at >= ?`)
		} else {
			b.WriteString(` AND created_at > ?`)
		}
		args = append(args, nanos(q.From))
	}
	if !q.To.IsZero() {
		if q.IncludeTo {
			b.WriteString(` AND created_at <= ?`)
		} else {
			b.WriteString(` AND created_at < ?`)
		}
		args = append(args, nanos(q.To))
	}
	var n int
	if err := s.db.QueryRowContext(ctx, b.String(), args...).Scan(&n); err != nil {
		return 0, storageErr("count messages", err)
	}
	return n, nil
}

func (s *SQLiteStore) MessagesByStatus(ctx context.Context, status models.MessageStatus) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM messages WHERE status = ? ORDER BY created_at, id`, string(status))
	if err != nil {
		return nil, storageErr("messages by status", err)
	}
	defer rows.Close()
	var out []models.Message
	for rows.Next() {
		msg, err := scanJSON[models.Message](rows, "message", status)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, storageErr("messages by status", rows.Err())
}

func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM (
		SELECT data, created_at, id FROM messages WHERE conversation_id = ? ORDER BY created_at DESC, id DESC LIMIT ?
	) ORDER BY created_at, id`, conversationID, limit)
	if err != nil {
		return nil, storageErr("list messages", err)
	}
	defer rows.Close()
	var out []models.Message
	for rows.Next() {
		msg, err := scanJSON[models.Message](rows, "message", conversationID)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, storageErr("list messages", rows.Err())
}

func (s *SQLiteStore) Spans(ctx context.Context, conversationID string) ([]models.Span, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, start_id, end_id, start_time, end_time FROM spans
		WHERE conversation_id = ? ORDER BY start_id`, conversationID)
	if err != nil {
		return nil, storageErr("list spans", err)
	}
	defer rows.Close()
	var out []models.Span
	for rows.Next() {
		sp := models.Span{ConversationID: conversationID}
		var startNs, endNs int64
		if err := rows.Scan(&sp.ID, &sp.StartMessageID, &sp.EndMessageID, &startNs, &endNs); err != nil {
			return nil, storageErr("scan span", err)
		}
		sp.StartTime, sp.EndTime = fromNanos(startNs), fromNanos(endNs)
		out = append(out, sp)
	}
	return out, storageErr("list spans", rows.Err())
}

func (s *SQLiteStore) SaveSpan(ctx context.Context, span models.Span) (models.Span, error) {
	if span.ID == "" {
		span.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO spans (id, conversation_id, start_id, end_id, start_time, end_time)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET start_id = excluded.start_id, end_id = excluded.end_id,
			start_time = excluded.start_time, end_time = excluded.end_time`,
		span.ID, span.ConversationID, span.StartMessageID, span.EndMessageID, nanos(span.StartTime), nanos(span.EndTime))
	if err != nil {
		return models.Span{}, storageErr("save span", err)
	}
	s.publish(contracts.ChangeSpan, span.ConversationID, 0)
	return span, nil
}

func (s *SQLiteStore) DeleteSpan(ctx context.Context, conversationID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM spans WHERE conversation_id = ? AND id = ?`, conversationID, id)
	if err != nil {
		return storageErr("delete span", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.publish(contracts.ChangeSpan, conversationID, 0)
	}
	return nil
}

func (s *SQLiteStore) DeleteOrphanSpans(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM spans WHERE conversation_id NOT IN (SELECT id FROM conversations)`)
	if err != nil {
		return 0, storageErr("delete orphan spans", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) Friend(ctx context.Context, publicKey string) (models.Friend, error) {
	row := s.db.QueryRowContext(ctx, `SELECT data FROM friends WHERE public_key = ?`, models.NormalizeKey(publicKey))
	return scanJSON[models.Friend](row, "friend", publicKey)
}

func (s *SQLiteStore) SaveFriend(ctx context.Context, friend models.Friend) error {
	friend.PublicKey = models.NormalizeKey(friend.PublicKey)
	data, err := json.Marshal(friend)
	if err != nil {
		return storageErr("encode friend", err)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO friends (public_key, data) VALUES (?, ?)
		ON CONFLICT (public_key) DO UPDATE SET data = excluded.data`, friend.PublicKey, string(data)); err != nil {
		return storageErr("save friend", err)
	}
	if friend.State == models.FriendStateAccepted {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM friend_requests WHERE public_key = ?`, friend.PublicKey); err != nil {
			return storageErr("clear friend request", err)
		}
	}
	return nil
}

func (s *SQLiteStore) SaveFriendRequest(ctx context.Context, req models.FriendRequest) error {
	req.PublicKey = models.NormalizeKey(req.PublicKey)
	data, err := json.Marshal(req)
	if err != nil {
		return storageErr("encode friend request", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO friend_requests (public_key, received_at, data) VALUES (?, ?, ?)
		ON CONFLICT (public_key) DO UPDATE SET received_at = excluded.received_at, data = excluded.data`,
		req.PublicKey, nanos(req.ReceivedAt), string(data))
	return storageErr("save friend request", err)
}

func (s *SQLiteStore) FriendRequests(ctx context.Context) ([]models.FriendRequest, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM friend_requests ORDER BY received_at`)
	if err != nil {
		return nil, storageErr("list friend requests", err)
	}
	defer rows.Close()
	var out []models.FriendRequest
	for rows.Next() {
		req, err := scanJSON[models.FriendRequest](rows, "friend request", "")
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, storageErr("list friend requests", rows.Err())
}

func (s *SQLiteStore) Peer(ctx context.Context, groupNumber uint64, publicKey string) (models.Peer, error) {
	row := s.db.QueryRowContext(ctx, `SELECT data FROM peers WHERE group_number = ? AND public_key = ?`,
		int64(groupNumber), models.NormalizeKey(publicKey))
	return scanJSON[models.Peer](row, "peer", publicKey)
}

func (s *SQLiteStore) SavePeer(ctx context.Context, peer models.Peer) error {
	peer.PublicKey = models.NormalizeKey(peer.PublicKey)
	data, err := json.Marshal(peer)
	if err != nil {
		return storageErr("encode peer", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO peers (group_number, public_key, data) VALUES (?, ?, ?)
		ON CONFLICT (group_number, public_key) DO UPDATE SET data = excluded.data`,
		int64(peer.GroupNumber), peer.PublicKey, string(data))
	return storageErr("save peer", err)
}

var _ contracts.Storage = (*SQLiteStore)(nil)
