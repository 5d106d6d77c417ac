package inbound

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tok-chat/go-backend/internal/domains/relaycmd"
	"tok-chat/go-backend/internal/platform/ratelimiter"
	"tok-chat/go-backend/pkg/models"
)

func offlineText(id int64, sender, text string) relaycmd.OfflineMessage {
	return relaycmd.OfflineMessage{
		MsgID:      id,
		MsgType:    relaycmd.OfflineMsgText,
		SenderKey:  sender,
		Content:    []byte("sealed:" + sender + ":" + text),
		CreateTime: at(id).UnixMilli(),
	}
}

func (h *harness) handleOffline(t *testing.T, cmd relaycmd.OfflineCommand, record any) {
	t.Helper()
	h.d.HandleOfflineCommand(h.ctx, offlineRelay, cmd, encode(t, record))
}

func (h *harness) delRequests(t *testing.T) []int64 {
	t.Helper()
	var out []int64
	for _, f := range h.transport.sent("offline", uint32(relaycmd.OfflineCmdDelRequest)) {
		require.Equal(t, offlineRelay, f.relay)
		out = append(out, decodeFrame[relaycmd.OfflineDelRequest](t, f).LastMsgID)
	}
	return out
}

func TestOfflineBatchSendsOneCumulativeAck(t *testing.T) {
	h := newHarness(t)
	h.friend(t, friendKey, models.FriendStateAccepted, false)

	h.handleOffline(t, relaycmd.OfflineCmdPullResponse, relaycmd.OfflinePullResponse{Messages: []relaycmd.OfflineMessage{
		offlineText(7, friendKey, "second"),
		offlineText(9, friendKey, "third"),
		offlineText(5, friendKey, "first"),
	}})

	require.Equal(t, []int64{9}, h.delRequests(t))
	conv, err := h.store.DirectConversation(h.ctx, friendKey)
	require.NoError(t, err)
	msgs := h.messages(t, conv.ID)
	require.Len(t, msgs, 3)
	require.Equal(t, "first", msgs[0].Text)
	require.Equal(t, models.OriginOffline, msgs[0].Origin)
	require.Equal(t, int64(9), h.conversation(t, conv.ID).LastMessageID)

	// Redelivery stores nothing new but is acknowledged again.
	h.handleOffline(t, relaycmd.OfflineCmdPullResponse, relaycmd.OfflinePullResponse{Messages: []relaycmd.OfflineMessage{
		offlineText(9, friendKey, "third"),
	}})
	require.Len(t, h.messages(t, conv.ID), 3)
	require.Equal(t, []int64{9, 9}, h.delRequests(t))
}

func TestOfflineBatchSkipsUnusableMessagesButAcksThem(t *testing.T) {
	h := newHarness(t)
	h.friend(t, friendKey, models.FriendStateAccepted, false)
	h.friend(t, "BLOCKED", models.FriendStateAccepted, true)

	bad := offlineText(3, friendKey, "x")
	bad.Content = []byte("garbage")
	noName := relaycmd.OfflineMessage{MsgID: 4, MsgType: relaycmd.OfflineMsgFile, SenderKey: friendKey, FileSize: 10}
	file := relaycmd.OfflineMessage{MsgID: 6, MsgType: relaycmd.OfflineMsgFile, SenderKey: friendKey, FileDisplayName: "a.pdf", FileSize: 10}

	h.handleOffline(t, relaycmd.OfflineCmdPullResponse, relaycmd.OfflinePullResponse{Messages: []relaycmd.OfflineMessage{
		offlineText(1, "STRANGER", "hi"),
		offlineText(2, "BLOCKED", "hi"),
		bad,
		noName,
		file,
	}})

	require.Equal(t, []int64{6}, h.delRequests(t))
	conv, err := h.store.DirectConversation(h.ctx, friendKey)
	require.NoError(t, err)
	msgs := h.messages(t, conv.ID)
	require.Len(t, msgs, 1)
	require.Equal(t, models.MessageKindFile, msgs[0].Kind)
	require.Equal(t, "a.pdf", msgs[0].File.DisplayName)
	_, err = h.store.DirectConversation(h.ctx, "STRANGER")
	require.Error(t, err)
}

func TestOfflineEmptyBatchIsNotAcknowledged(t *testing.T) {
	h := newHarness(t)
	h.handleOffline(t, relaycmd.OfflineCmdPullResponse, relaycmd.OfflinePullResponse{})
	require.Empty(t, h.delRequests(t))
}

func TestOfflineFriendRequests(t *testing.T) {
	h := newHarness(t)
	h.friend(t, friendKey, models.FriendStateAccepted, false)

	h.handleOffline(t, relaycmd.OfflineCmdPullResponse, relaycmd.OfflinePullResponse{Messages: []relaycmd.OfflineMessage{
		{MsgID: 1, MsgType: relaycmd.OfflineMsgFriendRequest, SenderKey: friendKey, Content: []byte("hi again")},
		{MsgID: 2, MsgType: relaycmd.OfflineMsgFriendRequest, SenderKey: "NEWBIE", Content: []byte("hello")},
	}})

	accepts := h.transport.sent("offline", uint32(relaycmd.OfflineCmdSend))
	require.Len(t, accepts, 1)
	req := decodeFrame[relaycmd.OfflineMessageRequest](t, accepts[0])
	require.Equal(t, relaycmd.OfflineMsgAcceptFriendRequest, req.MsgType)
	require.Equal(t, friendKey, req.ToKey)
	require.Equal(t, accepts[0].id, req.LocalMsgID)

	reqs, err := h.store.FriendRequests(h.ctx)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	require.Equal(t, "NEWBIE", reqs[0].PublicKey)
	require.Equal(t, "hello", reqs[0].Message)
}

func TestOfflineAcceptMarksFriendAccepted(t *testing.T) {
	h := newHarness(t)
	h.friend(t, friendKey, models.FriendStatePending, false)

	h.handleOffline(t, relaycmd.OfflineCmdPullResponse, relaycmd.OfflinePullResponse{Messages: []relaycmd.OfflineMessage{
		{MsgID: 3, MsgType: relaycmd.OfflineMsgAcceptFriendRequest, SenderKey: friendKey},
	}})

	f, err := h.store.Friend(h.ctx, friendKey)
	require.NoError(t, err)
	require.Equal(t, models.FriendStateAccepted, f.State)
}

func TestOfflineReadNoticeTriggersPull(t *testing.T) {
	h := newHarness(t)
	h.d.HandleOfflineCommand(h.ctx, offlineRelay, relaycmd.OfflineCmdReadNotice, nil)

	pulls := h.transport.sent("offline", uint32(relaycmd.OfflineCmdPullRequest))
	require.Len(t, pulls, 1)
	require.Equal(t, offlineRelay, pulls[0].relay)
}

func TestDirectMessages(t *testing.T) {
	h := newHarness(t)
	h.friend(t, friendKey, models.FriendStateAccepted, false)
	h.friend(t, "BLOCKED", models.FriendStateAccepted, true)

	text := encode(t, relaycmd.DirectMessage{Kind: string(models.MessageKindText), Text: "hey"})
	h.d.HandleDirectMessage(h.ctx, friendKey, 42, text)
	h.d.HandleDirectMessage(h.ctx, friendKey, 42, text)
	h.d.HandleDirectMessage(h.ctx, friendKey, 43, encode(t, relaycmd.DirectMessage{Kind: string(models.MessageKindFile), FileName: "x.png", FileSize: 7}))
	h.d.HandleDirectMessage(h.ctx, friendKey, 44, []byte("broken"))
	h.d.HandleDirectMessage(h.ctx, "BLOCKED", 45, text)

	conv, err := h.store.DirectConversation(h.ctx, friendKey)
	require.NoError(t, err)
	msgs := h.messages(t, conv.ID)
	require.Len(t, msgs, 2)
	require.Equal(t, "hey", msgs[0].Text)
	require.Equal(t, "x.png", msgs[1].File.Name)
	require.Equal(t, int64(43), h.conversation(t, conv.ID).LastMessageID)
	_, err = h.store.DirectConversation(h.ctx, "BLOCKED")
	require.Error(t, err)
}

func TestDirectMessagesAreRateLimitedPerFriend(t *testing.T) {
	h := newHarness(t)
	h.d.deps.Limiter = ratelimiter.New(1, 2, time.Minute)
	h.friend(t, friendKey, models.FriendStateAccepted, false)

	for id := int64(1); id <= 4; id++ {
		h.d.HandleDirectMessage(h.ctx, friendKey, id, encode(t, relaycmd.DirectMessage{Kind: string(models.MessageKindText), Text: "x"}))
	}
	conv, err := h.store.DirectConversation(h.ctx, friendKey)
	require.NoError(t, err)
	require.Len(t, h.messages(t, conv.ID), 2)
}
