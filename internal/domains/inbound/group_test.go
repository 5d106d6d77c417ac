package inbound

import (
	"testing"

	"github.com/stretchr/testify/require"

	"tok-chat/go-backend/internal/domains/relaycmd"
	"tok-chat/go-backend/pkg/models"
)

func TestReadNoticeCreatesGroupPreviewAndSpan(t *testing.T) {
	h := newHarness(t)
	last := chain(21, 499, 500)[0]

	h.handleGroup(t, relaycmd.GroupCmdReadNotice, relaycmd.GroupReadNotice{Reads: []relaycmd.GroupRead{
		{GroupID: 21, LatestMsgID: 500, LeftCount: 3, LastMsg: &last},
		{GroupID: 22, LatestMsgID: 10, LeftCount: 1},
	}})

	conv, err := h.store.GroupConversation(h.ctx, 21)
	require.NoError(t, err)
	require.Equal(t, int64(500), conv.LastMessageID)
	require.Equal(t, 3, conv.UnreadCount)

	_, err = h.store.GroupConversation(h.ctx, 22)
	require.Error(t, err, "a notice without content must not create a conversation")

	infos := h.transport.sent("group", uint32(relaycmd.GroupCmdInfo))
	require.Len(t, infos, 1)
	require.Equal(t, uint64(21), decodeFrame[relaycmd.GroupInfoRequest](t, infos[0]).GroupID)

	msgs := h.messages(t, conv.ID)
	require.Len(t, msgs, 1)
	require.Equal(t, models.OriginPreview, msgs[0].Origin)

	spans, err := h.store.Spans(h.ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, spans, 1)
	require.Equal(t, int64(0), spans[0].StartMessageID)
	require.Equal(t, int64(500), spans[0].EndMessageID)
	require.True(t, spans[0].EndTime.Equal(at(500)))

	// The same message arriving through a pull replaces the preview.
	h.handleGroup(t, relaycmd.GroupCmdPullResponse, relaycmd.GroupPullResponse{GroupID: 21, End: true, Messages: []relaycmd.GroupMessage{last}})
	msgs = h.messages(t, conv.ID)
	require.Len(t, msgs, 1)
	require.Equal(t, models.OriginNormal, msgs[0].Origin)
}

func TestReadNoticeExtendsSpanEndingAtLastMessage(t *testing.T) {
	h := newHarness(t)
	conv := h.group(t, 5, func(c *models.Conversation) { c.LastMessageID = 40 })
	h.span(t, conv.ID, 10, 40)

	h.handleGroup(t, relaycmd.GroupCmdReadNotice, relaycmd.GroupReadNotice{Reads: []relaycmd.GroupRead{
		{GroupID: 5, LatestMsgID: 90, LeftCount: 7},
	}})

	spans, err := h.store.Spans(h.ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, spans, 1)
	require.Equal(t, int64(10), spans[0].StartMessageID)
	require.Equal(t, int64(90), spans[0].EndMessageID)
	require.Equal(t, int64(90), h.conversation(t, conv.ID).LastMessageID)

	h.handleGroup(t, relaycmd.GroupCmdReadNotice, relaycmd.GroupReadNotice{Reads: []relaycmd.GroupRead{
		{GroupID: 5, LatestMsgID: 90, LeftCount: 0},
	}})
	again, err := h.store.Spans(h.ctx, conv.ID)
	require.NoError(t, err)
	require.Equal(t, spans, again, "an unchanged latest id opens no gap")
	require.Zero(t, h.conversation(t, conv.ID).UnreadCount)
}

func TestErrorNoticeTransitions(t *testing.T) {
	h := newHarness(t)
	removed := h.group(t, 1)
	dissolved := h.group(t, 2)

	h.handleGroup(t, relaycmd.GroupCmdErrorNotice, relaycmd.GroupErrorNotice{GroupID: 1, Code: relaycmd.ErrorCodeNotMember})
	h.handleGroup(t, relaycmd.GroupCmdErrorNotice, relaycmd.GroupErrorNotice{GroupID: 2, Code: relaycmd.ErrorCodeGroupMissing})
	h.handleGroup(t, relaycmd.GroupCmdErrorNotice, relaycmd.GroupErrorNotice{GroupID: 3, Code: relaycmd.ErrorCodeAlreadyMember})

	require.Equal(t, models.ConversationStatusDisabled, h.conversation(t, removed.ID).Status)
	require.Equal(t, []string{textRemovedSelf}, h.systemTexts(t, removed.ID))
	require.Equal(t, models.ConversationStatusDisabled, h.conversation(t, dissolved.ID).Status)
	require.Equal(t, []string{textDissolved}, h.systemTexts(t, dissolved.ID))
	require.Equal(t, []JoinResult{{GroupNumber: 3}}, h.events.joins)
}

func TestInviteNoticeBranches(t *testing.T) {
	cases := []struct {
		name   string
		public bool
		notice relaycmd.GroupInviteNotice
		want   []string
		join   *JoinResult
	}{
		{
			name:   "someone joined",
			notice: relaycmd.GroupInviteNotice{Code: relaycmd.InviteProcessed, InviteeKey: "BOB", InviteeName: "Bob"},
			want:   []string{"Bob joined group"},
		},
		{
			name:   "invited by a member",
			notice: relaycmd.GroupInviteNotice{Code: relaycmd.InviteProcessed, InviterKey: "ANN", InviterName: "Ann", InviteeKey: localKey},
			want:   []string{"Ann invited you to the group chat"},
		},
		{
			name:   "invited by self",
			notice: relaycmd.GroupInviteNotice{Code: relaycmd.InviteProcessed, InviterKey: localKey, InviteeKey: "BOB", InviteeName: "Bob"},
			want:   []string{"You invited Bob to the group chat"},
		},
		{
			name:   "third parties",
			notice: relaycmd.GroupInviteNotice{Code: relaycmd.InviteProcessed, InviterKey: "ANN", InviterName: "Ann", InviteeKey: "BOB", InviteeName: "Bob"},
			want:   []string{"Ann invited Bob to the group chat"},
		},
		{
			name:   "third parties in a public group",
			public: true,
			notice: relaycmd.GroupInviteNotice{Code: relaycmd.InviteProcessed, InviterKey: "ANN", InviteeKey: "BOB"},
		},
		{
			name:   "self invite stays visible in a public group",
			public: true,
			notice: relaycmd.GroupInviteNotice{Code: relaycmd.InviteProcessed, InviterKey: localKey, InviteeKey: "BOB", InviteeName: "Bob"},
			want:   []string{"You invited Bob to the group chat"},
		},
		{
			name:   "self joined",
			notice: relaycmd.GroupInviteNotice{Code: relaycmd.InviteProcessed, InviteeKey: localKey},
			join:   &JoinResult{GroupNumber: 1},
		},
		{
			name:   "blocked",
			notice: relaycmd.GroupInviteNotice{Code: relaycmd.InviteBlocked, InviteeKey: localKey},
			join:   &JoinResult{GroupNumber: 1, Err: ErrJoinBlocked},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			conv := h.group(t, 1, func(c *models.Conversation) {
				if tc.public {
					c.GroupType = models.GroupTypePublic
				}
			})
			tc.notice.GroupID = 1
			h.handleGroup(t, relaycmd.GroupCmdInviteNotice, tc.notice)

			require.Equal(t, tc.want, h.systemTexts(t, conv.ID))
			if tc.join == nil {
				require.Empty(t, h.events.joins)
				return
			}
			require.Len(t, h.events.joins, 1)
			require.Equal(t, tc.join.GroupNumber, h.events.joins[0].GroupNumber)
			require.ErrorIs(t, h.events.joins[0].Err, tc.join.Err)
		})
	}
}

func TestInviteVersionTooLowUsesFriendNickname(t *testing.T) {
	h := newHarness(t)
	conv := h.group(t, 1)
	h.friend(t, "BOB", models.FriendStateAccepted, false)

	h.handleGroup(t, relaycmd.GroupCmdInviteNotice, relaycmd.GroupInviteNotice{GroupID: 1, Code: relaycmd.InviteVersionTooLow, InviteeKey: "BOB"})

	require.Equal(t, []string{"bob's app version is too low to be invited"}, h.systemTexts(t, conv.ID))
}

func groupNotice(t *testing.T, groupID uint64, id int64, msgType uint32, body any) relaycmd.GroupMessage {
	return relaycmd.GroupMessage{
		GroupID:    groupID,
		MsgID:      id,
		PrevMsgID:  id - 1,
		MsgType:    msgType,
		Body:       encode(t, body),
		CreateTime: at(id).UnixMilli(),
	}
}

func TestMembershipMessages(t *testing.T) {
	h := newHarness(t)
	private := h.group(t, 1, func(c *models.Conversation) { c.LastMessageID = 9 })
	public := h.group(t, 2, func(c *models.Conversation) { c.GroupType = models.GroupTypePublic })

	h.handleGroup(t, relaycmd.GroupCmdMessage, groupNotice(t, 1, 10, relaycmd.GroupMsgLeave, relaycmd.GroupPeerNotice{PeerKey: "BOB", PeerName: "Bob"}))
	h.handleGroup(t, relaycmd.GroupCmdMessage, groupNotice(t, 2, 10, relaycmd.GroupMsgLeave, relaycmd.GroupPeerNotice{PeerKey: "BOB", PeerName: "Bob"}))
	h.handleGroup(t, relaycmd.GroupCmdMessage, groupNotice(t, 1, 11, relaycmd.GroupMsgKickout, relaycmd.GroupPeerNotice{PeerKey: "CAL", PeerName: "Cal"}))

	require.Equal(t, []string{"Bob left the group", "Cal was removed from this group"}, h.systemTexts(t, private.ID))
	require.Empty(t, h.systemTexts(t, public.ID))
	require.Equal(t, int64(11), h.conversation(t, private.ID).LastMessageID)
	require.Equal(t, models.ConversationStatusActive, h.conversation(t, private.ID).Status)
}

func TestKickoutOfSelfHonorsJoinTime(t *testing.T) {
	h := newHarness(t)
	conv := h.group(t, 1, func(c *models.Conversation) { c.JoinedAt = at(50) })

	h.handleGroup(t, relaycmd.GroupCmdMessage, groupNotice(t, 1, 40, relaycmd.GroupMsgKickout, relaycmd.GroupPeerNotice{PeerKey: localKey}))
	require.Equal(t, models.ConversationStatusActive, h.conversation(t, conv.ID).Status, "kickout before the latest join is stale")
	require.Empty(t, h.systemTexts(t, conv.ID))

	h.handleGroup(t, relaycmd.GroupCmdMessage, groupNotice(t, 1, 60, relaycmd.GroupMsgKickout, relaycmd.GroupPeerNotice{PeerKey: localKey}))
	require.Equal(t, models.ConversationStatusDisabled, h.conversation(t, conv.ID).Status)
	require.Equal(t, []string{textRemovedSelf}, h.systemTexts(t, conv.ID))
}

func TestDissolveMarksGroupDissolved(t *testing.T) {
	h := newHarness(t)
	conv := h.group(t, 1)

	h.handleGroup(t, relaycmd.GroupCmdMessage, groupNotice(t, 1, 5, relaycmd.GroupMsgDissolve, relaycmd.GroupDissolveNotice{GroupID: 1}))

	require.Equal(t, models.ConversationStatusDissolved, h.conversation(t, conv.ID).Status)
	require.Equal(t, []string{textDissolved}, h.systemTexts(t, conv.ID))
}

func TestLiveGroupMessages(t *testing.T) {
	h := newHarness(t)
	conv := h.group(t, 1, func(c *models.Conversation) { c.LastMessageID = 9 })
	require.NoError(t, h.store.SavePeer(h.ctx, models.Peer{PublicKey: "MUTED", GroupNumber: 1, Blocked: true}))

	own := chain(1, 9, 10)[0]
	own.SenderKey = localKey
	blocked := chain(1, 10, 11)[0]
	blocked.SenderKey = "MUTED"
	gap := chain(1, 20, 21)[0]

	for _, m := range []relaycmd.GroupMessage{own, blocked, chain(1, 9, 10)[0], chain(1, 9, 10)[0], gap} {
		h.handleGroup(t, relaycmd.GroupCmdMessage, m)
	}

	msgs := h.messages(t, conv.ID)
	require.Len(t, msgs, 2)
	require.Equal(t, []int64{10, 21}, []int64{msgs[0].ID, msgs[1].ID})
	require.Equal(t, peerKey, msgs[0].SenderKey)
	require.Equal(t, int64(10), h.conversation(t, conv.ID).LastMessageID, "a non-contiguous message does not advance the last id")

	peer, err := h.store.Peer(h.ctx, 1, peerKey)
	require.NoError(t, err)
	require.Equal(t, "Pat", peer.Nickname)
}

func TestJoinRequests(t *testing.T) {
	h := newHarness(t)
	conv := h.group(t, 1)
	h.friend(t, "ANN", models.FriendStateAccepted, false)
	h.friend(t, "BOB", models.FriendStatePending, false)

	h.handleGroup(t, relaycmd.GroupCmdAcceptJoinRequest, relaycmd.GroupJoinRequest{Infos: []relaycmd.GroupJoinInfo{
		{GroupID: 1, InviterKey: "ANN", Title: "Climbing", Remark: "weekends"},
		{GroupID: 1, InviterKey: "BOB"},
		{GroupID: 1, InviterKey: "NOBODY"},
	}})

	frames := h.transport.sent("group", uint32(relaycmd.GroupCmdAcceptJoinResponse))
	require.Len(t, frames, 3)
	results := make([]uint32, 0, len(frames))
	for _, f := range frames {
		results = append(results, decodeFrame[relaycmd.GroupJoinResponse](t, f).Result)
	}
	require.Equal(t, []uint32{relaycmd.JoinAccept, relaycmd.JoinReject, relaycmd.JoinReject}, results)
	got := h.conversation(t, conv.ID)
	require.Equal(t, "Climbing", got.Title)
	require.Equal(t, "weekends", got.Description)

	h.d.SetAutoRejectJoins(true)
	h.handleGroup(t, relaycmd.GroupCmdAcceptJoinRequest, relaycmd.GroupJoinRequest{Infos: []relaycmd.GroupJoinInfo{
		{GroupID: 1, InviterKey: "ANN", Title: "Other"},
	}})
	frames = h.transport.sent("group", uint32(relaycmd.GroupCmdAcceptJoinResponse))
	require.Len(t, frames, 4)
	require.Equal(t, relaycmd.JoinReject, decodeFrame[relaycmd.GroupJoinResponse](t, frames[3]).Result)
	require.Equal(t, "Climbing", h.conversation(t, conv.ID).Title)
}

func TestInfoResponseUpdatesConversation(t *testing.T) {
	h := newHarness(t)
	conv := h.group(t, 8, func(c *models.Conversation) { c.Muted = true })

	h.handleGroup(t, relaycmd.GroupCmdInfoResponse, relaycmd.GroupInfoResponse{
		GroupID: 8, Name: "Ops", OwnerKey: "ann", MembersCount: 12, Remark: "on call", ShareID: "s-8", Type: models.GroupTypePublic,
	})

	got := h.conversation(t, conv.ID)
	require.Equal(t, "Ops", got.Title)
	require.Equal(t, "ANN", got.OwnerKey)
	require.Equal(t, 12, got.MembersCount)
	require.True(t, got.IsPublicGroup())
	require.Equal(t, []GroupInfo{{
		GroupNumber: 8, Title: "Ops", OwnerKey: "ann", Description: "on call", ShareID: "s-8",
		MembersCount: 12, Type: models.GroupTypePublic, Muted: true,
	}}, h.events.infos)
}

func TestJoinGroupSendsSelfInvite(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.d.JoinGroup(h.ctx, 77))

	frames := h.transport.sent("group", uint32(relaycmd.GroupCmdInvite))
	require.Len(t, frames, 1)
	require.Equal(t, relaycmd.GroupInviteRequest{GroupID: 77, InviteeKey: localKey}, decodeFrame[relaycmd.GroupInviteRequest](t, frames[0]))

	h.reach.setDown(groupRelay)
	require.Error(t, h.d.FetchGroupInfo(h.ctx, 77))
}
