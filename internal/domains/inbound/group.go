package inbound

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tok-chat/go-backend/internal/domains/contracts"
	"tok-chat/go-backend/internal/domains/relaycmd"
	"tok-chat/go-backend/pkg/models"
)

// HandleGroupCommand processes one frame from the group relay. Failures are
// logged and counted, never returned.
func (d *Dispatcher) HandleGroupCommand(ctx context.Context, cmd relaycmd.GroupCommand, payload []byte) {
	d.metrics.InboundCommand("group", cmd.String())
	switch cmd {
	case relaycmd.GroupCmdMessage:
		if m, ok := decodeGroup[relaycmd.GroupMessage](d, cmd, payload); ok {
			d.handleLiveMessage(ctx, m)
		}
	case relaycmd.GroupCmdReadNotice:
		if n, ok := decodeGroup[relaycmd.GroupReadNotice](d, cmd, payload); ok {
			for _, r := range n.Reads {
				d.handleRead(ctx, r)
			}
		}
	case relaycmd.GroupCmdErrorNotice:
		if n, ok := decodeGroup[relaycmd.GroupErrorNotice](d, cmd, payload); ok {
			d.handleErrorNotice(ctx, n)
		}
	case relaycmd.GroupCmdInviteNotice:
		if n, ok := decodeGroup[relaycmd.GroupInviteNotice](d, cmd, payload); ok {
			d.handleInvite(ctx, n, 0, time.Time{})
		}
	case relaycmd.GroupCmdAcceptJoinRequest:
		if n, ok := decodeGroup[relaycmd.GroupJoinRequest](d, cmd, payload); ok {
			d.handleJoinRequest(ctx, n)
		}
	case relaycmd.GroupCmdPullResponse:
		if r, ok := decodeGroup[relaycmd.GroupPullResponse](d, cmd, payload); ok {
			d.handlePullResponse(ctx, r)
		}
	case relaycmd.GroupCmdInfoResponse:
		if r, ok := decodeGroup[relaycmd.GroupInfoResponse](d, cmd, payload); ok {
			d.handleInfo(ctx, r)
		}
	default:
		d.logger.Debug("group command ignored", "cmd", cmd.String())
	}
}

func decodeGroup[T any](d *Dispatcher, cmd relaycmd.GroupCommand, payload []byte) (T, bool) {
	v, err := relaycmd.Decode[T](payload)
	if err != nil {
		d.recordErr("group", err, "cmd", cmd.String())
		return v, false
	}
	return v, true
}

func (d *Dispatcher) handleLiveMessage(ctx context.Context, m relaycmd.GroupMessage) {
	conv, err := d.groupConversation(ctx, m.GroupID, false)
	if err != nil {
		d.recordErr(contracts.ErrorCategoryStorage, err, "group_number", m.GroupID)
		return
	}
	stored, err := d.storeGroupMessage(ctx, conv, m, models.OriginNormal)
	if err != nil {
		d.recordErr(contracts.ErrorCategoryStorage, err, "conversation_id", conv.ID, "message_id", m.MsgID)
		return
	}
	if !stored {
		return
	}
	d.advanceLastMessage(ctx, conv.ID, m.PrevMsgID, m.MsgID, models.UnixMillis(m.CreateTime))
	d.changed(conv.ID, ReasonNewMessages)
}

// storeGroupMessage applies one relay message to conv and reports whether
// anything was stored. Duplicates are skipped before any side effect; a
// preview already stored under the same id is replaced by the normal copy.
func (d *Dispatcher) storeGroupMessage(ctx context.Context, conv models.Conversation, m relaycmd.GroupMessage, origin models.MessageOrigin) (bool, error) {
	exists, err := d.known(ctx, conv.ID, m.MsgID)
	if err != nil {
		return false, err
	}
	if exists {
		if origin != models.OriginNormal || !d.promotePreview(ctx, conv.ID, m.MsgID) {
			return false, nil
		}
	}
	at := models.UnixMillis(m.CreateTime)

	switch m.MsgType {
	case relaycmd.GroupMsgText, relaycmd.GroupMsgFile:
		if d.isLocal(m.SenderKey) {
			return false, nil
		}
		peer, err := d.groupPeer(ctx, conv.GroupNumber, m.SenderKey, m.SenderName)
		if err != nil {
			return false, err
		}
		if peer.Blocked {
			d.logger.Debug("group message from blocked peer dropped", "conversation_id", conv.ID, "sender_key", m.SenderKey)
			return false, nil
		}
		msg := models.Message{
			ID:             m.MsgID,
			ConversationID: conv.ID,
			SenderKey:      m.SenderKey,
			Kind:           models.MessageKindText,
			Text:           string(m.Body),
			Status:         models.MessageStatusReceived,
			Origin:         origin,
			CreatedAt:      at,
		}
		if m.MsgType == relaycmd.GroupMsgFile {
			msg.Kind = models.MessageKindFile
			msg.Text = ""
			msg.File = &models.FileInfo{Name: m.FileName, DisplayName: m.FileDisplayName, Size: m.FileSize}
		}
		return true, d.insert(ctx, msg)
	case relaycmd.GroupMsgInvite:
		n, err := relaycmd.Decode[relaycmd.GroupInviteNotice](m.Body)
		if err != nil {
			return false, err
		}
		n.GroupID = conv.GroupNumber
		return d.handleInvite(ctx, n, m.MsgID, at), nil
	case relaycmd.GroupMsgLeave:
		n, err := relaycmd.Decode[relaycmd.GroupPeerNotice](m.Body)
		if err != nil {
			return false, err
		}
		if conv.IsPublicGroup() {
			return false, nil
		}
		name := d.displayName(ctx, conv.GroupNumber, n.PeerKey, n.PeerName)
		return true, d.insertSystem(ctx, conv.ID, m.MsgID, fmt.Sprintf(textLeft, name), at)
	case relaycmd.GroupMsgKickout:
		n, err := relaycmd.Decode[relaycmd.GroupPeerNotice](m.Body)
		if err != nil {
			return false, err
		}
		return d.handleKickout(ctx, conv, n, m.MsgID, at)
	case relaycmd.GroupMsgDissolve:
		if err := d.setStatus(ctx, conv.ID, models.ConversationStatusDissolved); err != nil {
			return false, err
		}
		return true, d.insertSystem(ctx, conv.ID, m.MsgID, textDissolved, at)
	default:
		d.logger.Debug("group message type ignored", "conversation_id", conv.ID, "msg_type", m.MsgType)
		return false, nil
	}
}

// promotePreview drops a stored preview so the normal copy can take its id.
func (d *Dispatcher) promotePreview(ctx context.Context, conversationID string, id int64) bool {
	stored, err := d.deps.Storage.Message(ctx, conversationID, id)
	if err != nil || stored.Origin != models.OriginPreview {
		return false
	}
	if err := d.deps.Storage.DeleteMessage(ctx, conversationID, id); err != nil {
		d.recordErr(contracts.ErrorCategoryStorage, err, "conversation_id", conversationID, "message_id", id)
		return false
	}
	d.seen.Remove(seenKey(conversationID, id))
	return true
}

func (d *Dispatcher) groupPeer(ctx context.Context, groupNumber uint64, key, name string) (models.Peer, error) {
	peer, err := d.deps.Storage.Peer(ctx, groupNumber, key)
	if err == nil {
		if name != "" && peer.Nickname != name {
			peer.Nickname = name
			if err := d.deps.Storage.SavePeer(ctx, peer); err != nil {
				return peer, fmt.Errorf("save peer: %w", err)
			}
		}
		return peer, nil
	}
	if !errors.Is(err, contracts.ErrNotFound) {
		return models.Peer{}, err
	}
	peer = models.Peer{PublicKey: models.NormalizeKey(key), GroupNumber: groupNumber, Nickname: name}
	if err := d.deps.Storage.SavePeer(ctx, peer); err != nil {
		return models.Peer{}, fmt.Errorf("save peer: %w", err)
	}
	return peer, nil
}

// displayName prefers the name carried by the notice, then the friend or
// peer nickname, then a shortened key.
func (d *Dispatcher) displayName(ctx context.Context, groupNumber uint64, key, name string) string {
	if name != "" {
		return name
	}
	if key == "" {
		return textUnknownSomeone
	}
	if f, err := d.deps.Storage.Friend(ctx, key); err == nil && f.Nickname != "" {
		return f.Nickname
	}
	if p, err := d.deps.Storage.Peer(ctx, groupNumber, key); err == nil && p.Nickname != "" {
		return p.Nickname
	}
	key = models.NormalizeKey(key)
	if len(key) > 8 {
		key = key[:8]
	}
	return key
}

func (d *Dispatcher) setStatus(ctx context.Context, conversationID string, status models.ConversationStatus) error {
	_, err := d.deps.Storage.UpdateConversation(ctx, conversationID, func(c *models.Conversation) {
		c.Status = status
	})
	if err != nil {
		return fmt.Errorf("set conversation status: %w", err)
	}
	d.changed(conversationID, ReasonStatus)
	return nil
}

func (d *Dispatcher) handleRead(ctx context.Context, r relaycmd.GroupRead) {
	content := r.LastMsg != nil && relaycmd.IsContentBearing(r.LastMsg.MsgType)
	conv, err := d.deps.Storage.GroupConversation(ctx, r.GroupID)
	if errors.Is(err, contracts.ErrNotFound) {
		if !content {
			return
		}
		if conv, err = d.groupConversation(ctx, r.GroupID, true); err == nil {
			if infoErr := d.FetchGroupInfo(ctx, r.GroupID); infoErr != nil {
				d.recordErr(contracts.ErrorCategoryNetwork, infoErr, "group_number", r.GroupID)
			}
		}
	}
	if err != nil {
		d.recordErr(contracts.ErrorCategoryStorage, err, "group_number", r.GroupID)
		return
	}

	if content {
		if _, err := d.storeGroupMessage(ctx, conv, *r.LastMsg, models.OriginPreview); err != nil {
			d.recordErr(contracts.ErrorCategoryStorage, err, "conversation_id", conv.ID)
		}
	}

	if r.LatestMsgID > conv.LastMessageID {
		var knownStart time.Time
		if latest, err := d.deps.Storage.LatestMessage(ctx, conv.ID); err == nil {
			knownStart = latest.CreatedAt
		}
		endTime := d.clock.Now()
		if r.LastMsg != nil && r.LastMsg.MsgID == r.LatestMsgID {
			endTime = models.UnixMillis(r.LastMsg.CreateTime)
		}
		if _, err := d.deps.Gaps.ExtendOrCreate(ctx, conv, r.LatestMsgID, endTime, knownStart); err != nil {
			d.recordErr(contracts.ErrorCategoryStorage, err, "conversation_id", conv.ID)
		}
	}

	_, err = d.deps.Storage.UpdateConversation(ctx, conv.ID, func(c *models.Conversation) {
		if r.LatestMsgID > c.LastMessageID {
			c.LastMessageID = r.LatestMsgID
		}
		c.UnreadCount = r.LeftCount
	})
	if err != nil {
		d.recordErr(contracts.ErrorCategoryStorage, err, "conversation_id", conv.ID)
		return
	}
	d.changed(conv.ID, ReasonReadNotice)
}

func (d *Dispatcher) handleErrorNotice(ctx context.Context, n relaycmd.GroupErrorNotice) {
	switch n.Code {
	case relaycmd.ErrorCodeAlreadyMember:
		d.deps.Events.JoinResult(JoinResult{GroupNumber: n.GroupID})
		return
	case relaycmd.ErrorCodeNotMember, relaycmd.ErrorCodeGroupMissing:
	default:
		d.logger.Info("group error notice", "group_number", n.GroupID, "code", n.Code)
		return
	}
	conv, err := d.deps.Storage.GroupConversation(ctx, n.GroupID)
	if err != nil {
		d.recordErr(contracts.ErrorCategoryStorage, err, "group_number", n.GroupID)
		return
	}
	text := textRemovedSelf
	if n.Code == relaycmd.ErrorCodeGroupMissing {
		text = textDissolved
	}
	if err := d.setStatus(ctx, conv.ID, models.ConversationStatusDisabled); err != nil {
		d.recordErr(contracts.ErrorCategoryStorage, err, "conversation_id", conv.ID)
		return
	}
	if err := d.insertSystem(ctx, conv.ID, 0, text, time.Time{}); err != nil {
		d.recordErr(contracts.ErrorCategoryStorage, err, "conversation_id", conv.ID)
		return
	}
	d.changed(conv.ID, ReasonNewMessages)
}

// handleInvite applies an invite outcome. msgID is the relay id when the
// notice arrived as a group message, 0 for a standalone notice. It reports
// whether a system message was stored.
func (d *Dispatcher) handleInvite(ctx context.Context, n relaycmd.GroupInviteNotice, msgID int64, at time.Time) bool {
	switch n.Code {
	case relaycmd.InviteBlocked:
		d.deps.Events.JoinResult(JoinResult{GroupNumber: n.GroupID, Err: ErrJoinBlocked})
		return false
	case relaycmd.InviteVersionTooLow:
		conv, err := d.deps.Storage.GroupConversation(ctx, n.GroupID)
		if err != nil {
			d.recordErr(contracts.ErrorCategoryStorage, err, "group_number", n.GroupID)
			return false
		}
		name := d.displayName(ctx, n.GroupID, n.InviteeKey, "")
		return d.noticeStored(ctx, conv.ID, d.insertSystem(ctx, conv.ID, msgID, fmt.Sprintf(textVersionTooLow, name), at))
	case relaycmd.InviteProcessed:
	default:
		d.logger.Debug("invite notice code ignored", "group_number", n.GroupID, "code", n.Code)
		return false
	}

	selfInvitee := d.isLocal(n.InviteeKey)
	if n.InviterKey == "" && selfInvitee {
		conv, err := d.groupConversation(ctx, n.GroupID, true)
		if err != nil {
			d.recordErr(contracts.ErrorCategoryStorage, err, "group_number", n.GroupID)
		} else if conv.Status != models.ConversationStatusActive {
			_, err = d.deps.Storage.UpdateConversation(ctx, conv.ID, func(c *models.Conversation) {
				c.Status = models.ConversationStatusActive
				c.JoinedAt = d.clock.Now()
			})
			if err != nil {
				d.recordErr(contracts.ErrorCategoryStorage, err, "conversation_id", conv.ID)
			}
		}
		if err := d.FetchGroupInfo(ctx, n.GroupID); err != nil {
			d.recordErr(contracts.ErrorCategoryNetwork, err, "group_number", n.GroupID)
		}
		d.deps.Events.JoinResult(JoinResult{GroupNumber: n.GroupID})
		return false
	}

	conv, err := d.deps.Storage.GroupConversation(ctx, n.GroupID)
	if err != nil {
		d.recordErr(contracts.ErrorCategoryStorage, err, "group_number", n.GroupID)
		return false
	}
	var (
		text string
		save bool
	)
	invitee := d.displayName(ctx, n.GroupID, n.InviteeKey, n.InviteeName)
	switch {
	case n.InviterKey == "":
		text = fmt.Sprintf(textJoined, invitee)
	case selfInvitee:
		text = fmt.Sprintf(textInvitedYou, d.displayName(ctx, n.GroupID, n.InviterKey, n.InviterName))
		save = true
	case d.isLocal(n.InviterKey):
		text = fmt.Sprintf(textYouInvited, invitee)
		save = true
	default:
		text = fmt.Sprintf(textInvitedOther, d.displayName(ctx, n.GroupID, n.InviterKey, n.InviterName), invitee)
	}
	if conv.IsPublicGroup() && !save {
		return false
	}
	return d.noticeStored(ctx, conv.ID, d.insertSystem(ctx, conv.ID, msgID, text, at))
}

func (d *Dispatcher) noticeStored(ctx context.Context, conversationID string, err error) bool {
	if err != nil {
		d.recordErr(contracts.ErrorCategoryStorage, err, "conversation_id", conversationID)
		return false
	}
	return true
}

func (d *Dispatcher) handleKickout(ctx context.Context, conv models.Conversation, n relaycmd.GroupPeerNotice, msgID int64, at time.Time) (bool, error) {
	if !d.isLocal(n.PeerKey) {
		name := d.displayName(ctx, conv.GroupNumber, n.PeerKey, n.PeerName)
		return true, d.insertSystem(ctx, conv.ID, msgID, fmt.Sprintf(textRemovedOther, name), at)
	}
	if !at.After(conv.JoinedAt) {
		d.logger.Debug("stale kickout ignored", "conversation_id", conv.ID, "message_id", msgID)
		return false, nil
	}
	if err := d.setStatus(ctx, conv.ID, models.ConversationStatusDisabled); err != nil {
		return false, err
	}
	return true, d.insertSystem(ctx, conv.ID, msgID, textRemovedSelf, at)
}

func (d *Dispatcher) handleJoinRequest(ctx context.Context, req relaycmd.GroupJoinRequest) {
	for _, info := range req.Infos {
		result := relaycmd.JoinAccept
		if d.autoReject.Load() {
			result = relaycmd.JoinReject
		} else if f, err := d.deps.Storage.Friend(ctx, info.InviterKey); err != nil || f.State != models.FriendStateAccepted {
			result = relaycmd.JoinReject
		}
		if err := d.sendGroup(ctx, relaycmd.GroupCmdAcceptJoinResponse, relaycmd.GroupJoinResponse{GroupID: info.GroupID, Result: result}); err != nil {
			d.recordErr(contracts.ErrorCategoryNetwork, err, "group_number", info.GroupID)
			continue
		}
		d.logger.Info("join request answered", "group_number", info.GroupID, "inviter_key", info.InviterKey, "result", result)
		if result != relaycmd.JoinAccept {
			continue
		}
		conv, err := d.deps.Storage.GroupConversation(ctx, info.GroupID)
		if err != nil {
			continue
		}
		_, err = d.deps.Storage.UpdateConversation(ctx, conv.ID, func(c *models.Conversation) {
			if info.Title != "" {
				c.Title = info.Title
			}
			if info.Remark != "" {
				c.Description = info.Remark
			}
		})
		if err != nil {
			d.recordErr(contracts.ErrorCategoryStorage, err, "conversation_id", conv.ID)
			continue
		}
		d.changed(conv.ID, ReasonInfo)
	}
}

func (d *Dispatcher) handleInfo(ctx context.Context, r relaycmd.GroupInfoResponse) {
	info := GroupInfo{
		GroupNumber:  r.GroupID,
		Title:        r.Name,
		OwnerKey:     r.OwnerKey,
		Description:  r.Remark,
		ShareID:      r.ShareID,
		MembersCount: r.MembersCount,
		Type:         r.Type,
	}
	conv, err := d.deps.Storage.GroupConversation(ctx, r.GroupID)
	if err == nil {
		conv, err = d.deps.Storage.UpdateConversation(ctx, conv.ID, func(c *models.Conversation) {
			c.Title = r.Name
			c.OwnerKey = models.NormalizeKey(r.OwnerKey)
			c.Description = r.Remark
			c.ShareID = r.ShareID
			c.MembersCount = r.MembersCount
			c.GroupType = r.Type
		})
		if err != nil {
			d.recordErr(contracts.ErrorCategoryStorage, err, "conversation_id", conv.ID)
		} else {
			info.Muted = conv.Muted
			d.changed(conv.ID, ReasonInfo)
		}
	} else if !errors.Is(err, contracts.ErrNotFound) {
		d.recordErr(contracts.ErrorCategoryStorage, err, "group_number", r.GroupID)
	}
	d.deps.Events.GroupInfo(info)
}

// FetchGroupInfo asks the group relay for group metadata; the answer arrives
// as a GroupInfo event.
func (d *Dispatcher) FetchGroupInfo(ctx context.Context, groupNumber uint64) error {
	return d.sendGroup(ctx, relaycmd.GroupCmdInfo, relaycmd.GroupInfoRequest{GroupID: groupNumber})
}

// JoinGroup sends an invite for the local user; the outcome arrives as a
// JoinResult event.
func (d *Dispatcher) JoinGroup(ctx context.Context, groupNumber uint64) error {
	return d.sendGroup(ctx, relaycmd.GroupCmdInvite, relaycmd.GroupInviteRequest{GroupID: groupNumber, InviteeKey: d.cfg.LocalKey})
}

func (d *Dispatcher) sendGroup(ctx context.Context, cmd relaycmd.GroupCommand, record any) error {
	if !d.groupRelayUp() {
		return fmt.Errorf("group relay: %w", contracts.ErrNotConnected)
	}
	payload, err := relaycmd.Marshal(record)
	if err != nil {
		return err
	}
	id, err := d.nextID()
	if err != nil {
		return err
	}
	if err := d.deps.Transport.SendGroupCommand(ctx, d.cfg.Relays.Group, uint32(cmd), id, payload); err != nil {
		return contracts.WrapCategorizedError(contracts.ErrorCategoryNetwork, fmt.Errorf("send %s: %w", cmd, err))
	}
	return nil
}
