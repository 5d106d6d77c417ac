package relaycmd

import "strconv"

// GroupCommand is the discriminant of frames exchanged with the group relay.
type GroupCommand uint32

const (
	GroupCmdMessage GroupCommand = iota + 1
	GroupCmdReadNotice
	GroupCmdInvite
	GroupCmdInviteNotice
	GroupCmdErrorNotice
	GroupCmdAcceptJoinRequest
	GroupCmdAcceptJoinResponse
	GroupCmdPullRequest
	GroupCmdPullResponse
	GroupCmdInfo
	GroupCmdInfoResponse
)

var groupCommandNames = map[GroupCommand]string{
	GroupCmdMessage:            "message",
	GroupCmdReadNotice:         "read_notice",
	GroupCmdInvite:             "invite",
	GroupCmdInviteNotice:       "invite_notice",
	GroupCmdErrorNotice:        "error_notice",
	GroupCmdAcceptJoinRequest:  "accept_join_request",
	GroupCmdAcceptJoinResponse: "accept_join_response",
	GroupCmdPullRequest:        "pull_request",
	GroupCmdPullResponse:       "pull_response",
	GroupCmdInfo:               "info",
	GroupCmdInfoResponse:       "info_response",
}

func (c GroupCommand) String() string {
	if name, ok := groupCommandNames[c]; ok {
		return name
	}
	return "group_" + strconv.FormatUint(uint64(c), 10)
}

// OfflineCommand is the discriminant of frames exchanged with the offline relay.
type OfflineCommand uint32

const (
	OfflineCmdSend OfflineCommand = iota + 1
	OfflineCmdReadNotice
	OfflineCmdPullRequest
	OfflineCmdPullResponse
	OfflineCmdDelRequest
)

var offlineCommandNames = map[OfflineCommand]string{
	OfflineCmdSend:         "send",
	OfflineCmdReadNotice:   "read_notice",
	OfflineCmdPullRequest:  "pull_request",
	OfflineCmdPullResponse: "pull_response",
	OfflineCmdDelRequest:   "del_request",
}

func (c OfflineCommand) String() string {
	if name, ok := offlineCommandNames[c]; ok {
		return name
	}
	return "offline_" + strconv.FormatUint(uint64(c), 10)
}

// Group message types carried inside GroupMessage.MsgType.
const (
	GroupMsgText     uint32 = 0
	GroupMsgFile     uint32 = 1
	GroupMsgInvite   uint32 = 3
	GroupMsgLeave    uint32 = 11
	GroupMsgKickout  uint32 = 13
	GroupMsgDissolve uint32 = 16
)

// IsContentBearing reports whether a group message type creates a visible
// conversation entry when it shows up in a read notice.
func IsContentBearing(msgType uint32) bool {
	return msgType == GroupMsgText || msgType == GroupMsgFile || msgType == GroupMsgInvite
}

// Offline message types carried inside OfflineMessage.MsgType.
const (
	OfflineMsgText                uint32 = 0
	OfflineMsgFile                uint32 = 1
	OfflineMsgFriendRequest       uint32 = 2
	OfflineMsgAcceptFriendRequest uint32 = 3
)

// Group error notice codes.
const (
	ErrorCodeNotMember     uint32 = 1
	ErrorCodeNotOwner      uint32 = 2
	ErrorCodeGroupMissing  uint32 = 3
	ErrorCodeAlreadyMember uint32 = 4
)

// Invite notice outcome codes.
const (
	InviteVersionTooLow uint32 = 0
	InviteProcessed     uint32 = 1
	InviteBlocked       uint32 = 2
)

// Join request results sent back by the group owner.
const (
	JoinAccept uint32 = 0
	JoinReject uint32 = 1
)

const (
	DirectionDown uint32 = 0
	DirectionUp   uint32 = 1
)
