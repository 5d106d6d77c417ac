package relaycmd

// GroupMessage is one message stored by the group relay. MsgID values are
// assigned by the relay and strictly increase per group; PrevMsgID and
// NextMsgID link neighbours so gaps can be detected without a full scan.
type GroupMessage struct {
	GroupID         uint64 `json:"group_id"`
	MsgID           int64  `json:"msg_id"`
	PrevMsgID       int64  `json:"prev_msg_id"`
	NextMsgID       int64  `json:"next_msg_id,omitempty"`
	MsgType         uint32 `json:"msg_type"`
	SenderKey       string `json:"sender_key,omitempty"`
	SenderName      string `json:"sender_name,omitempty"`
	Body            []byte `json:"body,omitempty"`
	FileName        string `json:"file_name,omitempty"`
	FileDisplayName string `json:"file_display_name,omitempty"`
	FileSize        int64  `json:"file_size,omitempty"`
	CreateTime      int64  `json:"create_time"`
}

// GroupMessageRequest is what the local user posts to a group.
type GroupMessageRequest struct {
	GroupID    uint64 `json:"group_id"`
	SenderKey  string `json:"sender_key"`
	MsgType    uint32 `json:"msg_type"`
	Text       string `json:"text,omitempty"`
	FileName   string `json:"file_name,omitempty"`
	FileSize   int64  `json:"file_size,omitempty"`
	LocalMsgID int64  `json:"local_msg_id"`
}

type GroupRead struct {
	GroupID     uint64        `json:"group_id"`
	LatestMsgID int64         `json:"latest_msg_id"`
	LeftCount   int           `json:"left_count"`
	LastMsg     *GroupMessage `json:"last_msg,omitempty"`
}

type GroupReadNotice struct {
	Reads []GroupRead `json:"reads"`
}

type GroupErrorNotice struct {
	GroupID uint64 `json:"group_id"`
	Code    uint32 `json:"code"`
}

type GroupInviteNotice struct {
	GroupID     uint64 `json:"group_id"`
	Code        uint32 `json:"code"`
	InviterKey  string `json:"inviter_key,omitempty"`
	InviteeKey  string `json:"invitee_key,omitempty"`
	InviterName string `json:"inviter_name,omitempty"`
	InviteeName string `json:"invitee_name,omitempty"`
}

// GroupInviteRequest asks the relay to add InviteeKey to a group. Joining a
// group is an invite addressed to oneself.
type GroupInviteRequest struct {
	GroupID    uint64 `json:"group_id"`
	InviteeKey string `json:"invitee_key"`
}

// GroupPeerNotice is the body of leave and kickout messages.
type GroupPeerNotice struct {
	GroupID  uint64 `json:"group_id"`
	PeerKey  string `json:"peer_key,omitempty"`
	PeerName string `json:"peer_name,omitempty"`
}

type GroupDissolveNotice struct {
	GroupID uint64 `json:"group_id"`
}

type GroupJoinInfo struct {
	GroupID    uint64 `json:"group_id"`
	InviterKey string `json:"inviter_key"`
	Title      string `json:"title,omitempty"`
	Remark     string `json:"remark,omitempty"`
}

type GroupJoinRequest struct {
	Infos []GroupJoinInfo `json:"infos"`
}

type GroupJoinResponse struct {
	GroupID uint64 `json:"group_id"`
	Result  uint32 `json:"result"`
}

type GroupPullRequest struct {
	GroupID    uint64 `json:"group_id"`
	Direction  uint32 `json:"direction"`
	Tail       bool   `json:"tail"`
	StartMsgID int64  `json:"start_msg_id"`
	EndMsgID   int64  `json:"end_msg_id"`
	Count      uint32 `json:"count"`
}

// GroupPullResponse is one page of a pull. A nil Messages slice means the
// relay could not serve the range; End marks the final page.
type GroupPullResponse struct {
	GroupID    uint64         `json:"group_id"`
	Direction  uint32         `json:"direction"`
	Tail       bool           `json:"tail"`
	StartMsgID int64          `json:"start_msg_id"`
	EndMsgID   int64          `json:"end_msg_id"`
	End        bool           `json:"end"`
	Messages   []GroupMessage `json:"messages"`
}

type GroupInfoRequest struct {
	GroupID uint64 `json:"group_id"`
}

type GroupInfoResponse struct {
	GroupID      uint64 `json:"group_id"`
	Name         string `json:"name"`
	OwnerKey     string `json:"owner_key,omitempty"`
	MembersCount int    `json:"members_count"`
	Remark       string `json:"remark,omitempty"`
	ShareID      string `json:"share_id,omitempty"`
	Type         int    `json:"type"`
	Status       int    `json:"status"`
}

// OfflineMessageRequest stores a message at the offline relay for ToKey.
type OfflineMessageRequest struct {
	LocalMsgID    int64  `json:"local_msg_id"`
	ToKey         string `json:"to_key"`
	MsgType       uint32 `json:"msg_type"`
	CryptoMessage []byte `json:"crypto_message,omitempty"`
	FileName      string `json:"file_name,omitempty"`
	FileSize      int64  `json:"file_size,omitempty"`
}

type OfflineMessage struct {
	MsgID           int64  `json:"msg_id"`
	MsgType         uint32 `json:"msg_type"`
	SenderKey       string `json:"sender_key"`
	Content         []byte `json:"content,omitempty"`
	FileDisplayName string `json:"file_display_name,omitempty"`
	FileSize        int64  `json:"file_size,omitempty"`
	CreateTime      int64  `json:"create_time"`
}

type OfflinePullRequest struct{}

type OfflinePullResponse struct {
	Messages []OfflineMessage `json:"messages"`
}

// OfflineDelRequest acknowledges every stored message up to LastMsgID.
type OfflineDelRequest struct {
	LastMsgID int64 `json:"last_msg_id"`
}

// DirectMessage is the payload sent straight to a connected friend.
type DirectMessage struct {
	Kind     string `json:"kind"`
	Text     string `json:"text,omitempty"`
	FileName string `json:"file_name,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
}
