package inbound

// System message texts shown in group conversations.
const (
	textRemovedSelf    = "You were removed from this group"
	textDissolved      = "Group was dissolved"
	textVersionTooLow  = "%s's app version is too low to be invited"
	textJoined         = "%s joined group"
	textInvitedYou     = "%s invited you to the group chat"
	textYouInvited     = "You invited %s to the group chat"
	textInvitedOther   = "%s invited %s to the group chat"
	textLeft           = "%s left the group"
	textRemovedOther   = "%s was removed from this group"
	textUnknownSomeone = "Someone"
)
