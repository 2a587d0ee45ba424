package command

import "context"

// Chat roles as reported in a chat event profile.
const (
	RoleStreamer       = "streamer"
	RoleChannelManager = "streaming_channel_manager"
	RoleChatManager    = "streaming_chat_manager"
	RoleCommonUser     = "common_user"
)

// Message is one inbound chat line.
type Message struct {
	ChannelID string
	Text      string
	Role      string
	UserID    string
	UserName  string
}

// Elevated reports whether the sender may run administrative commands.
func (m Message) Elevated() bool {
	switch m.Role {
	case RoleStreamer, RoleChannelManager, RoleChatManager:
		return true
	}
	return false
}

// Sender delivers a reply into the channel the message came from.
type Sender interface {
	Send(ctx context.Context, text string) error
}
