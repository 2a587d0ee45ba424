package chzzk

import (
	"encoding/json"
	"fmt"
)

// Socket.io event names used by the chat stream.
const (
	EventSystem = "SYSTEM"
	EventChat   = "CHAT"
)

// System event types.
const (
	SystemConnected    = "connected"
	SystemSubscribed   = "subscribed"
	SystemUnsubscribed = "unsubscribed"
	SystemRevoked      = "revoked"
)

// SystemEvent carries session lifecycle notices.
type SystemEvent struct {
	Type string `json:"type"`
	Data struct {
		SessionKey string `json:"sessionKey"`
		EventType  string `json:"eventType"`
		ChannelID  string `json:"channelId"`
	} `json:"data"`
}

// ChatProfile is the sender's profile attached to a chat event.
type ChatProfile struct {
	Nickname     string `json:"nickname"`
	UserRoleCode string `json:"userRoleCode"`
}

// ChatEvent is one chat line.
type ChatEvent struct {
	ChannelID       string      `json:"channelId"`
	SenderChannelID string      `json:"senderChannelId"`
	Content         string      `json:"content"`
	MessageTime     int64       `json:"messageTime"`
	Profile         ChatProfile `json:"profile"`
}

// eventPayload unwraps data that is either a JSON object or a JSON string
// holding one.
func eventPayload(raw json.RawMessage) ([]byte, error) {
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return []byte(s), nil
	}
	return raw, nil
}

// DecodeSystem parses SYSTEM event data.
func DecodeSystem(raw json.RawMessage) (SystemEvent, error) {
	var ev SystemEvent
	b, err := eventPayload(raw)
	if err != nil {
		return ev, fmt.Errorf("system event: %w", err)
	}
	if err := json.Unmarshal(b, &ev); err != nil {
		return ev, fmt.Errorf("system event: %w", err)
	}
	return ev, nil
}

// DecodeChat parses CHAT event data.
func DecodeChat(raw json.RawMessage) (ChatEvent, error) {
	var ev ChatEvent
	b, err := eventPayload(raw)
	if err != nil {
		return ev, fmt.Errorf("chat event: %w", err)
	}
	if err := json.Unmarshal(b, &ev); err != nil {
		return ev, fmt.Errorf("chat event: %w", err)
	}
	return ev, nil
}
