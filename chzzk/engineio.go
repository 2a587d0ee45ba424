package chzzk

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Engine.io v3 packet types, as the first byte of each text frame.
const (
	engineOpen    = '0'
	engineClose   = '1'
	enginePing    = '2'
	enginePong    = '3'
	engineMessage = '4'
)

// Socket.io packet types, as the byte after engineMessage.
const (
	socketConnect    = '0'
	socketDisconnect = '1'
	socketEvent      = '2'
	socketError      = '4'
)

// frame is a decoded text frame.
type frame struct {
	engine byte
	socket byte
	event  string
	data   json.RawMessage
	open   openPayload
}

type openPayload struct {
	SID          string `json:"sid"`
	PingInterval int64  `json:"pingInterval"`
	PingTimeout  int64  `json:"pingTimeout"`
}

func (o openPayload) interval() time.Duration {
	if o.PingInterval <= 0 {
		return 25 * time.Second
	}
	return time.Duration(o.PingInterval) * time.Millisecond
}

var errEmptyFrame = errors.New("empty frame")

// decodeFrame parses one engine.io text frame and, for message packets, the
// socket.io packet inside it.
func decodeFrame(msg string) (frame, error) {
	if msg == "" {
		return frame{}, errEmptyFrame
	}
	f := frame{engine: msg[0]}
	body := msg[1:]
	switch f.engine {
	case engineOpen:
		if body != "" {
			if err := json.Unmarshal([]byte(body), &f.open); err != nil {
				return f, fmt.Errorf("open packet: %w", err)
			}
		}
		return f, nil
	case engineMessage:
	default:
		return f, nil
	}
	if body == "" {
		return f, fmt.Errorf("message packet without socket type")
	}
	f.socket = body[0]
	if f.socket != socketEvent {
		return f, nil
	}
	payload := body[1:]
	// optional namespace ("/nsp,") and ack id digits precede the array
	if i := strings.IndexByte(payload, '['); i >= 0 {
		payload = payload[i:]
	}
	var args []json.RawMessage
	if err := json.Unmarshal([]byte(payload), &args); err != nil {
		return f, fmt.Errorf("event packet: %w", err)
	}
	if len(args) == 0 {
		return f, fmt.Errorf("event packet without name")
	}
	if err := json.Unmarshal(args[0], &f.event); err != nil {
		return f, fmt.Errorf("event name: %w", err)
	}
	if len(args) > 1 {
		f.data = args[1]
	}
	return f, nil
}

// EncodeEvent builds a socket.io event frame.
func EncodeEvent(name string, data any) (string, error) {
	b, err := json.Marshal([]any{name, data})
	if err != nil {
		return "", err
	}
	return string([]byte{engineMessage, socketEvent}) + string(b), nil
}

// socketURL turns the session URL handed out by the API into the websocket
// endpoint, keeping its query (the auth parameter) intact.
func socketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse session url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported session url scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/socket.io/"
	}
	q := u.Query()
	q.Set("EIO", "3")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}
