package gateway

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Wire event names, matching what the dashboard front-end listens for.
const (
	EventConnect            = "tg_connect"
	EventConnectSuccess     = "tg_connect_success"
	EventConnectError       = "tg_connect_error"
	EventSubscribe          = "tg_subscribe_to_updates"
	EventSubscribeError     = "tg_subscribe_to_updates_error"
	EventSendMessage        = "tg_send_message"
	EventSendMessageError   = "tg_send_message_error"
	EventFetchMessages      = "tg_fetch_messages"
	EventFetchMessagesError = "tg_fetch_messages_error"
)

// Frame is the envelope for every viewer-facing websocket message.
type Frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func encodeFrame(event string, payload interface{}) ([]byte, error) {
	f := Frame{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		f.Payload = data
	}
	return json.Marshal(f)
}

// ErrorPayload carries a failure back to the requesting viewer, together with
// the request that caused it.
type ErrorPayload struct {
	Reason  string          `json:"reason"`
	Request json.RawMessage `json:"request,omitempty"`
}

// ConnectRequest is the optional payload of a connect event. Empty fields
// fall back to the process defaults. Both spellings of the token field are
// accepted; sessionToken wins when a client sends both.
type ConnectRequest struct {
	AppID        int    `json:"appId"`
	AppHash      string `json:"appHash"`
	SessionToken string `json:"sessionToken"`
	Session      string `json:"session"`
}

func (r ConnectRequest) token() string {
	if r.SessionToken != "" {
		return r.SessionToken
	}
	return r.Session
}

func (r ConnectRequest) empty() bool {
	return r.AppID == 0 && r.AppHash == "" && r.token() == ""
}

// FetchRequest asks for channel history. Limit tolerates sloppy clients: a
// JSON string holding a number is accepted, anything unusable reads as zero
// and the session manager substitutes its default.
type FetchRequest struct {
	Channel string   `json:"channel"`
	Limit   looseInt `json:"limit"`
}

type looseInt int

func (l *looseInt) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*l = 0
		return nil
	}
	s = strings.Trim(s, `"`)
	n, err := strconv.Atoi(s)
	if err != nil {
		*l = 0
		return nil
	}
	*l = looseInt(n)
	return nil
}
