package hassws

import "encoding/json"

// Wire message types.
const (
	messageTypeAuth        = "auth"
	messageTypeAuthOK      = "auth_ok"
	messageTypeAuthInvalid = "auth_invalid"
	messageTypeResult      = "result"
)

// serverMessage is the envelope every inbound frame decodes into. Only the
// fields relevant to the frame's type are populated.
type serverMessage struct {
	ID      int64           `json:"id"`
	Type    string          `json:"type"`
	Success *bool           `json:"success"`
	Result  json.RawMessage `json:"result"`
	Error   *resultError    `json:"error"`
	Event   json.RawMessage `json:"event"`

	// Handshake-only fields.
	HAVersion string `json:"ha_version"`
	Message   string `json:"message"`
}

// resultError is the error body of a failed result frame.
type resultError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// authMessage is the outbound authentication frame.
type authMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token"`
}

// EventMessage is one subscription push frame as delivered to callbacks.
type EventMessage struct {
	ID    int64           `json:"id"`
	Type  string          `json:"type"`
	Event json.RawMessage `json:"event"`
}

// result is the single-resolution outcome of a pending request.
type result struct {
	value json.RawMessage
	err   error
}

// encodeCommand builds an outbound command frame. The id and type fields
// always win over same-named keys in args.
func encodeCommand(id int64, command string, args map[string]any) ([]byte, error) {
	frame := make(map[string]any, len(args)+2)
	for k, v := range args {
		frame[k] = v
	}
	frame["id"] = id
	frame["type"] = command
	return json.Marshal(frame)
}
