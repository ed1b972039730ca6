package protocol

import (
	"encoding/json"
	"fmt"
)

// Command is the tagged-union envelope for every control message exchanged
// over a framed connection. Kind selects which of the optional payload
// fields is populated; unused fields are omitted from the wire encoding.
type Command struct {
	Kind string `json:"kind"`

	// Register / Subscribe / Stream (request side)
	Key       string `json:"key,omitempty"`
	NeedCodec *bool  `json:"need_codec,omitempty"`
	DstID     uint32 `json:"dst_id,omitempty"`

	// Status (request side)
	StatusReq string `json:"status_req,omitempty"` // "remote_id" | "keys"

	// Register (response side)
	ConnID uint32 `json:"conn_id,omitempty"`

	// Subscribe (response side)
	ClientID   uint32 `json:"client_id,omitempty"`
	ServerID   uint32 `json:"server_id,omitempty"`
	SessionKey []byte `json:"session_key,omitempty"`

	// Status (response side)
	StatusRemoteID *StatusRemoteID `json:"status_remote_id,omitempty"`
	StatusKeys     []string        `json:"status_keys,omitempty"`

	// PbServerRequest / LocalServer (agent<->broker keepalive/stream-push)
	// reuse Kind: "ping", "pong", "stream_push" (with ClientID set)
}

// StatusRemoteID is the supplemented raw-registry status payload (SPEC_FULL.md §4.1).
type StatusRemoteID struct {
	ServerMap string `json:"server_map"`
	Active    string `json:"active"`
	Idle      string `json:"idle"`
}

// Command kinds. Values are wire-stable; do not renumber or rename.
const (
	KindRegister     = "register"
	KindRegisterResp = "register_resp"

	KindSubscribe     = "subscribe"
	KindSubscribeResp = "subscribe_resp"

	KindStream     = "stream"
	KindStreamResp = "stream_resp"

	KindStatus     = "status"
	KindStatusResp = "status_resp"

	KindPing = "ping"
	KindPong = "pong"

	// KindStreamPush is sent by the broker down a registered service
	// agent's control connection to request it open a data connection
	// for ClientID.
	KindStreamPush = "stream_push"
)

const (
	StatusReqRemoteID = "remote_id"
	StatusReqKeys     = "keys"
)

// Encode marshals c to its wire form.
func (c *Command) Encode() ([]byte, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", c.Kind, err)
	}
	return b, nil
}

// DecodeCommand unmarshals a wire-form Command.
func DecodeCommand(b []byte) (*Command, error) {
	var c Command
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("protocol: decode command: %w", err)
	}
	return &c, nil
}

// ExpectKind returns an error unless c.Kind == want.
func (c *Command) ExpectKind(want string) error {
	if c.Kind != want {
		return &ErrUnexpectedCommand{Want: want, Got: c.Kind}
	}
	return nil
}
