package wire

import (
	"errors"
	"fmt"

	"market_feed/internal/domain"

	"github.com/goccy/go-json"
)

// Control methods.
const (
	MethodSub   = "sub"
	MethodUnsub = "unsub"
)

// StatusSuccess is the only accepting status in an Ack.
const StatusSuccess = "success"

// Command is a subscription command sent to the server.
type Command struct {
	GUID   string      `json:"guid"`
	Method string      `json:"method"`
	Data   CommandData `json:"data"`
}

// CommandData carries the command arguments.
type CommandData struct {
	Mode           string   `json:"mode,omitempty"`
	InstrumentKeys []string `json:"instrumentKeys"`
}

// NewCommand builds a command for keys.
func NewCommand(guid, method, mode string, keys []domain.InstrumentKey) Command {
	ks := make([]string, len(keys))
	for i, k := range keys {
		ks[i] = string(k)
	}
	return Command{GUID: guid, Method: method, Data: CommandData{Mode: mode, InstrumentKeys: ks}}
}

// EncodeCommand marshals c.
func EncodeCommand(c Command) ([]byte, error) {
	if c.GUID == "" {
		return nil, errors.New("command without guid")
	}
	return json.Marshal(c)
}

// DecodeCommand parses a command, as the simulator receives it.
func DecodeCommand(b []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(b, &c); err != nil {
		return Command{}, &domain.DecodeError{Reason: "command", Size: len(b), Err: err}
	}
	return c, nil
}

// Ack is the server's response to a Command.
type Ack struct {
	GUID    string `json:"guid"`
	Method  string `json:"method"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Accepted reports whether the server accepted the command.
func (a Ack) Accepted() bool {
	return a.Status == StatusSuccess
}

// DecodeAck parses a control response.
func DecodeAck(b []byte) (Ack, error) {
	var a Ack
	if err := json.Unmarshal(b, &a); err != nil {
		return Ack{}, &domain.DecodeError{Reason: "control", Size: len(b), Err: err}
	}
	if a.GUID == "" {
		return Ack{}, &domain.DecodeError{Reason: "control", Size: len(b), Err: fmt.Errorf("missing guid")}
	}
	return a, nil
}

// EncodeAck marshals a.
func EncodeAck(a Ack) ([]byte, error) {
	return json.Marshal(a)
}

// IsControl reports whether a payload is a JSON control message rather than a
// protobuf frame. A FeedResponse never starts with '{' (field 15, group).
func IsControl(b []byte) bool {
	return len(b) > 0 && b[0] == '{'
}
