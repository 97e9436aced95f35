// Package protocol defines the messages exchanged between a worker and its
// controller. Every frame carries a session id, a kind and a list of
// kind-specific arguments.
package protocol

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// Kind identifies what a message asks for or reports.
type Kind string

// Inbound kinds (controller -> worker).
const (
	KindRun          Kind = "RUN"
	KindKill         Kind = "KILL"
	KindAddArtifact  Kind = "ADD_ARTIFACT"
	KindSaveArtifact Kind = "SAVE_ARTIFACT"
	KindAddFile      Kind = "ADD_FILE"
	KindRemoveFile   Kind = "REMOVE_FILE"
	KindSetEnv       Kind = "SET_ENV"
)

// Outbound kinds (worker -> controller).
const (
	KindStdout   Kind = "STDOUT"
	KindStderr   Kind = "STDERR"
	KindComplete Kind = "COMPLETE"
)

// Exit codes used in COMPLETE messages for outcomes that are not process exits.
const (
	ExitOK             = 0
	ExitFailure        = 1
	ExitUnknownCommand = 2
)

// Message is the envelope for every frame on the controller connection.
type Message struct {
	SessionID string            `json:"sessionID"`
	Type      Kind              `json:"type"`
	Data      []json.RawMessage `json:"data"`
}

// NewMessage creates a message whose arguments are JSON-encoded from args.
func NewMessage(sessionID string, kind Kind, args ...interface{}) (*Message, error) {
	data := make([]json.RawMessage, 0, len(args))
	for i, arg := range args {
		raw, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("failed to encode argument %d of %s: %w", i, kind, err)
		}
		data = append(data, raw)
	}
	return &Message{SessionID: sessionID, Type: kind, Data: data}, nil
}

// BinaryChunk is the STDOUT/STDERR payload for output that is not valid
// UTF-8. Data holds the bytes base64-encoded.
type BinaryChunk struct {
	Encoding string `json:"encoding"`
	Data     []byte `json:"data"`
}

// EncodingBase64 is the only BinaryChunk encoding.
const EncodingBase64 = "base64"

// NewOutput creates a STDOUT or STDERR message carrying one chunk. Text goes
// out as a JSON string; any other bytes go out as a BinaryChunk so they
// arrive unchanged.
func NewOutput(sessionID string, kind Kind, chunk []byte) *Message {
	var raw []byte
	if utf8.Valid(chunk) {
		raw, _ = json.Marshal(string(chunk))
	} else {
		raw, _ = json.Marshal(BinaryChunk{Encoding: EncodingBase64, Data: chunk})
	}
	return &Message{SessionID: sessionID, Type: kind, Data: []json.RawMessage{raw}}
}

// OutputChunk returns the bytes carried by a STDOUT or STDERR message.
func (m *Message) OutputChunk() ([]byte, error) {
	if len(m.Data) == 0 {
		return nil, fmt.Errorf("%s: missing argument 0", m.Type)
	}
	var text string
	if err := json.Unmarshal(m.Data[0], &text); err == nil {
		return []byte(text), nil
	}
	var bin BinaryChunk
	if err := m.Arg(0, &bin); err != nil {
		return nil, err
	}
	if bin.Encoding != EncodingBase64 {
		return nil, fmt.Errorf("%s: unsupported chunk encoding %q", m.Type, bin.Encoding)
	}
	return bin.Data, nil
}

// NewComplete creates a COMPLETE message. The result is omitted when nil.
func NewComplete(sessionID string, exitCode int, result interface{}) (*Message, error) {
	if result == nil {
		return NewMessage(sessionID, KindComplete, exitCode)
	}
	return NewMessage(sessionID, KindComplete, exitCode, result)
}

// Arg decodes argument i into v.
func (m *Message) Arg(i int, v interface{}) error {
	if i >= len(m.Data) {
		return fmt.Errorf("%s: missing argument %d", m.Type, i)
	}
	if err := json.Unmarshal(m.Data[i], v); err != nil {
		return fmt.Errorf("%s: invalid argument %d: %w", m.Type, i, err)
	}
	return nil
}

// OptionalArg decodes argument i into v when present and not null. It reports
// whether a value was decoded.
func (m *Message) OptionalArg(i int, v interface{}) (bool, error) {
	if i >= len(m.Data) || string(m.Data[i]) == "null" {
		return false, nil
	}
	if err := m.Arg(i, v); err != nil {
		return false, err
	}
	return true, nil
}

// StringArgs decodes the first len(dst) arguments as strings.
func (m *Message) StringArgs(dst ...*string) error {
	for i, d := range dst {
		if err := m.Arg(i, d); err != nil {
			return err
		}
	}
	return nil
}

// Encode serialises the message to its wire form.
func Encode(m *Message) ([]byte, error) {
	if m.Data == nil {
		m = &Message{SessionID: m.SessionID, Type: m.Type, Data: []json.RawMessage{}}
	}
	return json.Marshal(m)
}

// Decode parses a wire frame into a message.
func Decode(frame []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(frame, &m); err != nil {
		return nil, fmt.Errorf("invalid message frame: %w", err)
	}
	if m.Type == "" {
		return nil, fmt.Errorf("invalid message frame: missing type")
	}
	return &m, nil
}
