package dashboard

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Producer handshake values.
const (
	WhoServer   = "server"
	PayloadInit = "init"
)

// CommandUpdate is the command of a table change event.
const CommandUpdate = "update"

var errMalformed = errors.New("malformed message")

// Envelope is every message a connection sends to the broadcaster.
type Envelope struct {
	Who     string          `json:"who"`
	Payload json.RawMessage `json:"payload"`
}

// IsInit reports whether e is the producer handshake.
func (e Envelope) IsInit() bool {
	if e.Who != WhoServer {
		return false
	}
	var s string
	return json.Unmarshal(e.Payload, &s) == nil && s == PayloadInit
}

// parseEnvelope decodes one inbound message. Both keys must be present.
func parseEnvelope(data []byte) (Envelope, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", errMalformed, err)
	}
	who, okWho := raw["who"]
	payload, okPayload := raw["payload"]
	if !okWho || !okPayload || len(raw) != 2 {
		return Envelope{}, fmt.Errorf("%w: want exactly who and payload", errMalformed)
	}

	var e Envelope
	if err := json.Unmarshal(who, &e.Who); err != nil {
		return Envelope{}, fmt.Errorf("%w: who: %v", errMalformed, err)
	}
	e.Payload = payload
	return e, nil
}

// ChangeEvent announces that a mirrored table was rewritten.
type ChangeEvent struct {
	Command  string `json:"command"`
	Program  string `json:"program"`
	OfmlPart string `json:"ofml_part"`
	Table    string `json:"table"`
}

// NewChange returns an update event.
func NewChange(program, part, table string) ChangeEvent {
	return ChangeEvent{Command: CommandUpdate, Program: program, OfmlPart: part, Table: table}
}
