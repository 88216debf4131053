package models

import (
	"encoding/json"

	"github.com/blekey-server/blekey-server/pkg/blekey"
)

// MessageType is the "type" of a message sent to bridge clients
type MessageType string

const (
	MessageDevices MessageType = "devices"
	MessageKeyInfo MessageType = "key_info"
	MessageEvents  MessageType = "events"
	MessageStatus  MessageType = "status"
	MessageLog     MessageType = "log"
	MessageError   MessageType = "error"
)

// Action is the "action" of a request from a bridge client
type Action string

const (
	ActionScan        Action = "scan"
	ActionConnect     Action = "connect"
	ActionDisconnect  Action = "disconnect"
	ActionReadKey     Action = "read_key"
	ActionReadEvents  Action = "read_events"
	ActionClearEvents Action = "clear_events"
	ActionSetCodes    Action = "set_codes"
)

// Log levels used in log messages
const (
	LevelInfo    = "info"
	LevelSuccess = "success"
	LevelWarn    = "warn"
	LevelError   = "error"
)

// Request is one action sent by a bridge client. Fields not used by an
// action are ignored.
type Request struct {
	Action  Action `json:"action" validate:"required"`
	Address string `json:"address,omitempty"`
	Clear   bool   `json:"clear,omitempty"`
	SysCode string `json:"syscode,omitempty"`
	RegCode string `json:"regcode,omitempty"`
}

// ConnectRequest is the validated form of a connect action
type ConnectRequest struct {
	Address string `validate:"required"`
}

// SetCodesRequest is the validated form of a set_codes action
type SetCodesRequest struct {
	SysCode string `validate:"required,hex=8"`
	RegCode string `validate:"required,hex=8"`
}

// Message is sent to bridge clients. Only the fields of its type are set.
type Message struct {
	Type MessageType `json:"type"`

	Devices json.RawMessage `json:"devices,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`

	Message string `json:"message,omitempty"`
	Level   string `json:"level,omitempty"`

	Connected     *bool  `json:"connected,omitempty"`
	Authenticated *bool  `json:"authenticated,omitempty"`
	Device        string `json:"device,omitempty"`
}

// EventEntry is one element of an events message: a decoded record or
// the reason a position could not be read
type EventEntry struct {
	Event *blekey.Event
	Pos   int
	Error string
}

// MarshalJSON flattens the record next to the failure fields
func (e EventEntry) MarshalJSON() ([]byte, error) {
	if e.Event != nil {
		return json.Marshal(e.Event)
	}
	return json.Marshal(struct {
		Pos   int    `json:"pos"`
		Error string `json:"error"`
	}{e.Pos, e.Error})
}

// EventEntries merges a batch into fetch order
func EventEntries(batch blekey.EventBatch) []EventEntry {
	out := make([]EventEntry, 0, len(batch.Events)+len(batch.Failures))
	ev, fail := 0, 0
	for ev < len(batch.Events) || fail < len(batch.Failures) {
		if fail >= len(batch.Failures) || (ev < len(batch.Events) && batch.Events[ev].Index < batch.Failures[fail].Index) {
			e := batch.Events[ev]
			out = append(out, EventEntry{Event: &e})
			ev++
			continue
		}
		f := batch.Failures[fail]
		out = append(out, EventEntry{Pos: f.Index, Error: f.Error})
		fail++
	}
	return out
}

// NewLog builds a log message
func NewLog(level, message string) Message {
	return Message{Type: MessageLog, Message: message, Level: level}
}

// NewError builds an error message
func NewError(message string) Message {
	return Message{Type: MessageError, Message: message}
}

// NewStatus builds a status message
func NewStatus(connected, authenticated bool, device string) Message {
	return Message{Type: MessageStatus, Connected: &connected, Authenticated: &authenticated, Device: device}
}

// NewDevices builds a devices message; an empty scan still yields a list
func NewDevices(devices []blekey.DiscoveredDevice) (Message, error) {
	if devices == nil {
		devices = []blekey.DiscoveredDevice{}
	}
	raw, err := json.Marshal(devices)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: MessageDevices, Devices: raw}, nil
}

// NewData builds a message whose payload goes under "data"
func NewData(t MessageType, v interface{}) (Message, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: t, Data: raw}, nil
}
