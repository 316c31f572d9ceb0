package protocol

import (
	"errors"
	"fmt"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
)

const Version = "2.0"

// Method names carried over either session transport.
const (
	MethodPing                  = "ping"
	MethodResourcesSubscribe    = "resources/subscribe"
	MethodResourcesUnsubscribe  = "resources/unsubscribe"
	MethodTasksCreate           = "tasks/create"
	MethodTasksGet              = "tasks/get"
	MethodTasksResult           = "tasks/result"
	MethodTasksCancel           = "tasks/cancel"
	MethodTasksList             = "tasks/list"
	MethodSubscriptionsToggle   = "subscriptions/toggle"
	MethodElicitationCreate     = "elicitation/create"
	NotificationResourceUpdated = "notifications/resources/updated"
	NotificationTaskStatus      = "notifications/tasks/status"
)

// JSON-RPC error codes. The -3200x range is application defined.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeTaskNotFound   = -32001
	CodeTaskNotReady   = -32002
	CodeInvalidState   = -32003
)

var ErrInvalidMessage = errors.New("invalid json-rpc message")

// Message is a JSON-RPC 2.0 request, notification, or response. Which one it
// is depends on the populated fields.
type Message struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      jsontext.Value `json:"id,omitzero"`
	Method  string         `json:"method,omitzero"`
	Params  jsontext.Value `json:"params,omitzero"`
	Result  jsontext.Value `json:"result,omitzero"`
	Error   *Error         `json:"error,omitzero"`
}

type Error struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitzero"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("json-rpc error %d: %s", e.Code, e.Message)
}

func (m Message) IsRequest() bool      { return m.Method != "" && len(m.ID) > 0 }
func (m Message) IsNotification() bool { return m.Method != "" && len(m.ID) == 0 }
func (m Message) IsResponse() bool     { return m.Method == "" && len(m.ID) > 0 }

// IDKey returns a comparable form of the id. String and numeric ids never
// collide because the string form keeps its quotes.
func (m Message) IDKey() string {
	return string(m.ID)
}

// DecodeParams unmarshals params into dst. Missing params decode as {}.
func (m Message) DecodeParams(dst any) error {
	raw := m.Params
	if len(raw) == 0 {
		raw = jsontext.Value("{}")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &Error{Code: CodeInvalidParams, Message: err.Error()}
	}
	return nil
}

func (m Message) DecodeResult(dst any) error {
	if m.Error != nil {
		return m.Error
	}
	if len(m.Result) == 0 {
		return fmt.Errorf("%w: response has no result", ErrInvalidMessage)
	}
	return json.Unmarshal(m.Result, dst)
}

// StringID encodes id as a JSON string id.
func StringID(id string) jsontext.Value {
	raw, _ := json.Marshal(id)
	return jsontext.Value(raw)
}

func NewRequest(id jsontext.Value, method string, params any) (Message, error) {
	raw, err := encodeField(params)
	if err != nil {
		return Message{}, err
	}
	return Message{JSONRPC: Version, ID: id, Method: method, Params: raw}, nil
}

func NewNotification(method string, params any) (Message, error) {
	raw, err := encodeField(params)
	if err != nil {
		return Message{}, err
	}
	return Message{JSONRPC: Version, Method: method, Params: raw}, nil
}

func NewResult(id jsontext.Value, result any) (Message, error) {
	raw, err := encodeField(result)
	if err != nil {
		return Message{}, err
	}
	if len(raw) == 0 {
		raw = jsontext.Value("{}")
	}
	return Message{JSONRPC: Version, ID: id, Result: raw}, nil
}

func NewError(id jsontext.Value, code int, message string, data map[string]any) Message {
	return Message{JSONRPC: Version, ID: id, Error: &Error{Code: code, Message: message, Data: data}}
}

// Parse decodes and validates one inbound message.
func Parse(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if msg.JSONRPC != Version {
		return Message{}, fmt.Errorf("%w: jsonrpc must be %q", ErrInvalidMessage, Version)
	}
	if msg.Method == "" && len(msg.ID) == 0 {
		return Message{}, fmt.Errorf("%w: neither method nor id present", ErrInvalidMessage)
	}
	if msg.IsResponse() && msg.Error == nil && len(msg.Result) == 0 {
		return Message{}, fmt.Errorf("%w: response carries neither result nor error", ErrInvalidMessage)
	}
	return msg, nil
}

func Encode(msg Message) ([]byte, error) {
	if msg.JSONRPC == "" {
		msg.JSONRPC = Version
	}
	return json.Marshal(msg)
}

func encodeField(v any) (jsontext.Value, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(jsontext.Value); ok {
		return raw, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsontext.Value(raw), nil
}
