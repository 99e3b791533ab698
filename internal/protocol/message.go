package protocol

import "sync"

// Reserved control identifiers. Application code must not use them as requests.
const (
	RequestMagic       = "__SEND_MAGIC__"
	RequestCredentials = "__SEND_CREDENTIALS__"
	Accepted           = "__AUTHENTICATED__"
	SendMagic          = "__MAGIC__"
	SendCredentials    = "__CREDENTIALS__"
	Heartbeat          = "__HEART_BEAT__"
)

var reserved = map[string]struct{}{
	RequestMagic:       {},
	RequestCredentials: {},
	Accepted:           {},
	SendMagic:          {},
	SendCredentials:    {},
	Heartbeat:          {},
}

// IsReserved reports whether request is one of the control identifiers.
func IsReserved(request string) bool {
	_, ok := reserved[request]
	return ok
}

// Sender puts a message on the wire. A decoded message keeps the Sender it
// arrived on so Respond can route the reply back.
type Sender interface {
	SendMessage(msg *Message) error
}

// ReplyFunc is invoked with the message answering an earlier send.
type ReplyFunc func(reply *Message)

// Message is one wire record plus the local-only state used for correlation.
// Only the tagged fields are ever encoded.
type Message struct {
	Request    string `json:"request,omitempty"`
	Params     []any  `json:"params,omitempty"`
	Success    *bool  `json:"success,omitempty"` // nil for requests, set for replies
	ID         string `json:"id,omitempty"`
	ResponseTo string `json:"responseTo,omitempty"`

	mu        sync.Mutex
	sender    Sender
	callbacks []ReplyFunc
	delivered bool
	inReplyTo *Message
}

// New creates a request message.
func New(request string, params ...any) *Message {
	return &Message{Request: request, Params: params}
}

// NewReply creates a reply with an explicit outcome.
func NewReply(success bool, text string, params ...any) *Message {
	return &Message{Request: text, Params: params, Success: &success}
}

// Succeeded creates a successful reply.
func Succeeded(text string, params ...any) *Message {
	return NewReply(true, text, params...)
}

// Failed creates a failed reply whose request carries the reason.
func Failed(reason string) *Message {
	return NewReply(false, reason)
}

// IsReply reports whether the outcome field is present.
func (m *Message) IsReply() bool {
	return m.Success != nil
}

// IsFailure reports whether the message is a reply with a false outcome.
func (m *Message) IsFailure() bool {
	return m.Success != nil && !*m.Success
}

func (m *Message) IsHeartbeat() bool {
	return m.Request == Heartbeat
}

// Sender returns the connection the message was received on, or nil for
// locally built messages.
func (m *Message) Sender() Sender {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sender
}

// SetSender attaches the owning connection.
func (m *Message) SetSender(s Sender) {
	m.mu.Lock()
	m.sender = s
	m.mu.Unlock()
}

// AssignID gives the message an id if it has none. taken reports ids already
// in use on the sending connection.
func (m *Message) AssignID(taken func(id string) bool) string {
	if m.ID == "" {
		m.ID = GenerateID(taken)
	}
	return m.ID
}

// Respond sends reply back over the connection m was received on, marking it
// as the answer to m.
func (m *Message) Respond(reply *Message) error {
	reply.ResponseTo = m.ID
	sender := m.Sender()
	if sender == nil {
		return ErrNotRoutable
	}
	return sender.SendMessage(reply)
}

// OnReply registers fn to run when the reply to m arrives.
func (m *Message) OnReply(fn ReplyFunc) {
	m.mu.Lock()
	m.callbacks = append(m.callbacks, fn)
	m.mu.Unlock()
}

// DeliverReply runs the registered reply callbacks in registration order.
// It does so at most once per message and reports whether this call did it.
func (m *Message) DeliverReply(reply *Message) bool {
	m.mu.Lock()
	if m.delivered {
		m.mu.Unlock()
		return false
	}
	m.delivered = true
	callbacks := m.callbacks
	m.callbacks = nil
	m.mu.Unlock()

	reply.mu.Lock()
	reply.inReplyTo = m
	reply.mu.Unlock()

	for _, fn := range callbacks {
		fn(reply)
	}
	return true
}

// InReplyTo returns the original message this one answered, once correlated.
func (m *Message) InReplyTo() *Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inReplyTo
}

// Param returns the i-th parameter, or nil when out of range.
func (m *Message) Param(i int) any {
	if i < 0 || i >= len(m.Params) {
		return nil
	}
	return m.Params[i]
}

// StringParam returns the i-th parameter when it is a string.
func (m *Message) StringParam(i int) (string, bool) {
	s, ok := m.Param(i).(string)
	return s, ok
}
