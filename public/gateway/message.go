package gateway

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/fjagego/fjage/internal/wire"
)

// Performative is the communicative-act tag carried on every message.
type Performative int

// The closed set of performatives carried on a message.
const (
	None Performative = iota
	Request
	Agree
	Refuse
	Failure
	Inform
	Confirm
	Disconfirm
	QueryIf
	NotUnderstood
	CFP
	Propose
	Cancel
)

var performativeNames = [...]string{
	"NONE", "REQUEST", "AGREE", "REFUSE", "FAILURE", "INFORM", "CONFIRM",
	"DISCONFIRM", "QUERY_IF", "NOT_UNDERSTOOD", "CFP", "PROPOSE", "CANCEL",
}

// String renders the performative as its wire token.
func (p Performative) String() string {
	if p < 0 || int(p) >= len(performativeNames) {
		return "NONE"
	}
	return performativeNames[p]
}

func parsePerformative(s string) Performative {
	for i, name := range performativeNames {
		if name == s {
			return Performative(i)
		}
	}
	return None
}

// MessageBuilder is an outbound message under construction. Apart from ID,
// only setters and adders are defined on it; its attributes, recipient and
// in-reply-to cannot be read back before it is sent. Once handed to Gateway.Send or
// Gateway.Request it is considered consumed: every setter and adder on it
// becomes a silent no-op, and sending it again fails with
// ErrInvalidArgument, so the same handle can't be mutated and resent under
// its original id.
type MessageBuilder struct {
	id           string
	clazz        string
	performative Performative
	recipient    AID
	inReplyTo    string
	attrs        map[string]any
	order        []string
	sent         bool
}

// NewMessage starts a new outbound message of the given class and
// performative. The id is assigned immediately (a 128-bit random token), not
// deferred to send time.
func NewMessage(clazz string, performative Performative) *MessageBuilder {
	return &MessageBuilder{
		id:           uuid.New().String(),
		clazz:        clazz,
		performative: performative,
		attrs:        make(map[string]any),
	}
}

// ID returns the id assigned to this message at creation.
func (b *MessageBuilder) ID() string { return b.id }

// SetRecipient sets the destination AID. A no-op once the message has been
// consumed by Send or Request.
func (b *MessageBuilder) SetRecipient(aid AID) {
	if b.sent {
		return
	}
	b.recipient = aid
}

// SetInReplyTo marks this message as answering the request with the given
// id. A no-op once the message has been consumed by Send or Request.
func (b *MessageBuilder) SetInReplyTo(id string) {
	if b.sent {
		return
	}
	b.inReplyTo = id
}

func (b *MessageBuilder) set(key string, value any) {
	if b.sent {
		return
	}
	if _, exists := b.attrs[key]; !exists {
		b.order = append(b.order, key)
	}
	b.attrs[key] = value
}

// AddString adds a string-valued attribute.
func (b *MessageBuilder) AddString(key, value string) { b.set(key, value) }

// AddInt adds an integer-valued attribute.
func (b *MessageBuilder) AddInt(key string, value int64) { b.set(key, value) }

// AddFloat adds a floating-point-valued attribute.
func (b *MessageBuilder) AddFloat(key string, value float64) { b.set(key, value) }

// AddBool adds a boolean-valued attribute.
func (b *MessageBuilder) AddBool(key string, value bool) { b.set(key, value) }

// AddByteArray adds a byte-array-valued attribute. The slice is copied.
func (b *MessageBuilder) AddByteArray(key string, value []byte) {
	cp := make([]byte, len(value))
	copy(cp, value)
	b.set(key, cp)
}

// AddFloatArray adds a floating-point-array-valued attribute. The slice is
// copied.
func (b *MessageBuilder) AddFloatArray(key string, value []float32) {
	cp := make([]float32, len(value))
	copy(cp, value)
	b.set(key, cp)
}

// consume marks the builder sent, failing if it already was. Gateway.Send
// and Gateway.Request call this before transmitting so the same builder
// can't go out twice under its original id.
func (b *MessageBuilder) consume() error {
	if b.sent {
		return ErrInvalidArgument
	}
	b.sent = true
	return nil
}

// toWire converts the builder to its wire representation, stamping sender
// with the gateway's own synthetic AID.
func (b *MessageBuilder) toWire(sender AID) (*wire.Message, error) {
	data := make(map[string]json.RawMessage, len(b.attrs))
	for k, v := range b.attrs {
		raw, err := wire.EncodeAttr(v)
		if err != nil {
			return nil, err
		}
		data[k] = raw
	}
	return &wire.Message{
		Clazz:        b.clazz,
		ID:           b.id,
		Performative: b.performative.String(),
		Sender:       sender.String(),
		Recipient:    b.recipient.String(),
		InReplyTo:    b.inReplyTo,
		Data:         data,
	}, nil
}

// Message is a received, read-only application message. Getters accept a
// default value, returned whenever the key is absent or holds a value of a
// different type, rather than an error.
type Message struct {
	id           string
	clazz        string
	performative Performative
	sender       AID
	recipient    AID
	inReplyTo    string
	attrs        map[string]any
}

func messageFromWire(w *wire.Message) (*Message, error) {
	attrs := make(map[string]any, len(w.Data))
	for k, raw := range w.Data {
		v, err := wire.DecodeAttr(raw)
		if err != nil {
			continue // drop a single bad attribute rather than failing the whole message
		}
		attrs[k] = v
	}
	return &Message{
		id:           w.ID,
		clazz:        w.Clazz,
		performative: parsePerformative(w.Performative),
		sender:       ParseAID(w.Sender),
		recipient:    ParseAID(w.Recipient),
		inReplyTo:    w.InReplyTo,
		attrs:        attrs,
	}, nil
}

// ID returns the message's globally unique id.
func (m *Message) ID() string { return m.id }

// Clazz returns the fully qualified message class name.
func (m *Message) Clazz() string { return m.clazz }

// Performative returns the message's performative.
func (m *Message) Performative() Performative { return m.performative }

// Sender returns the AID that sent this message.
func (m *Message) Sender() AID { return m.sender }

// Recipient returns the AID this message was addressed to.
func (m *Message) Recipient() AID { return m.recipient }

// InReplyTo returns the id of the request this message answers, or "" if
// this message is not a reply.
func (m *Message) InReplyTo() string { return m.inReplyTo }

// GetString returns the string attribute at key, or def if absent or of a
// different type.
func (m *Message) GetString(key, def string) string {
	if v, ok := m.attrs[key].(string); ok {
		return v
	}
	return def
}

// GetInt returns the integer attribute at key, or def if absent or of a
// different type.
func (m *Message) GetInt(key string, def int64) int64 {
	if v, ok := m.attrs[key].(int64); ok {
		return v
	}
	return def
}

// GetFloat returns the floating-point attribute at key, or def if absent or
// of a different type.
func (m *Message) GetFloat(key string, def float64) float64 {
	if v, ok := m.attrs[key].(float64); ok {
		return v
	}
	return def
}

// GetBool returns the boolean attribute at key, or def if absent or of a
// different type.
func (m *Message) GetBool(key string, def bool) bool {
	if v, ok := m.attrs[key].(bool); ok {
		return v
	}
	return def
}

// GetByteArray copies up to len(dst) bytes of the byte-array attribute at
// key into dst and returns the attribute's full length. Passing a nil dst
// probes the length without copying.
func (m *Message) GetByteArray(key string, dst []byte) int {
	v, ok := m.attrs[key].([]byte)
	if !ok {
		return 0
	}
	if dst != nil {
		copy(dst, v)
	}
	return len(v)
}

// GetFloatArray copies up to len(dst) elements of the float-array attribute
// at key into dst and returns the attribute's full length. Passing a nil dst
// probes the length without copying.
func (m *Message) GetFloatArray(key string, dst []float32) int {
	v, ok := m.attrs[key].([]float32)
	if !ok {
		return 0
	}
	if dst != nil {
		copy(dst, v)
	}
	return len(v)
}
