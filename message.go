package queue

import "time"

// Message is the contract every queue message satisfies. Implementations are
// mutable; the engine never mutates a caller's reference, it always works on
// a Clone.
type Message interface {
	// ID returns the message identifier, unique within a queue. An empty id
	// is replaced by a generated one on the first Queue call.
	ID() string
	SetID(id string)

	// NumRequeues is the number of visible requeues this message went
	// through. Strictly non-decreasing over the lifetime of an id.
	NumRequeues() int
	SetNumRequeues(n int)
	IncNumRequeues() int

	// OriginalTimestamp is the instant of the first successful Queue call.
	// Assigned exactly once.
	OriginalTimestamp() time.Time
	SetOriginalTimestamp(t time.Time)

	// Timestamp is the instant of the most recent queue or visible requeue.
	Timestamp() time.Time
	SetTimestamp(t time.Time)

	// Payload is the opaque message body.
	Payload() []byte

	// Clone returns a deep, caller-independent copy.
	Clone() Message
}

// PartitionSupport is implemented by messages that override the id as the
// partition-routing token on backends that shard.
type PartitionSupport interface {
	PartitionKey() string
}

// BaseMessage is the default Message implementation. The JSON field names are
// the wire format used by codec-backed adapters.
type BaseMessage struct {
	MsgID     string    `json:"qid"`
	Requeues  int       `json:"num_requeues"`
	OrigTime  time.Time `json:"org_timestamp"`
	Time      time.Time `json:"timestamp"`
	Content   []byte    `json:"content"`
	Partition string    `json:"partition_key,omitempty"`
}

// NewMessage creates a message with the given payload and no id. The id is
// assigned on the first Queue call.
func NewMessage(payload []byte) *BaseMessage {
	return &BaseMessage{Content: payload}
}

// NewMessageWithID creates a message with an explicit id and payload.
func NewMessageWithID(id string, payload []byte) *BaseMessage {
	return &BaseMessage{MsgID: id, Content: payload}
}

func (m *BaseMessage) ID() string                      { return m.MsgID }
func (m *BaseMessage) SetID(id string)                 { m.MsgID = id }
func (m *BaseMessage) NumRequeues() int                { return m.Requeues }
func (m *BaseMessage) SetNumRequeues(n int)            { m.Requeues = n }
func (m *BaseMessage) OriginalTimestamp() time.Time    { return m.OrigTime }
func (m *BaseMessage) SetOriginalTimestamp(t time.Time) { m.OrigTime = t }
func (m *BaseMessage) Timestamp() time.Time            { return m.Time }
func (m *BaseMessage) SetTimestamp(t time.Time)        { m.Time = t }
func (m *BaseMessage) Payload() []byte                 { return m.Content }

// IncNumRequeues bumps the requeue counter and returns the new value.
func (m *BaseMessage) IncNumRequeues() int {
	m.Requeues++
	return m.Requeues
}

// PartitionKey returns the explicit partition token, or the id when unset.
func (m *BaseMessage) PartitionKey() string {
	if m.Partition != "" {
		return m.Partition
	}
	return m.MsgID
}

// Clone returns a deep copy; the payload slice is not shared.
func (m *BaseMessage) Clone() Message {
	c := *m
	if m.Content != nil {
		c.Content = make([]byte, len(m.Content))
		copy(c.Content, m.Content)
	}
	return &c
}

// partitionKeyOf resolves the routing token for a message: the explicit
// partition key when the message provides one, the id otherwise.
func partitionKeyOf(msg Message) string {
	if ps, ok := msg.(PartitionSupport); ok {
		if k := ps.PartitionKey(); k != "" {
			return k
		}
	}
	return msg.ID()
}

// PartitionKeyOf resolves the partition-routing token for msg per the
// PartitionSupport contract. Exposed for backend adapters.
func PartitionKeyOf(msg Message) string { return partitionKeyOf(msg) }
