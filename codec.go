package queue

import (
	"encoding/json"
	"fmt"
)

// Codec converts messages to and from opaque bytes. Pure; no I/O. Both
// directions fail with an error wrapping ErrSerialization.
type Codec interface {
	Encode(msg Message) ([]byte, error)
	Decode(data []byte) (Message, error)
}

// JSONCodec encodes messages as JSON using the BaseMessage wire format.
type JSONCodec struct{}

func (JSONCodec) Encode(msg Message) ([]byte, error) {
	bm, ok := msg.(*BaseMessage)
	if !ok {
		bm = &BaseMessage{
			MsgID:    msg.ID(),
			Requeues: msg.NumRequeues(),
			OrigTime: msg.OriginalTimestamp(),
			Time:     msg.Timestamp(),
			Content:  msg.Payload(),
		}
		if ps, pok := msg.(PartitionSupport); pok && ps.PartitionKey() != msg.ID() {
			bm.Partition = ps.PartitionKey()
		}
	}
	data, err := json.Marshal(bm)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return data, nil
}

func (JSONCodec) Decode(data []byte) (Message, error) {
	var bm BaseMessage
	if err := json.Unmarshal(data, &bm); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return &bm, nil
}
