package egress

import (
	"errors"

	"github.com/golang/protobuf/proto"
)

// FrameEnvelope is the broker-facing form of one published frame.
type FrameEnvelope struct {
	StreamId         uint32 `protobuf:"varint,1,opt,name=stream_id,json=streamId,proto3"`
	Sequence         uint64 `protobuf:"varint,2,opt,name=sequence,proto3"`
	PublishedAtUtcNs int64  `protobuf:"varint,3,opt,name=published_at_utc_ns,json=publishedAtUtcNs,proto3"`
	Payload          []byte `protobuf:"bytes,4,opt,name=payload,proto3"`
}

func (*FrameEnvelope) Reset()         {}
func (*FrameEnvelope) String() string { return "FrameEnvelope" }
func (*FrameEnvelope) ProtoMessage()  {}

func MarshalEnvelope(env *FrameEnvelope) ([]byte, error) {
	return proto.Marshal(env)
}

func UnmarshalEnvelope(data []byte) (*FrameEnvelope, error) {
	env := &FrameEnvelope{}
	if err := proto.Unmarshal(data, env); err != nil {
		return nil, err
	}
	return env, nil
}

func ValidateEnvelope(env *FrameEnvelope) error {
	if env == nil {
		return errors.New("nil envelope")
	}
	if env.Sequence == 0 {
		return errors.New("sequence is required")
	}
	return nil
}
