package failover

import (
	"encoding/json"
	"fmt"
)

type Msg interface {
	GetType() string
	GetSequence() Sequence

	fmt.Stringer
}

type IncomingMsg struct {
	SourceId NodeId
	Msg      Msg
}

// Advertisement is the periodic message each node sends to its peers to
// assert its priority and role. Elections are driven entirely by the
// presence, absence and content of these messages.
type Advertisement struct {
	NodeId   NodeId   `json:"nodeId"`
	Priority Priority `json:"priority"`
	Role     Role     `json:"role"`
	Sequence Sequence `json:"sequence"`
}

func (msg *Advertisement) GetType() string {
	return "advertisement"
}

func (msg *Advertisement) GetSequence() Sequence {
	return msg.Sequence
}

func (msg *Advertisement) String() string {
	return fmt.Sprintf("Advertisement{nodeId: %q, priority: %d, role: %q, "+
		"sequence: %d}",
		msg.NodeId, msg.Priority, msg.Role, msg.Sequence)
}

func EncodeMsg(msg Msg) ([]byte, error) {
	value := struct {
		Type  string `json:"type"`
		Value Msg    `json:"value"`
	}{
		Type:  msg.GetType(),
		Value: msg,
	}

	return json.Marshal(value)
}

func DecodeMsg(data []byte) (Msg, error) {
	var value struct {
		Type  string          `json:"type"`
		Value json.RawMessage `json:"value"`
	}

	if err := json.Unmarshal(data, &value); err != nil {
		return nil, err
	}

	var msg Msg

	switch value.Type {
	case "advertisement":
		msg = &Advertisement{}

	default:
		return nil, fmt.Errorf("unknown message type %q", value.Type)
	}

	if err := json.Unmarshal(value.Value, &msg); err != nil {
		return nil, err
	}

	return msg, nil
}
