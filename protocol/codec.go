package protocol

import (
	"encoding/json"
	"fmt"
)

// DecodeEvent turns one wire frame into its concrete event variant.
// Unrecognized tags are not an error: they decode to Unknown so the
// orchestrator can report them on the error stream.
func DecodeEvent(data []byte) (Event, error) {
	var head struct {
		Tag string `json:"tag"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("protocol: malformed event frame: %w", err)
	}
	if head.Tag == "" {
		return nil, fmt.Errorf("protocol: event frame without tag")
	}

	decode := func(ev Event) (Event, error) {
		if err := json.Unmarshal(data, ev); err != nil {
			return nil, fmt.Errorf("protocol: decoding %q event: %w", head.Tag, err)
		}
		return ev, nil
	}

	switch head.Tag {
	case TagHello:
		return deref(decode(&Hello{}))
	case TagOutputHeartbeat:
		return deref(decode(&OutputHeartbeat{}))
	case TagRoomCreated:
		return deref(decode(&RoomCreated{}))
	case TagRoomInvited:
		return deref(decode(&RoomInvited{}))
	case TagRoomJoined:
		return deref(decode(&RoomJoined{}))
	case TagRoomLeft:
		return deref(decode(&RoomLeft{}))
	case TagRoomMessageSent:
		return deref(decode(&RoomMessageSent{}))
	case TagRoomCustomMessageSent:
		return deref(decode(&RoomCustomMessageSent{}))
	case TagRoomTypingSent:
		return deref(decode(&RoomTypingSent{}))
	case TagRoomMarkSent:
		return deref(decode(&RoomMarkSent{}))
	case TagRoomMessageDelivered:
		return deref(decode(&RoomMessageDelivered{}))
	case TagRoomMessageUpdated:
		return deref(decode(&RoomMessageUpdated{}))
	case TagCallCreated:
		return deref(decode(&CallCreated{}))
	case TagCallInvited:
		return deref(decode(&CallInvited{}))
	case TagCallAnswered:
		return deref(decode(&CallAnswered{}))
	case TagCallJoined:
		return deref(decode(&CallJoined{}))
	case TagCallLeft:
		return deref(decode(&CallLeft{}))
	case TagCallRejected:
		return deref(decode(&CallRejected{}))
	case TagCallEnded:
		return deref(decode(&CallEnded{}))
	case TagCallHandledOnDevice:
		return deref(decode(&CallHandledOnDevice{}))
	case TagDeviceOnline:
		return deref(decode(&DeviceOnline{}))
	case TagDeviceOffline:
		return deref(decode(&DeviceOffline{}))
	case TagAudioStreamToggled:
		return deref(decode(&AudioStreamToggled{}))
	case TagVideoStreamToggled:
		return deref(decode(&VideoStreamToggled{}))
	case TagDescriptionSent:
		return deref(decode(&DescriptionSent{}))
	case TagCandidateSent:
		return deref(decode(&CandidateSent{}))
	case TagChatReceived:
		return deref(decode(&ChatReceived{}))
	case TagError:
		return deref(decode(&ServerError{}))
	default:
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		return Unknown{WireTag: head.Tag, Raw: raw}, nil
	}
}

// deref unwraps the pointer decode worked on so callers always receive
// value events.
func deref(ev Event, err error) (Event, error) {
	if err != nil {
		return nil, err
	}
	switch e := ev.(type) {
	case *Hello:
		return *e, nil
	case *OutputHeartbeat:
		return *e, nil
	case *RoomCreated:
		return *e, nil
	case *RoomInvited:
		return *e, nil
	case *RoomJoined:
		return *e, nil
	case *RoomLeft:
		return *e, nil
	case *RoomMessageSent:
		return *e, nil
	case *RoomCustomMessageSent:
		return *e, nil
	case *RoomTypingSent:
		return *e, nil
	case *RoomMarkSent:
		return *e, nil
	case *RoomMessageDelivered:
		return *e, nil
	case *RoomMessageUpdated:
		return *e, nil
	case *CallCreated:
		return *e, nil
	case *CallInvited:
		return *e, nil
	case *CallAnswered:
		return *e, nil
	case *CallJoined:
		return *e, nil
	case *CallLeft:
		return *e, nil
	case *CallRejected:
		return *e, nil
	case *CallEnded:
		return *e, nil
	case *CallHandledOnDevice:
		return *e, nil
	case *DeviceOnline:
		return *e, nil
	case *DeviceOffline:
		return *e, nil
	case *AudioStreamToggled:
		return *e, nil
	case *VideoStreamToggled:
		return *e, nil
	case *DescriptionSent:
		return *e, nil
	case *CandidateSent:
		return *e, nil
	case *ChatReceived:
		return *e, nil
	case *ServerError:
		return *e, nil
	default:
		return ev, nil
	}
}

// EncodeEvent writes an event as a wire frame with its tag injected.
func EncodeEvent(ev Event) ([]byte, error) {
	return encodeTagged(ev, ev.Tag(), "")
}

// EncodeCommand writes a command as a wire frame. A non-empty ref is
// attached for commands awaiting acknowledgement.
func EncodeCommand(cmd Command, ref Ref) ([]byte, error) {
	return encodeTagged(cmd, cmd.Tag(), ref)
}

func encodeTagged(v any, tag string, ref Ref) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: encoding %q: %w", tag, err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("protocol: encoding %q: %w", tag, err)
	}
	fields["tag"], _ = json.Marshal(tag)
	if ref != "" {
		fields["ref"], _ = json.Marshal(ref)
	}
	return json.Marshal(fields)
}
