package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Frame layout (big-endian), matching §6:
//
//	0:  version (u16)
//	2:  header_len (u16)
//	4:  msg_id (16 bytes)
//	20: header body, msgpack-encoded with named fields (msg_kind, dst_location, src_section_pk)
//	20+header_len: payload, msgpack-encoded with named fields
const fixedPrefixLen = 2 + 2 + 16

// headerBody is the msgpack-encoded remainder of the header: everything
// that isn't fixed-width. Keeping it self-describing lets new optional
// fields be added without breaking old readers, per §6.
type headerBody struct {
	Kind MsgKind     `msgpack:"kind"`
	Dst  DstLocation `msgpack:"dst"`
	Src  []byte      `msgpack:"src_section_pk,omitempty"`
}

// Serialize encodes msg as header_bytes ‖ payload_bytes.
func Serialize(msg Message) ([]byte, error) {
	body := headerBody{Kind: msg.Header.Kind, Dst: msg.Header.Dst, Src: msg.Header.SrcSecPK}
	bodyBytes, err := msgpack.Marshal(&body)
	if err != nil {
		return nil, fmt.Errorf("wire: encode header body: %w", err)
	}
	if len(bodyBytes) > 0xFFFF {
		return nil, fmt.Errorf("wire: header body too large (%d bytes)", len(bodyBytes))
	}

	out := make([]byte, fixedPrefixLen, fixedPrefixLen+len(bodyBytes)+len(msg.Payload))
	binary.BigEndian.PutUint16(out[0:2], msg.Header.Version)
	binary.BigEndian.PutUint16(out[2:4], uint16(len(bodyBytes)))
	copy(out[4:20], msg.Header.MsgID[:])
	out = append(out, bodyBytes...)
	out = append(out, msg.Payload...)
	return out, nil
}

// Parse decodes a length-framed byte string back into a Message.
func Parse(b []byte) (Message, error) {
	if len(b) < fixedPrefixLen {
		return Message{}, fmt.Errorf("%w: frame shorter than fixed header prefix", ErrMalformed)
	}
	version := binary.BigEndian.Uint16(b[0:2])
	if version != Version {
		return Message{}, fmt.Errorf("%w: got version %d, want %d", ErrUnknownVersion, version, Version)
	}
	headerLen := int(binary.BigEndian.Uint16(b[2:4]))
	if len(b) < fixedPrefixLen+headerLen {
		return Message{}, fmt.Errorf("%w: frame shorter than declared header_len", ErrMalformed)
	}

	var msgID MsgID
	copy(msgID[:], b[4:20])

	var body headerBody
	if err := msgpack.Unmarshal(b[fixedPrefixLen:fixedPrefixLen+headerLen], &body); err != nil {
		return Message{}, fmt.Errorf("%w: header body: %v", ErrMalformed, err)
	}

	return Message{
		Header: Header{
			Version:  version,
			MsgID:    msgID,
			Kind:     body.Kind,
			Dst:      body.Dst,
			SrcSecPK: body.Src,
		},
		Payload: b[fixedPrefixLen+headerLen:],
	}, nil
}

// EncodePayload marshals a typed body into the self-describing payload
// encoding used throughout the wire format.
func EncodePayload(v interface{}) ([]byte, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return b, nil
}

// DecodePayload unmarshals a wire payload into v.
func DecodePayload(payload []byte, v interface{}) error {
	if err := msgpack.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return nil
}
