package hdhomerun

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

/*
 * HDHomeRun discovery packet format (from libhdhomerun), spec §4.4:
 *
 * All values are big-endian except the trailing CRC, which is little-endian.
 *
 * uint16_t  Packet type
 * uint16_t  Payload length (bytes)
 * uint8_t[] Payload data (0-n bytes), tag-length-value encoded
 * uint32_t  CRC (Ethernet-style 32-bit CRC over the header+payload)
 */

// Packet types.
const (
	TypeDiscoverReq = 0x0002
	TypeDiscoverRpy = 0x0003
)

// TLV tags, per spec §4.4: 0x01=device_type, 0x02=device_id, 0x03=tuner_count.
const (
	TagDeviceType  = 0x01
	TagDeviceID    = 0x02
	TagTunerCount  = 0x03
	TagLineupURL   = 0x27
	TagStorageURL  = 0x28
	TagBaseURL     = 0x2A
	TagDeviceAuth  = 0x2B
	TagStorageID   = 0x2C
)

// Device types and wildcards, per spec §4.4.
const (
	DeviceTypeWildcard = 0xFFFFFFFF
	DeviceTypeTuner    = 0x00000001
	DeviceTypeStorage  = 0x00000005
	DeviceIDWildcard   = 0xFFFFFFFF
)

var crc32Table = crc32.MakeTable(crc32.IEEE)

// Packet represents a complete HDHomeRun discovery packet.
type Packet struct {
	Type    uint16
	Payload []byte
	CRC     uint32
}

// Marshal serializes the packet to bytes: type(2) + length(2) + payload + crc(4).
func (p *Packet) Marshal() []byte {
	buf := make([]byte, 4+len(p.Payload)+4)
	binary.BigEndian.PutUint16(buf[0:2], p.Type)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(p.Payload)))
	copy(buf[4:4+len(p.Payload)], p.Payload)

	crc := crc32.Checksum(buf[:4+len(p.Payload)], crc32Table)
	binary.LittleEndian.PutUint32(buf[4+len(p.Payload):], crc)
	return buf
}

// Unmarshal parses a packet from bytes and verifies its trailing CRC.
func Unmarshal(data []byte) (*Packet, error) {
	if len(data) < 8 {
		return nil, errors.New("hdhomerun: packet too short")
	}

	packetType := binary.BigEndian.Uint16(data[0:2])
	length := binary.BigEndian.Uint16(data[2:4])
	if len(data) < 4+int(length)+4 {
		return nil, fmt.Errorf("hdhomerun: packet truncated: need %d, got %d", 4+int(length)+4, len(data))
	}

	var payload []byte
	if length > 0 {
		payload = make([]byte, length)
		copy(payload, data[4:4+length])
	}

	receivedCRC := binary.LittleEndian.Uint32(data[4+length:])
	calculatedCRC := crc32.Checksum(data[:4+length], crc32Table)
	if receivedCRC != calculatedCRC {
		return nil, fmt.Errorf("hdhomerun: CRC mismatch: got 0x%08x, expected 0x%08x", receivedCRC, calculatedCRC)
	}

	return &Packet{Type: packetType, Payload: payload, CRC: receivedCRC}, nil
}

// TLV represents a single Tag-Length-Value item.
type TLV struct {
	Tag    uint8
	Length uint16
	Value  []byte
}

// UnmarshalTLVs parses a TLV stream from a payload. A tag octet is followed
// by one length octet for lengths <= 127, or two for larger (MSB of the
// first length octet set as a continuation flag), per spec §4.4.
func UnmarshalTLVs(payload []byte) ([]TLV, error) {
	var tlvs []TLV
	pos := 0

	for pos < len(payload) {
		if pos+2 > len(payload) {
			return nil, errors.New("hdhomerun: truncated TLV")
		}

		tag := payload[pos]
		pos++

		length := uint16(payload[pos] & 0x7F)
		hasExt := payload[pos]&0x80 != 0
		pos++

		if hasExt {
			if pos >= len(payload) {
				return nil, errors.New("hdhomerun: truncated TLV length")
			}
			length = (length << 7) | uint16(payload[pos])
			pos++
		}

		if pos+int(length) > len(payload) {
			return nil, fmt.Errorf("hdhomerun: truncated TLV value: need %d, have %d", length, len(payload)-pos)
		}

		value := make([]byte, length)
		copy(value, payload[pos:pos+int(length)])
		pos += int(length)

		tlvs = append(tlvs, TLV{Tag: tag, Length: length, Value: value})
	}

	return tlvs, nil
}

// MarshalTLVs serializes TLV items back to a payload.
func MarshalTLVs(tlvs []TLV) []byte {
	size := 0
	for _, tlv := range tlvs {
		size += 2 + int(tlv.Length)
		if tlv.Length >= 128 {
			size++
		}
	}

	buf := make([]byte, 0, size)
	for _, tlv := range tlvs {
		buf = append(buf, tlv.Tag)
		if tlv.Length < 128 {
			buf = append(buf, uint8(tlv.Length))
		} else {
			buf = append(buf, uint8(0x80|((tlv.Length>>7)&0x7F)))
			buf = append(buf, uint8(tlv.Length&0x7F))
		}
		if len(tlv.Value) > 0 {
			buf = append(buf, tlv.Value...)
		}
	}
	return buf
}

// FindTLV returns the first TLV with the given tag, or nil.
func FindTLV(tlvs []TLV, tag uint8) *TLV {
	for i := range tlvs {
		if tlvs[i].Tag == tag {
			return &tlvs[i]
		}
	}
	return nil
}

// NewDiscoverReq builds a discovery request packet for the given device
// type and device id (use the Wildcard constants to match anything).
func NewDiscoverReq(deviceType, deviceID uint32) *Packet {
	tlvs := []TLV{
		{Tag: TagDeviceType, Length: 4, Value: uint32ToBytes(deviceType)},
		{Tag: TagDeviceID, Length: 4, Value: uint32ToBytes(deviceID)},
	}
	return &Packet{Type: TypeDiscoverReq, Payload: MarshalTLVs(tlvs)}
}

func uint32ToBytes(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func bytesToUint32(b []byte) uint32 {
	if len(b) < 4 {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}
