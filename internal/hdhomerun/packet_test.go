package hdhomerun

import "testing"

func TestDiscoverReqCRC(t *testing.T) {
	pkt := NewDiscoverReq(DeviceTypeWildcard, DeviceIDWildcard)
	data := pkt.Marshal()

	if len(data) != 20 {
		t.Fatalf("expected a 20-byte packet for two wildcard uint32 TLVs, got %d", len(data))
	}

	parsed, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if parsed.Type != TypeDiscoverReq {
		t.Errorf("Type = 0x%04x, want 0x%04x", parsed.Type, TypeDiscoverReq)
	}

	reencoded := parsed.Marshal()
	for i := range data {
		if data[i] != reencoded[i] {
			t.Fatalf("byte %d differs: got 0x%02x, want 0x%02x", i, reencoded[i], data[i])
		}
	}
}

func TestUnmarshalRejectsBadCRC(t *testing.T) {
	pkt := NewDiscoverReq(DeviceTypeTuner, 0x1234)
	data := pkt.Marshal()
	data[len(data)-1] ^= 0xFF // corrupt one CRC byte

	if _, err := Unmarshal(data); err == nil {
		t.Fatal("expected CRC mismatch error")
	}
}

func TestTLVRoundTrip(t *testing.T) {
	tlvs := []TLV{
		{Tag: TagDeviceType, Length: 4, Value: uint32ToBytes(DeviceTypeTuner)},
		{Tag: TagDeviceID, Length: 4, Value: uint32ToBytes(0xCAFEBABE)},
		{Tag: TagTunerCount, Length: 1, Value: []byte{4}},
	}
	payload := MarshalTLVs(tlvs)
	parsed, err := UnmarshalTLVs(payload)
	if err != nil {
		t.Fatalf("UnmarshalTLVs: %v", err)
	}
	if len(parsed) != len(tlvs) {
		t.Fatalf("got %d TLVs, want %d", len(parsed), len(tlvs))
	}
	tc := FindTLV(parsed, TagTunerCount)
	if tc == nil || tc.Value[0] != 4 {
		t.Fatalf("tuner count TLV missing or wrong: %+v", tc)
	}
}

func TestLongTLVTwoByteLength(t *testing.T) {
	long := make([]byte, 200)
	for i := range long {
		long[i] = byte(i)
	}
	tlvs := []TLV{{Tag: TagBaseURL, Length: uint16(len(long)), Value: long}}
	payload := MarshalTLVs(tlvs)
	parsed, err := UnmarshalTLVs(payload)
	if err != nil {
		t.Fatalf("UnmarshalTLVs: %v", err)
	}
	if len(parsed) != 1 || parsed[0].Length != 200 {
		t.Fatalf("unexpected parse of long TLV: %+v", parsed)
	}
}
