package hdhomerun

import (
	"context"
	"log"
	"net"
	"time"
)

const (
	// DiscoverPort is the UDP port used for discovery broadcasts, spec §4.4.
	DiscoverPort = 65001

	// BroadcastAddr is the limited broadcast address used for discovery.
	BroadcastAddr = "255.255.255.255"

	// replyWindow is how long the client listens for replies after
	// sending a broadcast request, spec §4.4 ("accept replies for a
	// 3-second window").
	replyWindow = 3 * time.Second
)

// Reply is one appliance's answer to a discovery broadcast.
type Reply struct {
	Addr       *net.UDPAddr
	DeviceType uint32
	DeviceID   uint32
	TunerCount int
}

// Broadcast sends a discover-request packet to the LAN broadcast address
// and collects replies for replyWindow. It never returns an error for "no
// replies" — an empty slice is a normal outcome; HTTP fallback discovery
// (internal/discovery) covers that case.
func Broadcast(ctx context.Context, deviceType, deviceID uint32) ([]Reply, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := setBroadcast(conn); err != nil {
		return nil, err
	}

	req := NewDiscoverReq(deviceType, deviceID)
	dst := &net.UDPAddr{IP: net.ParseIP(BroadcastAddr), Port: DiscoverPort}
	if _, err := conn.WriteToUDP(req.Marshal(), dst); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(replyWindow)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	var replies []Reply
	buf := make([]byte, 4096)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		conn.SetReadDeadline(time.Now().Add(remaining))
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				break
			}
			return replies, err
		}
		if n < 8 {
			continue
		}
		reply, err := parseReply(buf[:n], from)
		if err != nil {
			log.Printf("[discover] hdhomerun: malformed reply from %s: %v", from, err)
			continue
		}
		if reply == nil {
			continue
		}
		replies = append(replies, *reply)
	}
	return replies, nil
}

func parseReply(data []byte, from *net.UDPAddr) (*Reply, error) {
	pkt, err := Unmarshal(data)
	if err != nil {
		return nil, err
	}
	if pkt.Type != TypeDiscoverRpy {
		return nil, nil
	}
	tlvs, err := UnmarshalTLVs(pkt.Payload)
	if err != nil {
		return nil, err
	}

	reply := &Reply{Addr: from}
	if dt := FindTLV(tlvs, TagDeviceType); dt != nil {
		reply.DeviceType = bytesToUint32(dt.Value)
	}
	if di := FindTLV(tlvs, TagDeviceID); di != nil {
		reply.DeviceID = bytesToUint32(di.Value)
	}
	if tc := FindTLV(tlvs, TagTunerCount); tc != nil && len(tc.Value) >= 1 {
		reply.TunerCount = int(tc.Value[0])
	}
	return reply, nil
}
