//go:build windows

package hdhomerun

import "net"

// setBroadcast is a no-op on Windows: UDPConn there does not refuse
// WriteToUDP to the limited broadcast address the way Linux does without
// SO_BROADCAST set.
func setBroadcast(conn *net.UDPConn) error {
	return nil
}
