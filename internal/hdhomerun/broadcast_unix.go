//go:build unix

package hdhomerun

import (
	"net"
	"syscall"
)

// setBroadcast enables SO_BROADCAST on conn so WriteToUDP to the limited
// broadcast address (255.255.255.255) is permitted. Linux refuses such
// sends on a socket that does not have the option set.
func setBroadcast(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_BROADCAST, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
