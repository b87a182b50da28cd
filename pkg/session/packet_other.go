//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package session

import "syscall"

// reuseAddrControl is a no-op on platforms without a golang.org/x/sys/unix
// socket-option path (e.g. Windows); net.ListenConfig still binds normally.
func reuseAddrControl(network, address string, c syscall.RawConn) error {
	return nil
}
