//go:build !linux

package resolver

import "syscall"

// tuneSocket is a no-op on platforms without the Linux-specific
// TCP_KEEPIDLE/KEEPINTVL/KEEPCNT socket options.
func tuneSocket(network, address string, c syscall.RawConn) error {
	return nil
}
