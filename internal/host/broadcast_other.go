//go:build !unix

package host

import "syscall"

func setBroadcast(network, address string, c syscall.RawConn) error { return nil }
