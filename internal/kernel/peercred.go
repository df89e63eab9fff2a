package kernel

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// PeerIdentity holds the kernel-enforced identity of a Unix socket peer,
// extracted via SO_PEERCRED. The client cannot fake these values. It is
// immutable for the life of the connection.
type PeerIdentity struct {
	PID int32  `json:"pid"`
	UID uint32 `json:"uid"`
	GID uint32 `json:"gid"`
}

// extractPeerIdentity retrieves the peer credentials from a Unix domain
// socket connection. A connection whose credentials cannot be obtained is
// refused.
func extractPeerIdentity(conn net.Conn) (PeerIdentity, error) {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return PeerIdentity{}, fmt.Errorf("%w: connection is not a unix socket", ErrPeerIdentity)
	}

	raw, err := unixConn.SyscallConn()
	if err != nil {
		return PeerIdentity{}, fmt.Errorf("%w: get raw connection: %v", ErrPeerIdentity, err)
	}

	var cred *unix.Ucred
	var credErr error
	err = raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return PeerIdentity{}, fmt.Errorf("%w: raw control: %v", ErrPeerIdentity, err)
	}
	if credErr != nil {
		return PeerIdentity{}, fmt.Errorf("%w: getsockopt SO_PEERCRED: %v", ErrPeerIdentity, credErr)
	}

	return PeerIdentity{PID: cred.Pid, UID: cred.Uid, GID: cred.Gid}, nil
}
