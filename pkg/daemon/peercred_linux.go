package daemon

import "golang.org/x/sys/unix"

// peerCredentials extracts uid/gid for a Unix-domain peer via
// SO_PEERCRED, used to synthesize the authentication identity named in
// spec.md §4.3.
func peerCredentials(fd int) (uid, gid uint32, ok bool) {
	cred, err := unix.GetsockoptUcred(fd, unix.SOL_SOCKET, unix.SO_PEERCRED)
	if err != nil {
		return 0, 0, false
	}
	return cred.Uid, cred.Gid, true
}
