package divider

import (
	"crypto/rand"
	"encoding/hex"
	"net"
	"strconv"
)

// addrString renders an address as ip:port, or "unknown" when there is none.
func addrString(a net.Addr) string {
	if a == nil {
		return "unknown"
	}
	if tcp, ok := a.(*net.TCPAddr); ok {
		return net.JoinHostPort(tcp.IP.String(), strconv.Itoa(tcp.Port))
	}
	return a.String()
}

// remoteHost is the host part of c's peer address, used as the rate limiting key.
func remoteHost(c net.Conn) string {
	s := addrString(c.RemoteAddr())
	h, _, err := net.SplitHostPort(s)
	if err != nil {
		return s
	}
	return h
}

func cryptoRandomID(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
