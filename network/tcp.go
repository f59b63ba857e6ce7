package network

import (
	"context"
	"io"
	"net"
	"time"
)

func newTCP(s Settings) (Conn, error) {
	addr := s.Target()
	return newStream(s, func(ctx context.Context) (io.ReadWriteCloser, error) {
		d := net.Dialer{KeepAlive: 30 * time.Second}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}
		return conn, nil
	}), nil
}
