//go:build linux

package network

import (
	"context"
	"io"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

func newBluetooth(s Settings) (Conn, error) {
	mac, err := net.ParseMAC(s.Bluetooth.Address)
	if err != nil {
		return nil, err
	}
	channel := s.Bluetooth.Channel
	if channel == 0 {
		channel = 1
	}
	sa := &unix.SockaddrRFCOMM{Channel: uint8(channel)}
	// bdaddr is little-endian on the wire.
	for i := 0; i < 6; i++ {
		sa.Addr[i] = mac[5-i]
	}
	return newStream(s, func(ctx context.Context) (io.ReadWriteCloser, error) {
		return dialRFCOMM(ctx, sa)
	}), nil
}

func dialRFCOMM(ctx context.Context, sa *unix.SockaddrRFCOMM) (io.ReadWriteCloser, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}
	if err := connectNonblock(ctx, fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return os.NewFile(uintptr(fd), "rfcomm"), nil
}

// connectNonblock waits for an in-progress connect until ctx expires.
func connectNonblock(ctx context.Context, fd int, sa unix.Sockaddr) error {
	err := unix.Connect(fd, sa)
	if err == nil {
		return nil
	}
	if err != unix.EINPROGRESS {
		return os.NewSyscallError("connect", err)
	}
	for {
		wait := 100 * time.Millisecond
		if dl, ok := ctx.Deadline(); ok && time.Until(dl) < wait {
			wait = max(time.Until(dl), time.Millisecond)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
		n, err := unix.Poll(fds, int(wait.Milliseconds()))
		if err != nil && err != unix.EINTR {
			return os.NewSyscallError("poll", err)
		}
		if n == 0 {
			continue
		}
		soerr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			return os.NewSyscallError("getsockopt", err)
		}
		if soerr != 0 {
			return os.NewSyscallError("connect", unix.Errno(soerr))
		}
		return nil
	}
}
