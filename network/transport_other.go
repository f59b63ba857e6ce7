//go:build !linux

package network

func newSerial(s Settings) (Conn, error) {
	return nil, ErrUnsupportedTransport
}

func newUSB(s Settings) (Conn, error) {
	return nil, ErrUnsupportedTransport
}

func newBluetooth(s Settings) (Conn, error) {
	return nil, ErrUnsupportedTransport
}
