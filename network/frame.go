package network

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Control bytes of the device link protocol.
const (
	STX  byte = 0x02
	ETX  byte = 0x03
	ENQ  byte = 0x05
	ACK  byte = 0x06
	BUSY byte = 0x07
	NAK  byte = 0x15
)

// MaxPayload is the largest payload a frame can carry.
const MaxPayload = 0xFFFF

// EncodeFrame wraps payload as STX | len(uint16 BE) | payload | ETX | LRC.
// LRC is the XOR of the length bytes, the payload and ETX.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrBadFrame, len(payload), MaxPayload)
	}
	out := make([]byte, 0, len(payload)+5)
	out = append(out, STX)
	out = binary.BigEndian.AppendUint16(out, uint16(len(payload)))
	out = append(out, payload...)
	out = append(out, ETX)
	out = append(out, lrc(out[1:]))
	return out, nil
}

// ReadFrame reads one frame, skipping any noise before STX. It returns the
// payload and every byte consumed, the latter for diagnostics.
func ReadFrame(r *bufio.Reader) (payload, raw []byte, err error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, raw, err
		}
		raw = append(raw, b)
		if b == STX {
			break
		}
	}
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, append(raw, hdr[:]...), err
	}
	raw = append(raw, hdr[:]...)
	n := int(binary.BigEndian.Uint16(hdr[:]))
	body := make([]byte, n+2)
	read, err := io.ReadFull(r, body)
	raw = append(raw, body[:read]...)
	if err != nil {
		return nil, raw, err
	}
	if body[n] != ETX {
		return nil, raw, fmt.Errorf("%w: missing ETX", ErrBadFrame)
	}
	if want := lrc(raw[len(raw)-len(body)-2 : len(raw)-1]); body[n+1] != want {
		return nil, raw, fmt.Errorf("%w: lrc mismatch", ErrBadFrame)
	}
	return body[:n], raw, nil
}

func lrc(b []byte) byte {
	var x byte
	for _, c := range b {
		x ^= c
	}
	return x
}
