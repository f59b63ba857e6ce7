package network

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSettingsValidate(t *testing.T) {
	cases := []struct {
		name string
		s    Settings
		ok   bool
	}{
		{"tcp", Settings{Type: KindTCP, TCP: &TCPSettings{Host: "10.0.0.5", Port: 9100}}, true},
		{"tcp missing port", Settings{Type: KindTCP, TCP: &TCPSettings{Host: "10.0.0.5"}}, false},
		{"tcp missing variant", Settings{Type: KindTCP}, false},
		{"serial", Settings{Type: KindSerial, Serial: &SerialSettings{PortName: "/dev/ttyS0", Parity: "even", DataBits: 7, StopBits: 2}}, true},
		{"serial bad parity", Settings{Type: KindSerial, Serial: &SerialSettings{PortName: "/dev/ttyS0", Parity: "mark"}}, false},
		{"serial bad data bits", Settings{Type: KindSerial, Serial: &SerialSettings{PortName: "/dev/ttyS0", DataBits: 9}}, false},
		{"usb", Settings{Type: KindUSB, USB: &USBSettings{VendorID: "0x0483", ProductID: "5740"}}, true},
		{"usb bad id", Settings{Type: KindUSB, USB: &USBSettings{VendorID: "483", ProductID: "5740"}}, false},
		{"bluetooth", Settings{Type: KindBluetooth, Bluetooth: &BluetoothSettings{Address: "00:11:22:33:44:55", Channel: 1}}, true},
		{"bluetooth bad address", Settings{Type: KindBluetooth, Bluetooth: &BluetoothSettings{Address: "nope"}}, false},
		{"rest", Settings{Type: KindREST, REST: &RESTSettings{BaseURL: "https://bridge.local:8443"}}, true},
		{"rest bad scheme", Settings{Type: KindREST, REST: &RESTSettings{BaseURL: "ftp://bridge"}}, false},
		{"negative timeout", Settings{Type: KindTCP, Timeout: -1, TCP: &TCPSettings{Host: "h", Port: 1}}, false},
		{"unknown", Settings{Type: "carrier-pigeon"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.s.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidSettings)
			}
		})
	}
}

func TestSettingsTarget(t *testing.T) {
	s := Settings{Type: KindTCP, TCP: &TCPSettings{Host: "10.0.0.5", Port: 9100}}
	assert.Equal(t, "10.0.0.5:9100", s.Target())
	assert.Equal(t, DefaultTimeout, s.EffectiveTimeout())
}

func TestCommunicationErrorHidesBytes(t *testing.T) {
	err := &CommunicationError{
		Op: "exchange", Transport: KindTCP, Target: "h:1",
		Sent: []byte("4111111111111111"), Received: []byte("4111111111111111"),
		Err: assert.AnError,
	}
	assert.NotContains(t, err.Error(), "4111")
	assert.Contains(t, err.Error(), "sent 16 bytes")
	assert.True(t, IsCommunication(err))
}
