package network

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// Kind names a transport.
type Kind string

const (
	KindTCP       Kind = "tcp"
	KindSerial    Kind = "serial"
	KindUSB       Kind = "usb"
	KindBluetooth Kind = "bluetooth"
	KindREST      Kind = "rest"
)

const (
	DefaultTimeout  = 5 * time.Second
	DefaultBaudRate = 9600
	DefaultUSBBaud  = 115200
)

var ErrInvalidSettings = errors.New("invalid connection settings")

// Settings describes how to reach one physical device. Exactly the variant
// matching Type is read; the others are ignored.
type Settings struct {
	Type       Kind          `mapstructure:"type" json:"type"`
	Timeout    time.Duration `mapstructure:"timeout" json:"timeout"`
	MaxRetries int           `mapstructure:"max_retries" json:"max_retries"`

	TCP       *TCPSettings       `mapstructure:"tcp" json:"tcp,omitempty"`
	Serial    *SerialSettings    `mapstructure:"serial" json:"serial,omitempty"`
	USB       *USBSettings       `mapstructure:"usb" json:"usb,omitempty"`
	Bluetooth *BluetoothSettings `mapstructure:"bluetooth" json:"bluetooth,omitempty"`
	REST      *RESTSettings      `mapstructure:"rest" json:"rest,omitempty"`
}

type TCPSettings struct {
	Host string `mapstructure:"host" json:"host"`
	Port int    `mapstructure:"port" json:"port"`
}

type SerialSettings struct {
	PortName string `mapstructure:"port_name" json:"port_name"`
	BaudRate int    `mapstructure:"baud" json:"baud"`
	Parity   string `mapstructure:"parity" json:"parity"` // none, even, odd
	DataBits int    `mapstructure:"data_bits" json:"data_bits"`
	StopBits int    `mapstructure:"stop_bits" json:"stop_bits"`
}

// USBSettings locates a CDC-ACM / USB-serial device by vendor and product id (hex).
type USBSettings struct {
	VendorID  string `mapstructure:"vendor_id" json:"vendor_id"`
	ProductID string `mapstructure:"product_id" json:"product_id"`
	BaudRate  int    `mapstructure:"baud" json:"baud"`
}

// BluetoothSettings targets an RFCOMM channel. Pairing with PIN is done by the
// system bluetooth agent; the PIN is kept here so it travels with the device entry.
type BluetoothSettings struct {
	Address string `mapstructure:"address" json:"address"`
	Channel int    `mapstructure:"channel" json:"channel"`
	PIN     string `mapstructure:"pin" json:"-"`
}

type RESTSettings struct {
	BaseURL  string `mapstructure:"base_url" json:"base_url"`
	Username string `mapstructure:"username" json:"username,omitempty"`
	Password string `mapstructure:"password" json:"-"`
	Token    string `mapstructure:"token" json:"-"`
}

// EffectiveTimeout returns the configured timeout or DefaultTimeout.
func (s Settings) EffectiveTimeout() time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return DefaultTimeout
}

// Validate checks that the variant for Type is present and complete.
func (s Settings) Validate() error {
	if s.Timeout < 0 || s.MaxRetries < 0 {
		return fmt.Errorf("%w: timeout and max_retries must not be negative", ErrInvalidSettings)
	}
	switch s.Type {
	case KindTCP:
		if s.TCP == nil || strings.TrimSpace(s.TCP.Host) == "" || s.TCP.Port <= 0 || s.TCP.Port > 65535 {
			return fmt.Errorf("%w: tcp requires host and port", ErrInvalidSettings)
		}
	case KindSerial:
		if s.Serial == nil || strings.TrimSpace(s.Serial.PortName) == "" {
			return fmt.Errorf("%w: serial requires port_name", ErrInvalidSettings)
		}
		switch strings.ToLower(s.Serial.Parity) {
		case "", "none", "even", "odd":
		default:
			return fmt.Errorf("%w: unknown parity %q", ErrInvalidSettings, s.Serial.Parity)
		}
		if d := s.Serial.DataBits; d != 0 && (d < 5 || d > 8) {
			return fmt.Errorf("%w: data_bits must be 5..8", ErrInvalidSettings)
		}
		if sb := s.Serial.StopBits; sb != 0 && sb != 1 && sb != 2 {
			return fmt.Errorf("%w: stop_bits must be 1 or 2", ErrInvalidSettings)
		}
	case KindUSB:
		if s.USB == nil || !isHexID(s.USB.VendorID) || !isHexID(s.USB.ProductID) {
			return fmt.Errorf("%w: usb requires 4-digit hex vendor_id and product_id", ErrInvalidSettings)
		}
	case KindBluetooth:
		if s.Bluetooth == nil {
			return fmt.Errorf("%w: bluetooth requires address", ErrInvalidSettings)
		}
		if _, err := net.ParseMAC(s.Bluetooth.Address); err != nil {
			return fmt.Errorf("%w: bad bluetooth address %q", ErrInvalidSettings, s.Bluetooth.Address)
		}
		if s.Bluetooth.Channel < 0 || s.Bluetooth.Channel > 30 {
			return fmt.Errorf("%w: rfcomm channel must be 1..30", ErrInvalidSettings)
		}
	case KindREST:
		if s.REST == nil {
			return fmt.Errorf("%w: rest requires base_url", ErrInvalidSettings)
		}
		u, err := url.Parse(s.REST.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: bad base_url %q", ErrInvalidSettings, s.REST.BaseURL)
		}
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrInvalidSettings, s.Type)
	}
	return nil
}

// Target is a human readable address, safe to log.
func (s Settings) Target() string {
	switch s.Type {
	case KindTCP:
		if s.TCP != nil {
			return net.JoinHostPort(s.TCP.Host, fmt.Sprint(s.TCP.Port))
		}
	case KindSerial:
		if s.Serial != nil {
			return s.Serial.PortName
		}
	case KindUSB:
		if s.USB != nil {
			return s.USB.VendorID + ":" + s.USB.ProductID
		}
	case KindBluetooth:
		if s.Bluetooth != nil {
			return fmt.Sprintf("%s/%d", s.Bluetooth.Address, s.Bluetooth.Channel)
		}
	case KindREST:
		if s.REST != nil {
			return s.REST.BaseURL
		}
	}
	return string(s.Type)
}

func isHexID(s string) bool {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	if len(s) != 4 {
		return false
	}
	for _, r := range s {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f') {
			return false
		}
	}
	return true
}

func normalizeHexID(s string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
}
