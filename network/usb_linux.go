//go:build linux

package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// sysfsUSB is where the kernel lists USB devices. Tests point it elsewhere.
var sysfsUSB = "/sys/bus/usb/devices"

func newUSB(s Settings) (Conn, error) {
	vid, pid := normalizeHexID(s.USB.VendorID), normalizeHexID(s.USB.ProductID)
	baud := s.USB.BaudRate
	if baud == 0 {
		baud = DefaultUSBBaud
	}
	return newStream(s, func(ctx context.Context) (io.ReadWriteCloser, error) {
		tty, err := findUSBTTY(vid, pid)
		if err != nil {
			return nil, err
		}
		return openTTY(SerialSettings{PortName: "/dev/" + tty, BaudRate: baud})
	}), nil
}

// findUSBTTY returns the tty name (ttyACM0, ttyUSB1, ...) bound to the first
// USB device matching vid:pid. The device is re-resolved on each connect
// since the kernel may renumber it after a replug.
func findUSBTTY(vid, pid string) (string, error) {
	entries, err := os.ReadDir(sysfsUSB)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		dir := filepath.Join(sysfsUSB, e.Name())
		if readID(filepath.Join(dir, "idVendor")) != vid || readID(filepath.Join(dir, "idProduct")) != pid {
			continue
		}
		if tty := ttyUnder(dir); tty != "" {
			return tty, nil
		}
	}
	return "", fmt.Errorf("no tty for usb device %s:%s", vid, pid)
}

func readID(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(string(b)))
}

var errFound = errors.New("found")

func ttyUnder(dir string) string {
	var tty string
	root := strings.Count(dir, string(filepath.Separator))
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if strings.Count(path, string(filepath.Separator))-root > 3 {
			return fs.SkipDir
		}
		name := d.Name()
		if strings.HasPrefix(name, "ttyACM") || strings.HasPrefix(name, "ttyUSB") {
			tty = name
			return errFound
		}
		return nil
	})
	return tty
}
