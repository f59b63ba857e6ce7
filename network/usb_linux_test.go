//go:build linux

package network

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindUSBTTY(t *testing.T) {
	root := t.TempDir()
	old := sysfsUSB
	sysfsUSB = root
	t.Cleanup(func() { sysfsUSB = old })

	mk := func(dev, vid, pid, tty string) {
		dir := filepath.Join(root, dev)
		require.NoError(t, os.MkdirAll(filepath.Join(dir, dev+":1.0", "tty", tty), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "idVendor"), []byte(vid+"\n"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "idProduct"), []byte(pid+"\n"), 0o644))
	}
	mk("1-1", "1a86", "7523", "ttyUSB0")
	mk("1-2", "0483", "5740", "ttyACM0")

	tty, err := findUSBTTY("0483", "5740")
	require.NoError(t, err)
	assert.Equal(t, "ttyACM0", tty)

	_, err = findUSBTTY("dead", "beef")
	assert.Error(t, err)
}
