package state

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"booth-agent/agent/internal/db"
)

func TestEstablish(t *testing.T) {
	gdb, err := db.Open(db.Options{Path: filepath.Join(t.TempDir(), "agent.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close(gdb) })
	require.NoError(t, db.Migrate(gdb))
	ctx := context.Background()

	_, err = Establish(ctx, gdb, " ", "", "")
	assert.ErrorIs(t, err, ErrNoTenant)

	first, err := Establish(ctx, gdb, "tenant-1", "", "terminal:t1(ingenico)")
	require.NoError(t, err)
	_, err = uuid.Parse(first.AgentID)
	require.NoError(t, err)
	assert.Equal(t, "terminal:t1(ingenico)", first.Inventory)

	again, err := Establish(ctx, gdb, "tenant-1", "", "")
	require.NoError(t, err)
	assert.Equal(t, first.AgentID, again.AgentID)

	fixed, err := Establish(ctx, gdb, "tenant-1", "booth-12", "")
	require.NoError(t, err)
	assert.Equal(t, "booth-12", fixed.AgentID)
	assert.Equal(t, "tenant-1/booth-12", fixed.String())
}
