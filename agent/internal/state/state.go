package state

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"booth-agent/agent/internal/db"
)

const agentIDKey = "agent_id"

var ErrNoTenant = errors.New("tenant id is not configured")

// Identity is who this agent is. It is built once at startup and handed to
// the components that need it; nothing mutates it afterwards.
type Identity struct {
	TenantID  string
	AgentID   string
	Inventory string
}

func (i Identity) String() string {
	return fmt.Sprintf("%s/%s", i.TenantID, i.AgentID)
}

// Establish fills in the agent id: the configured one wins, then the id a
// previous run persisted, then a freshly generated one which is persisted.
func Establish(ctx context.Context, gdb *gorm.DB, tenantID, agentID, inventory string) (Identity, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return Identity{}, ErrNoTenant
	}
	id := Identity{TenantID: tenantID, AgentID: strings.TrimSpace(agentID), Inventory: inventory}
	if id.AgentID != "" {
		return id, nil
	}

	var s db.Setting
	err := gdb.WithContext(ctx).Where(&db.Setting{Key: agentIDKey}).Take(&s).Error
	switch {
	case err == nil && s.Value != "":
		id.AgentID = s.Value
		return id, nil
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		return Identity{}, fmt.Errorf("load agent id: %w", err)
	}

	id.AgentID = uuid.NewString()
	err = gdb.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&db.Setting{Key: agentIDKey, Value: id.AgentID}).Error
	if err != nil {
		return Identity{}, fmt.Errorf("persist agent id: %w", err)
	}
	return id, nil
}
