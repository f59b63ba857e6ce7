package db

import "time"

// QueuedCommand is one durable queue entry. Command and Response hold JSON.
type QueuedCommand struct {
	Seq         uint64 `gorm:"primaryKey;autoIncrement"`
	CommandID   string `gorm:"size:128;uniqueIndex;not null"`
	TenantID    string `gorm:"size:128;index"`
	ProviderID  string `gorm:"size:128"`
	DeviceID    string `gorm:"size:128;index"`
	Kind        string `gorm:"size:64"`
	Command     []byte `gorm:"not null"`
	State       string `gorm:"size:16;index;not null"`
	Attempts    int
	Response    []byte
	LastError   string `gorm:"size:1024"`
	Deliverable bool
	Delivered   bool `gorm:"index"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ExpiresAt   *time.Time `gorm:"index"`
	DeliveredAt *time.Time
}

// Setting is a small key/value row for agent-local state such as the generated agent id.
type Setting struct {
	Key       string `gorm:"primaryKey;size:64"`
	Value     string `gorm:"size:1024"`
	UpdatedAt time.Time
}
