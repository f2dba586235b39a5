package models

import "time"

type Agent struct {
	ID       uint   `json:"id" gorm:"primaryKey"`
	Hostname string `json:"hostname" gorm:"size:255;not null;uniqueIndex:idx_agent_identity"`
	IP       string `json:"ip" gorm:"size:45;not null;uniqueIndex:idx_agent_identity"`
	// RegisteredBy is the user that first registered this identity. Only that
	// user or an admin may open a push session for it.
	RegisteredBy uint      `json:"registered_by" gorm:"index"`
	LastSeen     time.Time `json:"last_seen"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
