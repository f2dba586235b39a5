package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"cronmesh/internal/models"
)

// RegisterOrReuseAgent returns the agent for (hostname, ip), creating it on
// first registration on behalf of userID. lastSeen only ever moves forward and
// the original registrant is kept on reuse.
func (s *Store) RegisterOrReuseAgent(ctx context.Context, hostname, ip string, userID uint) (*models.Agent, bool, error) {
	var (
		agent   models.Agent
		created bool
	)
	err := s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()
		err := tx.Where("hostname = ? AND ip = ?", hostname, ip).First(&agent).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			agent = models.Agent{Hostname: hostname, IP: ip, RegisteredBy: userID, LastSeen: now}
			created = true
			return tx.Create(&agent).Error
		}
		if err != nil {
			return err
		}
		if now.After(agent.LastSeen) {
			agent.LastSeen = now
			return tx.Model(&agent).Update("last_seen", now).Error
		}
		return nil
	})
	if err != nil {
		return nil, false, unavailable(err)
	}
	return &agent, created, nil
}

// TouchLastSeen refreshes an agent's lastSeen on heartbeat or acknowledgement.
func (s *Store) TouchLastSeen(ctx context.Context, agentID uint) error {
	now := s.now()
	res := s.conn(ctx).Model(&models.Agent{}).
		Where("id = ? AND last_seen < ?", agentID, now).
		Update("last_seen", now)
	if res.Error != nil {
		return unavailable(res.Error)
	}
	if res.RowsAffected == 0 {
		_, err := s.GetAgent(ctx, agentID)
		return err
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id uint) (*models.Agent, error) {
	var agent models.Agent
	if err := s.conn(ctx).First(&agent, id).Error; err != nil {
		return nil, notFound(err, ErrAgentNotFound)
	}
	return &agent, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]models.Agent, error) {
	var agents []models.Agent
	err := s.conn(ctx).Order("id asc").Find(&agents).Error
	return agents, unavailable(err)
}
