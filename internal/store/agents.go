package store

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ainp-network/broker/internal/types"
)

// AgentRepo persists agents and their capabilities.
type AgentRepo struct {
	db *gorm.DB
}

// NewAgentRepo constructs an AgentRepo.
func NewAgentRepo(s *Store) *AgentRepo { return &AgentRepo{db: s.DB} }

// ResolveKey implements identity.KeyResolver.
func (r *AgentRepo) ResolveKey(did string) (ed25519.PublicKey, bool, error) {
	var agent types.Agent
	err := r.db.Where("did = ?", did).First(&agent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	key, err := base64.StdEncoding.DecodeString(agent.PublicKeyB64)
	if err != nil {
		return nil, false, fmt.Errorf("store: agent %s has malformed public key: %w", did, err)
	}
	return ed25519.PublicKey(key), true, nil
}

// RegisterInput is the idempotent registration payload from §4.9 supplement.
type RegisterInput struct {
	DID          string
	PublicKeyB64 string
	Address      string
	TTLSeconds   int64
	Capabilities []CapabilityInput
}

// CapabilityInput is one capability to register for an agent.
type CapabilityInput struct {
	Description   string
	Embedding     []float32
	Tags          []string
	Version       string
	CredentialRef string
}

// Register creates or idempotently refreshes an agent, replacing its full
// capability set to match the request (round-trip law in §8).
func (r *AgentRepo) Register(ctx context.Context, in RegisterInput) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		agent := types.Agent{
			DID:          in.DID,
			PublicKeyB64: in.PublicKeyB64,
			Address:      in.Address,
			TTLSeconds:   in.TTLSeconds,
			CreatedAt:    now,
			LastSeenAt:   now,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "did"}},
			DoUpdates: clause.AssignmentColumns([]string{"public_key", "address", "ttl_seconds", "last_seen_at"}),
		}).Create(&agent).Error; err != nil {
			return fmt.Errorf("store: upsert agent: %w", err)
		}

		if err := tx.Where("agent_did = ?", in.DID).Delete(&types.Capability{}).Error; err != nil {
			return fmt.Errorf("store: clear capabilities: %w", err)
		}
		for _, cap := range in.Capabilities {
			row := types.Capability{
				AgentDID:      in.DID,
				Description:   cap.Description,
				TagsRaw:       strings.Join(cap.Tags, ","),
				Version:       cap.Version,
				CredentialRef: cap.CredentialRef,
				CreatedAt:     now,
			}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("store: insert capability %q: %w", cap.Description, err)
			}
			if len(cap.Embedding) > 0 {
				if err := setCapabilityEmbedding(tx, row.ID, cap.Embedding); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func setCapabilityEmbedding(tx *gorm.DB, capabilityID uint64, embedding []float32) error {
	literal := vectorLiteral(embedding)
	return tx.Exec(`UPDATE capabilities SET embedding = ? WHERE id = ?`, literal, capabilityID).Error
}

func vectorLiteral(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%g", f)
	}
	b.WriteByte(']')
	return b.String()
}

// GetAgent returns the full address view for a DID.
func (r *AgentRepo) GetAgent(ctx context.Context, did string) (types.Agent, []types.Capability, bool, error) {
	var agent types.Agent
	err := r.db.WithContext(ctx).Where("did = ?", did).First(&agent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.Agent{}, nil, false, nil
	}
	if err != nil {
		return types.Agent{}, nil, false, err
	}
	var caps []types.Capability
	if err := r.db.WithContext(ctx).Where("agent_did = ?", did).Find(&caps).Error; err != nil {
		return types.Agent{}, nil, false, err
	}
	for i := range caps {
		if caps[i].TagsRaw != "" {
			caps[i].Tags = strings.Split(caps[i].TagsRaw, ",")
		}
	}
	return agent, caps, true, nil
}

// Touch updates an agent's last-seen timestamp.
func (r *AgentRepo) Touch(ctx context.Context, did string) error {
	return r.db.WithContext(ctx).Model(&types.Agent{}).Where("did = ?", did).
		Update("last_seen_at", time.Now().UTC()).Error
}
