package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/ainp-network/broker/internal/types"
)

// ContactRepo persists contact edges (§4.7).
type ContactRepo struct {
	db *gorm.DB
}

// NewContactRepo constructs a ContactRepo.
func NewContactRepo(s *Store) *ContactRepo { return &ContactRepo{db: s.DB} }

// Get returns the contact edge, or ok=false if it has never been created.
func (r *ContactRepo) Get(ctx context.Context, owner, peer string) (types.Contact, bool, error) {
	var c types.Contact
	err := r.db.WithContext(ctx).Where("owner_did = ? AND peer_did = ?", owner, peer).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.Contact{}, false, nil
	}
	if err != nil {
		return types.Contact{}, false, err
	}
	return c, true, nil
}

// RecordInteraction creates the edge on first contact (consent=unknown) or
// increments the interaction counter on subsequent deliveries.
func (r *ContactRepo) RecordInteraction(ctx context.Context, owner, peer string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c types.Contact
		err := tx.Where("owner_did = ? AND peer_did = ?", owner, peer).First(&c).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c = types.Contact{OwnerDID: owner, PeerDID: peer, FirstSeenAt: time.Now().UTC(), InteractionCount: 1, Consent: types.ConsentUnknown}
			return tx.Create(&c).Error
		}
		if err != nil {
			return err
		}
		return tx.Model(&types.Contact{}).Where("owner_did = ? AND peer_did = ?", owner, peer).
			UpdateColumn("interaction_count", gorm.Expr("interaction_count + 1")).Error
	})
}

// SetConsent flips consent to allowed or blocked, creating the edge if absent.
func (r *ContactRepo) SetConsent(ctx context.Context, owner, peer string, consent types.ConsentState) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c types.Contact
		err := tx.Where("owner_did = ? AND peer_did = ?", owner, peer).First(&c).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c = types.Contact{OwnerDID: owner, PeerDID: peer, FirstSeenAt: time.Now().UTC(), Consent: consent}
			return tx.Create(&c).Error
		}
		if err != nil {
			return err
		}
		return tx.Model(&types.Contact{}).Where("owner_did = ? AND peer_did = ?", owner, peer).
			Update("consent", consent).Error
	})
}
