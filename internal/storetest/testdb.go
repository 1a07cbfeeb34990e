// Package storetest provides an in-memory sqlite-backed store for tests of
// packages built on internal/store, avoiding a "testing" import in store
// itself.
package storetest

import (
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/ainp-network/broker/internal/store"
	"github.com/ainp-network/broker/internal/types"
)

// OpenDB opens a fresh in-memory sqlite gorm DB with every relational model
// migrated. Vector search is out of scope here: discovery's tests exercise a
// fake Repo instead, since pgvector has no sqlite analogue.
func OpenDB(t *testing.T) *store.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(
		&types.Agent{}, &types.Capability{}, &types.TrustRecord{},
		&types.Message{}, &types.Thread{}, &types.Contact{},
		&types.Negotiation{}, &types.CreditAccount{}, &types.LedgerEntry{},
		&types.PaymentRequest{}, &types.PaymentReceipt{}, &types.UsefulnessProof{}, &types.TaskReceipt{},
		&types.Attestation{}, &types.Reputation{}, &types.UsefulnessCache{},
	); err != nil {
		t.Fatalf("automigrate test db: %v", err)
	}
	return &store.Store{DB: db}
}
