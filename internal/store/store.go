// Package store wires the relational store (Postgres + gorm, with the
// pgvector extension for capability embeddings) the way the teacher wires
// its own gorm-backed persistence: one *gorm.DB, migrated at boot, handed
// to narrow per-component repositories rather than a single god object.
package store

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ainp-network/broker/internal/types"
)

// Store holds the database handle shared by the per-domain repositories.
type Store struct {
	DB *gorm.DB
}

// Open connects to Postgres and returns a Store. Callers run Migrate
// separately so tests can point at a schema already prepared out of band.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	return &Store{DB: db}, nil
}

// Migrate creates or updates every table this service owns, plus the
// capability vector column and its HNSW index, which gorm's struct-tag
// migration cannot express and so is issued as raw SQL per §6.
func (s *Store) Migrate() error {
	if err := s.DB.AutoMigrate(
		&types.Agent{},
		&types.Capability{},
		&types.TrustRecord{},
		&types.Thread{},
		&types.Message{},
		&types.Contact{},
		&types.Negotiation{},
		&types.CreditAccount{},
		&types.LedgerEntry{},
		&types.PaymentRequest{},
		&types.PaymentReceipt{},
		&types.UsefulnessProof{},
		&types.TaskReceipt{},
		&types.Reputation{},
		&types.UsefulnessCache{},
	); err != nil {
		return fmt.Errorf("store: automigrate: %w", err)
	}

	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`ALTER TABLE capabilities ADD COLUMN IF NOT EXISTS embedding vector(1536)`,
		`CREATE INDEX IF NOT EXISTS idx_capabilities_embedding_hnsw
			ON capabilities USING hnsw (embedding vector_cosine_ops)
			WITH (m = 16, ef_construction = 64)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_owner_created
			ON messages (owner_did, created_at DESC, id DESC)`,
	}
	for _, stmt := range stmts {
		if err := s.DB.Exec(stmt).Error; err != nil {
			return fmt.Errorf("store: migrate vector schema: %w", err)
		}
	}
	return nil
}

// Ping verifies the database connection is reachable, used by /health/ready.
func (s *Store) Ping() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}
