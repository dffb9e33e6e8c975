// Package testing provides shared test helpers for the prism engine:
// throwaway databases and canonical fixtures.
package testing

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/skeptomenos/prism/internal/database"
	"github.com/skeptomenos/prism/internal/identity"
	"github.com/skeptomenos/prism/internal/portfolio"
)

// NopLogger returns a silent logger for tests.
func NopLogger() zerolog.Logger {
	return zerolog.Nop()
}

// NewIdentityCache creates an identity cache on a throwaway database.
func NewIdentityCache(t *testing.T) *identity.Cache {
	t.Helper()

	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "hive_cache.db"),
		Profile: database.ProfileCache,
		Name:    "identity-test",
	})
	if err != nil {
		t.Fatalf("failed to open test identity database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cache, err := identity.NewCache(db, NopLogger())
	if err != nil {
		t.Fatalf("failed to create test identity cache: %v", err)
	}
	return cache
}

// NewPortfolioStore creates a positions store on a throwaway database.
func NewPortfolioStore(t *testing.T) *portfolio.Store {
	t.Helper()

	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "portfolio.db"),
		Profile: database.ProfilePortfolio,
		Name:    "portfolio-test",
	})
	if err != nil {
		t.Fatalf("failed to open test portfolio database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := portfolio.NewStore(db, NopLogger())
	if err != nil {
		t.Fatalf("failed to create test portfolio store: %v", err)
	}
	return store
}
