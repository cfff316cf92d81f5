// Package storetest opens throwaway in-memory stores for tests.
package storetest

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/MrEthical07/shopguard/internal/stores"
)

// Open returns a migrated store over a private in-memory sqlite database.
func Open(t testing.TB, opts ...stores.Option) *stores.Store {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:?_foreign_keys=on")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// every connection would get its own empty database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	s := stores.New(db, opts...)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

// SeedAdmin creates an admin subject with a profile pointing at roleID.
func SeedAdmin(t testing.TB, s *stores.Store, identifier, roleID string, super bool, overrides stores.Overrides) stores.Subject {
	t.Helper()
	ctx := context.Background()
	sub, err := s.CreateSubject(ctx, stores.Subject{
		Identifier:   identifier,
		PasswordHash: "x",
		Kind:         stores.KindAdmin,
		Active:       true,
		Verified:     true,
	})
	if err != nil {
		t.Fatalf("create subject: %v", err)
	}
	if err := s.CreateAdminProfile(ctx, stores.AdminProfile{
		SubjectID:    sub.ID,
		RoleID:       roleID,
		IsSuperAdmin: super,
		Overrides:    overrides,
	}); err != nil {
		t.Fatalf("create admin profile: %v", err)
	}
	return sub
}

// SeedRole creates a role holding codes, registering the permissions first.
func SeedRole(t testing.TB, s *stores.Store, code string, codes ...string) stores.Role {
	t.Helper()
	ctx := context.Background()
	perms := make([]stores.Permission, 0, len(codes))
	for _, c := range codes {
		perms = append(perms, stores.Permission{Code: c})
	}
	if err := s.EnsurePermissions(ctx, perms...); err != nil {
		t.Fatalf("ensure permissions: %v", err)
	}
	role, err := s.CreateRole(ctx, stores.Role{Code: code, Name: code})
	if err != nil {
		t.Fatalf("create role: %v", err)
	}
	if len(codes) > 0 {
		v, err := s.ReplaceGrants(ctx, role.ID, codes)
		if err != nil {
			t.Fatalf("replace grants: %v", err)
		}
		role.Version = v
	}
	return role
}
