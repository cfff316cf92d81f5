package stores_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrEthical07/shopguard/internal/stores"
	"github.com/MrEthical07/shopguard/internal/stores/storetest"
)

func TestMigrateIsIdempotent(t *testing.T) {
	s := storetest.Open(t)
	ctx := context.Background()

	require.NoError(t, s.Migrate(ctx))
	v, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 9, v)
}

func TestSubjectLifecycle(t *testing.T) {
	s := storetest.Open(t)
	ctx := context.Background()

	sub, err := s.CreateSubject(ctx, stores.Subject{Identifier: "a@example.com", PasswordHash: "h", Active: true})
	require.NoError(t, err)
	assert.Equal(t, stores.KindCustomer, sub.Kind)
	assert.Len(t, sub.ID, 26)

	_, err = s.CreateSubject(ctx, stores.Subject{Identifier: "a@example.com", PasswordHash: "h"})
	assert.ErrorIs(t, err, stores.ErrConflict)

	require.NoError(t, s.MarkSubjectVerified(ctx, sub.ID))
	require.NoError(t, s.UpdatePasswordHash(ctx, sub.ID, "h2"))

	got, err := s.SubjectByIdentifier(ctx, "a@example.com")
	require.NoError(t, err)
	assert.True(t, got.Verified)
	assert.Equal(t, "h2", got.PasswordHash)

	assert.ErrorIs(t, s.SetSubjectActive(ctx, "missing", false), stores.ErrNotFound)
	_, err = s.SubjectByID(ctx, "missing")
	assert.ErrorIs(t, err, stores.ErrNotFound)
}

func TestSoftDeleteFreesIdentifier(t *testing.T) {
	s := storetest.Open(t)
	ctx := context.Background()

	sub, err := s.CreateSubject(ctx, stores.Subject{Identifier: "b@example.com", PasswordHash: "h", Active: true})
	require.NoError(t, err)

	require.NoError(t, s.SoftDeleteSubject(ctx, sub.ID))
	require.NoError(t, s.SoftDeleteSubject(ctx, sub.ID))

	got, err := s.SubjectByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.Equal(t, "deleted:"+sub.ID+":b@example.com", got.Identifier)

	again, err := s.CreateSubject(ctx, stores.Subject{Identifier: "b@example.com", PasswordHash: "h"})
	require.NoError(t, err)
	assert.NotEqual(t, sub.ID, again.ID)
}

func TestGrantMutationsBumpVersionOnce(t *testing.T) {
	s := storetest.Open(t)
	ctx := context.Background()

	role := storetest.SeedRole(t, s, "support", "orders:read")
	require.EqualValues(t, 2, role.Version)
	require.NoError(t, s.EnsurePermissions(ctx, stores.Permission{Code: "orders:write"}))

	v, changed, err := s.AddGrant(ctx, role.ID, "orders:write")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.EqualValues(t, 3, v)

	v, changed, err = s.AddGrant(ctx, role.ID, "orders:write")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.EqualValues(t, 3, v)

	v, changed, err = s.RemoveGrant(ctx, role.ID, "orders:read")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.EqualValues(t, 4, v)

	codes, version, err := s.RoleGrants(ctx, role.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"orders:write"}, codes)
	assert.EqualValues(t, 4, version)

	_, _, err = s.AddGrant(ctx, role.ID, "unknown:code")
	assert.ErrorIs(t, err, stores.ErrUnknownPermission)
	_, version, err = s.RoleGrants(ctx, role.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 4, version, "failed mutation must not bump")

	_, _, err = s.RoleGrants(ctx, "missing")
	assert.ErrorIs(t, err, stores.ErrNotFound)
}

func TestConcurrentGrantEditsNeverLoseAVersion(t *testing.T) {
	s := storetest.Open(t)
	ctx := context.Background()

	codes := []string{"a:1", "a:2", "a:3", "a:4", "a:5", "a:6", "a:7", "a:8"}
	role := storetest.SeedRole(t, s, "bulk")
	perms := make([]stores.Permission, 0, len(codes))
	for _, c := range codes {
		perms = append(perms, stores.Permission{Code: c})
	}
	require.NoError(t, s.EnsurePermissions(ctx, perms...))

	var wg sync.WaitGroup
	for _, c := range codes {
		wg.Add(1)
		go func(code string) {
			defer wg.Done()
			_, _, err := s.AddGrant(ctx, role.ID, code)
			assert.NoError(t, err)
		}(c)
	}
	wg.Wait()

	got, err := s.Role(ctx, role.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1+len(codes), got.Version)
}

func TestDeleteRoleGuards(t *testing.T) {
	s := storetest.Open(t)
	ctx := context.Background()

	sys, err := s.CreateRole(ctx, stores.Role{Code: "owner", Name: "Owner", IsSystem: true})
	require.NoError(t, err)
	assert.ErrorIs(t, s.DeleteRole(ctx, sys.ID), stores.ErrSystemRole)

	held := storetest.SeedRole(t, s, "held", "orders:read")
	storetest.SeedAdmin(t, s, "ops@example.com", held.ID, false, stores.Overrides{})
	assert.ErrorIs(t, s.DeleteRole(ctx, held.ID), stores.ErrConflict)

	free := storetest.SeedRole(t, s, "free", "orders:read")
	require.NoError(t, s.DeleteRole(ctx, free.ID))
	_, err = s.Role(ctx, free.ID)
	assert.ErrorIs(t, err, stores.ErrNotFound)
}

func TestAdminProfileMutationsBumpProfileVersion(t *testing.T) {
	s := storetest.Open(t)
	ctx := context.Background()

	r1 := storetest.SeedRole(t, s, "r1", "orders:read")
	r2 := storetest.SeedRole(t, s, "r2", "orders:write")
	admin := storetest.SeedAdmin(t, s, "admin@example.com", r1.ID, false, stores.Overrides{})

	p, err := s.AdminProfile(ctx, admin.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, p.ProfileVersion)
	assert.Equal(t, r1.ID, p.RoleID)

	require.NoError(t, s.AssignRole(ctx, admin.ID, r2.ID))
	require.NoError(t, s.SetOverrides(ctx, admin.ID, stores.Overrides{Add: []string{"catalog:read"}}))

	p, err = s.AdminProfile(ctx, admin.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, p.ProfileVersion)
	assert.Equal(t, r2.ID, p.RoleID)
	assert.Equal(t, []string{"catalog:read"}, p.Overrides.Add)

	assert.ErrorIs(t, s.AssignRole(ctx, admin.ID, "missing"), stores.ErrNotFound)

	super := storetest.SeedAdmin(t, s, "root@example.com", "", true, stores.Overrides{})
	assert.ErrorIs(t, s.AssignRole(ctx, super.ID, r1.ID), stores.ErrSuperAdminImmutable)
	assert.ErrorIs(t, s.SetOverrides(ctx, super.ID, stores.Overrides{}), stores.ErrSuperAdminImmutable)

	sp, err := s.AdminProfile(ctx, super.ID)
	require.NoError(t, err)
	assert.Empty(t, sp.RoleID)
}

func newRefresh(id, family, hash string, exp time.Time) stores.RefreshToken {
	return stores.RefreshToken{ID: id, SubjectID: "sub-1", TokenHash: hash, FamilyID: family, ExpiresAt: exp}
}

func TestRotateRefreshTokenIsSingleUse(t *testing.T) {
	s := storetest.Open(t)
	ctx := context.Background()
	exp := time.Now().Add(time.Hour)

	first, err := s.CreateRefreshToken(ctx, newRefresh("t1", "fam", "h1", exp))
	require.NoError(t, err)

	next, err := s.RotateRefreshToken(ctx, first.ID, newRefresh("t2", "fam", "h2", exp))
	require.NoError(t, err)
	assert.Equal(t, "t1", next.ParentTokenID)

	_, err = s.RotateRefreshToken(ctx, first.ID, newRefresh("t3", "fam", "h3", exp))
	assert.ErrorIs(t, err, stores.ErrTokenRevoked)
	_, err = s.RefreshTokenByHash(ctx, "h3")
	assert.ErrorIs(t, err, stores.ErrNotFound, "losing rotation must not insert")

	old, err := s.RefreshTokenByHash(ctx, "h1")
	require.NoError(t, err)
	assert.True(t, old.Revoked)
	require.NotNil(t, old.RevokedAt)

	n, err := s.RevokeFamily(ctx, "fam", stores.RevokedReuse)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	fam, err := s.FamilyTokens(ctx, "fam")
	require.NoError(t, err)
	require.Len(t, fam, 2)
	for _, tok := range fam {
		assert.True(t, tok.Revoked, tok.ID)
	}
}

func TestRotateRefreshTokenDuplicateHashRollsBack(t *testing.T) {
	s := storetest.Open(t)
	ctx := context.Background()
	exp := time.Now().Add(time.Hour)

	_, err := s.CreateRefreshToken(ctx, newRefresh("t1", "fam", "h1", exp))
	require.NoError(t, err)
	_, err = s.CreateRefreshToken(ctx, newRefresh("t9", "other", "h9", exp))
	require.NoError(t, err)

	_, err = s.RotateRefreshToken(ctx, "t1", newRefresh("t2", "fam", "h9", exp))
	assert.ErrorIs(t, err, stores.ErrConflict)

	old, err := s.RefreshTokenByHash(ctx, "h1")
	require.NoError(t, err)
	assert.False(t, old.Revoked, "revocation must roll back with the failed insert")
}

func TestRevokeAndPurge(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := storetest.Open(t, stores.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	_, err := s.CreateRefreshToken(ctx, newRefresh("live", "f1", "h1", now.Add(time.Hour)))
	require.NoError(t, err)
	_, err = s.CreateRefreshToken(ctx, newRefresh("dead", "f2", "h2", now.Add(-time.Hour)))
	require.NoError(t, err)

	require.NoError(t, s.RevokeRefreshToken(ctx, "live"))
	require.NoError(t, s.RevokeRefreshToken(ctx, "live"))
	assert.ErrorIs(t, s.RevokeRefreshToken(ctx, "nope"), stores.ErrNotFound)

	n, err := s.DeleteExpiredRefreshTokens(ctx, now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = s.RefreshTokenByHash(ctx, "h2")
	assert.ErrorIs(t, err, stores.ErrNotFound)
	live, err := s.RefreshTokenByHash(ctx, "h1")
	require.NoError(t, err)
	assert.True(t, live.Revoked)
	assert.False(t, live.Expired(now))
}

func TestRevokeSubjectTokens(t *testing.T) {
	s := storetest.Open(t)
	ctx := context.Background()
	exp := time.Now().Add(time.Hour)

	for i, fam := range []string{"f1", "f2", "f3"} {
		_, err := s.CreateRefreshToken(ctx, newRefresh("t"+fam, fam, strings.Repeat("h", i+1), exp))
		require.NoError(t, err)
	}
	n, err := s.RevokeSubjectTokens(ctx, "sub-1")
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestNilDatabaseIsUnavailable(t *testing.T) {
	s := stores.New(nil)
	_, err := s.SubjectByID(context.Background(), "x")
	assert.True(t, errors.Is(err, stores.ErrUnavailable))
	assert.ErrorIs(t, s.Ping(context.Background()), stores.ErrUnavailable)
}

func TestRevocationRecordsReason(t *testing.T) {
	s := storetest.Open(t)
	ctx := context.Background()
	exp := time.Now().Add(time.Hour)

	_, err := s.CreateRefreshToken(ctx, newRefresh("r1", "fam-a", "ha1", exp))
	require.NoError(t, err)
	_, err = s.RotateRefreshToken(ctx, "r1", newRefresh("r2", "fam-a", "ha2", exp))
	require.NoError(t, err)
	_, err = s.CreateRefreshToken(ctx, newRefresh("l1", "fam-b", "hb1", exp))
	require.NoError(t, err)
	require.NoError(t, s.RevokeRefreshToken(ctx, "l1"))
	_, err = s.CreateRefreshToken(ctx, newRefresh("s1", "fam-c", "hc1", exp))
	require.NoError(t, err)
	_, err = s.RevokeSubjectTokens(ctx, "sub-1")
	require.NoError(t, err)

	want := map[string]string{
		"ha1": stores.RevokedRotated,
		"ha2": stores.RevokedSubject,
		"hb1": stores.RevokedLogout,
		"hc1": stores.RevokedSubject,
	}
	for hash, reason := range want {
		tok, err := s.RefreshTokenByHash(ctx, hash)
		require.NoError(t, err)
		assert.True(t, tok.Revoked, hash)
		assert.Equal(t, reason, tok.RevokedReason, hash)
	}

	// a second revocation keeps the first reason
	n, err := s.RevokeFamily(ctx, "fam-a", stores.RevokedReuse)
	require.NoError(t, err)
	assert.Zero(t, n)
	first, err := s.RefreshTokenByHash(ctx, "ha1")
	require.NoError(t, err)
	assert.Equal(t, stores.RevokedRotated, first.RevokedReason)

	_, err = s.CreateRefreshToken(ctx, newRefresh("f1", "fam-d", "hd1", exp))
	require.NoError(t, err)
	_, err = s.RevokeFamily(ctx, "fam-d", stores.RevokedAdmin)
	require.NoError(t, err)
	fam, err := s.RefreshTokenByHash(ctx, "hd1")
	require.NoError(t, err)
	assert.Equal(t, stores.RevokedAdmin, fam.RevokedReason)

	live, err := s.CreateRefreshToken(ctx, newRefresh("n1", "fam-e", "he1", exp))
	require.NoError(t, err)
	assert.Empty(t, live.RevokedReason)
}
