package token

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/MrEthical07/shopguard/internal/stores"
	"github.com/MrEthical07/shopguard/jwt"
)

// Store is the durable refresh-token table.
type Store interface {
	CreateRefreshToken(ctx context.Context, t stores.RefreshToken) (stores.RefreshToken, error)
	RefreshTokenByHash(ctx context.Context, hash string) (stores.RefreshToken, error)
	RotateRefreshToken(ctx context.Context, oldID string, next stores.RefreshToken) (stores.RefreshToken, error)
	RevokeRefreshToken(ctx context.Context, id string) error
	RevokeFamily(ctx context.Context, familyID, reason string) (int64, error)
	RevokeSubjectTokens(ctx context.Context, subjectID string) (int64, error)
}

// Config sets token lifetimes.
type Config struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// Pair is an issued access/refresh pair.
type Pair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	SubjectID        string
	FamilyID         string
}

// Claims are the verified contents of an access token.
type Claims struct {
	SubjectID string
	TokenID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// ReuseEvent describes a detected replay. Reason is how the presented token
// had been revoked (stores.RevokedRotated or stores.RevokedReuse).
type ReuseEvent struct {
	SubjectID string
	FamilyID  string
	TokenID   string
	Reason    string
	Revoked   int64
}

// SubjectCheck vets the owner of a refresh token before it is rotated. An
// error wrapping ErrSubjectBlocked revokes every token of the subject; any
// other error aborts the rotation and leaves the token usable.
type SubjectCheck func(ctx context.Context, subjectID string) error

// Service is safe for concurrent use.
type Service struct {
	store        Store
	signer       *jwt.Manager
	config       Config
	now          func() time.Time
	log          *logrus.Logger
	onReuse      func(ReuseEvent)
	checkSubject SubjectCheck
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces the clock used for record expiry checks.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithLogger sets the logger used for security events.
func WithLogger(l *logrus.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithReuseHook is called after a family has been revoked for replay.
func WithReuseHook(fn func(ReuseEvent)) Option {
	return func(s *Service) { s.onReuse = fn }
}

// WithSubjectCheck makes Rotate consult fn before issuing a new pair.
func WithSubjectCheck(fn SubjectCheck) Option {
	return func(s *Service) { s.checkSubject = fn }
}

// New returns a Service.
func New(store Store, signer *jwt.Manager, cfg Config, opts ...Option) (*Service, error) {
	if store == nil || signer == nil {
		return nil, errors.New("token: store and signer are required")
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("token: access and refresh ttl must be > 0")
	}
	if cfg.AccessTTL >= cfg.RefreshTTL {
		return nil, errors.New("token: access ttl must be shorter than refresh ttl")
	}
	s := &Service{
		store:  store,
		signer: signer,
		config: cfg,
		now:    time.Now,
		log:    logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// HashToken is the one-way hash persisted for a signed refresh token.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Issue starts a new family for subjectID.
func (s *Service) Issue(ctx context.Context, subjectID string) (Pair, error) {
	if subjectID == "" {
		return Pair{}, ErrInvalid
	}
	familyID := uuid.NewString()
	recordID := uuid.NewString()

	refresh, refreshExp, err := s.signer.Sign(subjectID, jwt.TypeRefresh, recordID, s.config.RefreshTTL)
	if err != nil {
		return Pair{}, fmt.Errorf("sign refresh token: %w", err)
	}
	access, accessExp, err := s.signer.Sign(subjectID, jwt.TypeAccess, uuid.NewString(), s.config.AccessTTL)
	if err != nil {
		return Pair{}, fmt.Errorf("sign access token: %w", err)
	}

	if _, err := s.store.CreateRefreshToken(ctx, stores.RefreshToken{
		ID:        recordID,
		SubjectID: subjectID,
		TokenHash: HashToken(refresh),
		FamilyID:  familyID,
		ExpiresAt: refreshExp,
	}); err != nil {
		return Pair{}, fmt.Errorf("store refresh token: %w", err)
	}

	return Pair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
		SubjectID:        subjectID,
		FamilyID:         familyID,
	}, nil
}

// Rotate exchanges a refresh token for a new pair. The presented token can
// never be used again, whether or not rotation succeeds.
func (s *Service) Rotate(ctx context.Context, raw string) (Pair, error) {
	rec, err := s.lookup(ctx, raw)
	if err != nil {
		return Pair{}, err
	}
	if rec.Revoked {
		return Pair{}, s.replayed(ctx, rec)
	}
	if rec.Expired(s.now()) {
		return Pair{}, ErrExpired
	}
	if s.checkSubject != nil {
		if err := s.checkSubject(ctx, rec.SubjectID); err != nil {
			return Pair{}, s.refuse(ctx, rec, err)
		}
	}

	nextID := uuid.NewString()
	refresh, refreshExp, err := s.signer.Sign(rec.SubjectID, jwt.TypeRefresh, nextID, s.config.RefreshTTL)
	if err != nil {
		return Pair{}, fmt.Errorf("sign refresh token: %w", err)
	}
	access, accessExp, err := s.signer.Sign(rec.SubjectID, jwt.TypeAccess, uuid.NewString(), s.config.AccessTTL)
	if err != nil {
		return Pair{}, fmt.Errorf("sign access token: %w", err)
	}

	_, err = s.store.RotateRefreshToken(ctx, rec.ID, stores.RefreshToken{
		ID:        nextID,
		SubjectID: rec.SubjectID,
		TokenHash: HashToken(refresh),
		FamilyID:  rec.FamilyID,
		ExpiresAt: refreshExp,
	})
	if errors.Is(err, stores.ErrTokenRevoked) {
		// lost a race against another rotation, or a revocation, of the same token
		if cur, lerr := s.store.RefreshTokenByHash(ctx, rec.TokenHash); lerr == nil {
			rec = cur
		} else {
			rec.RevokedReason = stores.RevokedRotated
		}
		return Pair{}, s.replayed(ctx, rec)
	}
	if err != nil {
		return Pair{}, fmt.Errorf("rotate refresh token: %w", err)
	}

	return Pair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
		SubjectID:        rec.SubjectID,
		FamilyID:         rec.FamilyID,
	}, nil
}

// Revoke ends a single refresh token (logout). The rest of the family is untouched.
func (s *Service) Revoke(ctx context.Context, raw string) (stores.RefreshToken, error) {
	rec, err := s.lookup(ctx, raw)
	if err != nil {
		return stores.RefreshToken{}, err
	}
	if rec.Revoked {
		return rec, nil
	}
	if err := s.store.RevokeRefreshToken(ctx, rec.ID); err != nil {
		return stores.RefreshToken{}, fmt.Errorf("revoke refresh token: %w", err)
	}
	return rec, nil
}

// RevokeFamily revokes every live token of a family on operator request.
func (s *Service) RevokeFamily(ctx context.Context, familyID string) (int64, error) {
	return s.store.RevokeFamily(ctx, familyID, stores.RevokedAdmin)
}

// RevokeAll revokes every live token of a subject.
func (s *Service) RevokeAll(ctx context.Context, subjectID string) (int64, error) {
	return s.store.RevokeSubjectTokens(ctx, subjectID)
}

// VerifyAccess checks an access token without touching the store.
func (s *Service) VerifyAccess(raw string) (Claims, error) {
	c, err := s.signer.Parse(raw, jwt.TypeAccess)
	if errors.Is(err, jwt.ErrExpired) {
		return Claims{}, ErrExpired
	}
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	out := Claims{SubjectID: c.Subject, TokenID: c.ID}
	if c.IssuedAt != nil {
		out.IssuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		out.ExpiresAt = c.ExpiresAt.Time
	}
	return out, nil
}

func (s *Service) lookup(ctx context.Context, raw string) (stores.RefreshToken, error) {
	if raw == "" {
		return stores.RefreshToken{}, ErrInvalid
	}
	// expiry is judged from the durable record below
	claims, err := s.signer.ParseSignature(raw, jwt.TypeRefresh)
	if err != nil {
		return stores.RefreshToken{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	rec, err := s.store.RefreshTokenByHash(ctx, HashToken(raw))
	if errors.Is(err, stores.ErrNotFound) {
		return stores.RefreshToken{}, ErrInvalid
	}
	if err != nil {
		return stores.RefreshToken{}, fmt.Errorf("load refresh token: %w", err)
	}
	if rec.ID != claims.ID || rec.SubjectID != claims.Subject {
		return stores.RefreshToken{}, ErrInvalid
	}
	return rec, nil
}

// replayed handles a presented token that is already revoked. The family is
// revoked either way. Only a token ended by rotation or by an earlier reuse
// response counts as reuse; logout, subject lifecycle and operator
// revocations report ErrRevoked.
func (s *Service) replayed(ctx context.Context, rec stores.RefreshToken) error {
	n, err := s.store.RevokeFamily(ctx, rec.FamilyID, stores.RevokedReuse)
	fields := logrus.Fields{
		"subject_id":     rec.SubjectID,
		"family_id":      rec.FamilyID,
		"token_id":       rec.ID,
		"revoked_reason": rec.RevokedReason,
		"revoked":        n,
	}
	reuse := isReplay(rec.RevokedReason)
	if err != nil {
		s.log.WithFields(fields).WithError(err).Error("revoked refresh token presented, family revocation failed")
		if reuse {
			return errors.Join(ErrReuseDetected, err)
		}
		return errors.Join(ErrRevoked, err)
	}
	if !reuse {
		s.log.WithFields(fields).Info("revoked refresh token presented")
		return ErrRevoked
	}

	s.log.WithFields(fields).Warn("refresh token reuse detected, family revoked")
	if s.onReuse != nil {
		s.onReuse(ReuseEvent{
			SubjectID: rec.SubjectID,
			FamilyID:  rec.FamilyID,
			TokenID:   rec.ID,
			Reason:    rec.RevokedReason,
			Revoked:   n,
		})
	}
	return ErrReuseDetected
}

// isReplay treats records from before reasons were recorded as replays.
func isReplay(reason string) bool {
	switch reason {
	case stores.RevokedLogout, stores.RevokedSubject, stores.RevokedAdmin:
		return false
	}
	return true
}

// refuse ends every session of a subject the check rejected.
func (s *Service) refuse(ctx context.Context, rec stores.RefreshToken, cause error) error {
	if !errors.Is(cause, ErrSubjectBlocked) {
		return cause
	}
	n, err := s.store.RevokeSubjectTokens(ctx, rec.SubjectID)
	entry := s.log.WithFields(logrus.Fields{
		"subject_id": rec.SubjectID,
		"family_id":  rec.FamilyID,
		"revoked":    n,
	}).WithError(cause)
	if err != nil {
		entry.WithField("revoke_error", err.Error()).Error("refresh refused, subject token revocation failed")
		return errors.Join(cause, err)
	}
	entry.Info("refresh refused for blocked subject")
	return cause
}
