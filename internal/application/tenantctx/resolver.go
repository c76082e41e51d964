// Package tenantctx resolves authenticated principals into tenant
// contexts. Every downstream component call requires a resolved context;
// the resolver also primes the request context so the persistence layer's
// organization scoping applies automatically.
package tenantctx

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meridian/backend/internal/domain/identity"
	"github.com/meridian/backend/internal/domain/region"
	"github.com/meridian/backend/internal/domain/shared"
	"github.com/meridian/backend/internal/infrastructure/auth"
	"github.com/meridian/backend/internal/infrastructure/logger"
	"github.com/meridian/backend/internal/infrastructure/persistence/orgscope"
)

// Principal is a verified identity supplied by a trusted upstream, either
// directly or parsed from a session token or virtual key. The resolver never
// authenticates; it only looks the principal's tenant up.
type Principal struct {
	OrganizationID uuid.UUID
	UserID         uuid.UUID
	Role           identity.Role
	Region         region.Code
}

// TenantContext is the resolved tenant scope for one unit of work
type TenantContext struct {
	OrganizationID uuid.UUID
	UserID         uuid.UUID
	Role           identity.Role
	ActiveRegion   region.Code
	Organization   *identity.Organization
	VirtualKey     *identity.VirtualKey // set when resolved from an API key
}

// Resolver turns principals into tenant contexts
type Resolver struct {
	orgRepo     identity.OrganizationRepository
	keyRepo     identity.VirtualKeyRepository
	verifier    *auth.TokenVerifier
	revocations auth.RevocationStore
	logger      *zap.Logger
}

// NewResolver creates a new tenant context resolver
func NewResolver(
	orgRepo identity.OrganizationRepository,
	keyRepo identity.VirtualKeyRepository,
	verifier *auth.TokenVerifier,
	revocations auth.RevocationStore,
	log *zap.Logger,
) *Resolver {
	return &Resolver{
		orgRepo:     orgRepo,
		keyRepo:     keyRepo,
		verifier:    verifier,
		revocations: revocations,
		logger:      log,
	}
}

// Resolve looks up the principal's organization and returns the tenant
// context plus a request context primed for organization scoping. It fails
// with shared.ErrUnauthenticated for an unknown principal and
// shared.ErrTenantSuspended when the subscription no longer permits work.
func (r *Resolver) Resolve(ctx context.Context, principal Principal) (context.Context, *TenantContext, error) {
	if principal.OrganizationID == uuid.Nil {
		return ctx, nil, shared.ErrUnauthenticated
	}

	org, err := r.orgRepo.FindByID(ctx, principal.OrganizationID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return ctx, nil, shared.ErrUnauthenticated
		}
		return ctx, nil, fmt.Errorf("failed to resolve organization: %w", err)
	}

	if !org.IsOperational() {
		r.logger.Warn("Rejected principal of non-operational organization",
			zap.String("organization_id", org.ID.String()),
			zap.String("subscription_state", string(org.SubscriptionState)))
		return ctx, nil, shared.ErrTenantSuspended
	}

	activeRegion := principal.Region
	if activeRegion.IsZero() {
		activeRegion = org.PrimaryRegion
	}

	tc := &TenantContext{
		OrganizationID: org.ID,
		UserID:         principal.UserID,
		Role:           principal.Role,
		ActiveRegion:   activeRegion,
		Organization:   org,
	}

	ctx = r.prime(ctx, tc)
	return ctx, tc, nil
}

// ResolveToken verifies a session token, checks revocation, and resolves
// the embedded principal.
func (r *Resolver) ResolveToken(ctx context.Context, token string) (context.Context, *TenantContext, error) {
	claims, err := r.verifier.Verify(token)
	if err != nil {
		r.logger.Debug("Token verification failed", zap.Error(err))
		return ctx, nil, shared.ErrUnauthenticated
	}

	if claims.ID != "" {
		revoked, err := r.revocations.IsTokenRevoked(ctx, claims.ID)
		if err != nil {
			return ctx, nil, fmt.Errorf("revocation check failed: %w", err)
		}
		if revoked {
			return ctx, nil, shared.ErrUnauthenticated
		}
	}

	userID, err := claims.GetUserUUID()
	if err != nil {
		return ctx, nil, shared.ErrUnauthenticated
	}
	invalidated, err := r.revocations.IsSessionInvalidated(ctx, claims.UserID, claims.GetIssuedAtTime())
	if err != nil {
		return ctx, nil, fmt.Errorf("revocation check failed: %w", err)
	}
	if invalidated {
		return ctx, nil, shared.ErrUnauthenticated
	}

	orgID, err := claims.GetOrgUUID()
	if err != nil {
		return ctx, nil, shared.ErrUnauthenticated
	}

	return r.Resolve(ctx, Principal{
		OrganizationID: orgID,
		UserID:         userID,
		Role:           identity.Role(claims.Role),
		Region:         region.Code(claims.Region),
	})
}

// ResolveAPIKey hashes raw virtual key material, looks the key up, and
// resolves its owning organization. Revoked and inactive keys fail with
// shared.ErrUnauthenticated exactly like unknown ones.
func (r *Resolver) ResolveAPIKey(ctx context.Context, rawKey string) (context.Context, *TenantContext, error) {
	keyHash, err := auth.HashAPIKey(rawKey)
	if err != nil {
		return ctx, nil, shared.ErrUnauthenticated
	}

	revoked, err := r.revocations.IsKeyRevoked(ctx, keyHash)
	if err != nil {
		return ctx, nil, fmt.Errorf("revocation check failed: %w", err)
	}
	if revoked {
		return ctx, nil, shared.ErrUnauthenticated
	}

	// The owning organization is not known until the key row is read, so
	// this one lookup runs outside organization scoping
	key, err := r.keyRepo.FindByKeyHash(orgscope.WithBypass(ctx), keyHash)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return ctx, nil, shared.ErrUnauthenticated
		}
		return ctx, nil, fmt.Errorf("failed to look up virtual key: %w", err)
	}
	if !key.IsActive() {
		return ctx, nil, shared.ErrUnauthenticated
	}

	ctx, tc, err := r.Resolve(ctx, Principal{
		OrganizationID: key.OrganizationID,
		Role:           identity.RoleMember,
		Region:         key.Region,
	})
	if err != nil {
		return ctx, nil, err
	}
	tc.VirtualKey = key
	return ctx, tc, nil
}

// AsSuperadmin returns a context exempt from organization scoping. Only
// superadmin principals may request the bypass; anything else is forbidden.
func (r *Resolver) AsSuperadmin(ctx context.Context, principal Principal) (context.Context, error) {
	if principal.Role != identity.RoleSuperadmin {
		return ctx, shared.ErrForbidden
	}
	r.logger.Info("Superadmin scope bypass granted",
		zap.String("user_id", principal.UserID.String()))
	return orgscope.WithBypass(ctx), nil
}

// prime stores the tenant identifiers in the context so the scoping layer
// and the contextual logger pick them up.
func (r *Resolver) prime(ctx context.Context, tc *TenantContext) context.Context {
	ctx, _ = logger.WithOrgID(ctx, r.logger, tc.OrganizationID.String())
	if tc.UserID != uuid.Nil {
		ctx, _ = logger.WithUserID(ctx, logger.FromContext(ctx), tc.UserID.String())
	}
	ctx, _ = logger.WithRegion(ctx, logger.FromContext(ctx), tc.ActiveRegion.String())
	return ctx
}
