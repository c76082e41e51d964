package region

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meridian/backend/internal/domain/identity"
	"github.com/meridian/backend/internal/domain/ledger"
	"github.com/meridian/backend/internal/domain/region"
	"github.com/meridian/backend/internal/domain/shared"
	"github.com/meridian/backend/internal/infrastructure/config"
)

// Mock implementations

type mockUserRepository struct {
	mock.Mock
}

func (m *mockUserRepository) Save(ctx context.Context, user *identity.User) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}

func (m *mockUserRepository) Update(ctx context.Context, user *identity.User) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}

func (m *mockUserRepository) FindByID(ctx context.Context, organizationID, id uuid.UUID) (*identity.User, error) {
	args := m.Called(ctx, organizationID, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*identity.User), args.Error(1)
}

func (m *mockUserRepository) FindByEmail(ctx context.Context, organizationID uuid.UUID, email string) (*identity.User, error) {
	args := m.Called(ctx, organizationID, email)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*identity.User), args.Error(1)
}

func (m *mockUserRepository) AppendConsent(ctx context.Context, record *identity.ConsentRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *mockUserRepository) ConsentHistory(ctx context.Context, organizationID, userID uuid.UUID, scope identity.ConsentScope) ([]*identity.ConsentRecord, error) {
	args := m.Called(ctx, organizationID, userID, scope)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*identity.ConsentRecord), args.Error(1)
}

func (m *mockUserRepository) LatestConsent(ctx context.Context, organizationID, userID uuid.UUID, scope identity.ConsentScope) (*identity.ConsentRecord, error) {
	args := m.Called(ctx, organizationID, userID, scope)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*identity.ConsentRecord), args.Error(1)
}

type mockTransferRepository struct {
	mock.Mock
}

func (m *mockTransferRepository) Create(ctx context.Context, transfer *region.CrossBorderTransfer) error {
	args := m.Called(ctx, transfer)
	return args.Error(0)
}

func (m *mockTransferRepository) Discard(ctx context.Context, organizationID, id uuid.UUID) error {
	args := m.Called(ctx, organizationID, id)
	return args.Error(0)
}

func (m *mockTransferRepository) FindByID(ctx context.Context, organizationID, id uuid.UUID) (*region.CrossBorderTransfer, error) {
	args := m.Called(ctx, organizationID, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*region.CrossBorderTransfer), args.Error(1)
}

func (m *mockTransferRepository) ListForOrganization(ctx context.Context, organizationID uuid.UUID, from, to time.Time, filter shared.Filter) ([]*region.CrossBorderTransfer, int64, error) {
	args := m.Called(ctx, organizationID, from, to, filter)
	if args.Get(0) == nil {
		return nil, args.Get(1).(int64), args.Error(2)
	}
	return args.Get(0).([]*region.CrossBorderTransfer), args.Get(1).(int64), args.Error(2)
}

func (m *mockTransferRepository) CountByDestination(ctx context.Context, organizationID uuid.UUID, destination region.Code, from, to time.Time) (int64, error) {
	args := m.Called(ctx, organizationID, destination, from, to)
	return args.Get(0).(int64), args.Error(1)
}

type mockUsageRecordRepository struct {
	mock.Mock
}

func (m *mockUsageRecordRepository) Save(ctx context.Context, record *ledger.UsageRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *mockUsageRecordRepository) FindByID(ctx context.Context, id uuid.UUID) (*ledger.UsageRecord, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ledger.UsageRecord), args.Error(1)
}

func (m *mockUsageRecordRepository) List(ctx context.Context, organizationID uuid.UUID, filter shared.Filter) (*shared.Paginated[ledger.UsageRecord], error) {
	args := m.Called(ctx, organizationID, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*shared.Paginated[ledger.UsageRecord]), args.Error(1)
}

func (m *mockUsageRecordRepository) ListPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*ledger.UsageRecord, error) {
	args := m.Called(ctx, cutoff, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*ledger.UsageRecord), args.Error(1)
}

func (m *mockUsageRecordRepository) ListByRegion(ctx context.Context, organizationID uuid.UUID, stored region.Code, filter shared.Filter) (*shared.Paginated[ledger.UsageRecord], error) {
	args := m.Called(ctx, organizationID, stored, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*shared.Paginated[ledger.UsageRecord]), args.Error(1)
}

func (m *mockUsageRecordRepository) SumCostInPeriod(ctx context.Context, organizationID uuid.UUID, start, end time.Time) (decimal.Decimal, error) {
	args := m.Called(ctx, organizationID, start, end)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *mockUsageRecordRepository) SumCostByTeamInPeriod(ctx context.Context, teamID uuid.UUID, start, end time.Time) (decimal.Decimal, error) {
	args := m.Called(ctx, teamID, start, end)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *mockUsageRecordRepository) SumCostByKeyInPeriod(ctx context.Context, keyID uuid.UUID, start, end time.Time) (decimal.Decimal, error) {
	args := m.Called(ctx, keyID, start, end)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *mockUsageRecordRepository) AggregateByModelInPeriod(ctx context.Context, organizationID uuid.UUID, start, end time.Time) ([]ledger.ModelUsage, error) {
	args := m.Called(ctx, organizationID, start, end)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]ledger.ModelUsage), args.Error(1)
}

func (m *mockUsageRecordRepository) DeleteSettledOlderThan(ctx context.Context, organizationID uuid.UUID, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, organizationID, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

// fakePartitions is a deterministic stand-in for the deployment's partition
// set. Nearest prefers the home region, then the first provisioned candidate.
type fakePartitions struct {
	home        region.Code
	provisioned map[region.Code]bool
}

func (p *fakePartitions) Home() region.Code { return p.home }

func (p *fakePartitions) Provisioned(code region.Code) bool { return p.provisioned[code] }

func (p *fakePartitions) Nearest(candidates region.CodeList) (region.Code, error) {
	if candidates.Contains(p.home) {
		return p.home, nil
	}
	for _, c := range candidates {
		if p.provisioned[c] {
			return c, nil
		}
	}
	return "", region.ErrRegionNotProvisioned
}

const (
	homeRegion   = region.Code("eu-west-1")
	remoteRegion = region.Code("us-east-1")
)

func newRoutedOrg(t *testing.T, tier identity.Tier) *identity.Organization {
	t.Helper()
	org, err := identity.NewOrganization("acme", "Acme Corp", homeRegion)
	require.NoError(t, err)
	require.NoError(t, org.ProvisionRegion(remoteRegion))
	require.NoError(t, org.SetTier(tier))
	return org
}

func newTestRouter(userRepo *mockUserRepository, transferRepo *mockTransferRepository, usageRepo *mockUsageRecordRepository, adequacyPairs ...string) *Router {
	partitions := &fakePartitions{
		home:        homeRegion,
		provisioned: map[region.Code]bool{homeRegion: true, remoteRegion: true},
	}
	return NewRouter(partitions, userRepo, transferRepo, usageRepo,
		config.RegionsConfig{AdequacyPairs: adequacyPairs}, zap.NewNop())
}

func TestRouter_Route(t *testing.T) {
	ctx := context.Background()

	t.Run("routes locally when residency and processing coincide", func(t *testing.T) {
		r := newTestRouter(new(mockUserRepository), new(mockTransferRepository), new(mockUsageRecordRepository))
		org := newRoutedOrg(t, identity.TierFree)

		decision, err := r.Route(ctx, RouteInput{Organization: org, UserRegion: homeRegion})
		require.NoError(t, err)
		assert.Equal(t, homeRegion, decision.ProcessedRegion)
		assert.Equal(t, homeRegion, decision.StoredRegion)
		assert.False(t, decision.CrossBorder)
	})

	t.Run("rejects an unprovisioned residency region", func(t *testing.T) {
		r := newTestRouter(new(mockUserRepository), new(mockTransferRepository), new(mockUsageRecordRepository))
		org := newRoutedOrg(t, identity.TierFree)

		_, err := r.Route(ctx, RouteInput{Organization: org, ResidencyRegion: region.Code("ap-south-1")})
		assert.ErrorIs(t, err, region.ErrRegionNotProvisioned)
	})

	t.Run("denies a cross-border route with no legal basis", func(t *testing.T) {
		r := newTestRouter(new(mockUserRepository), new(mockTransferRepository), new(mockUsageRecordRepository))
		org := newRoutedOrg(t, identity.TierFree)

		_, err := r.Route(ctx, RouteInput{
			Organization:    org,
			ResidencyRegion: homeRegion,
			RequestedRegion: remoteRegion,
		})
		assert.ErrorIs(t, err, region.ErrNoLegalBasisForTransfer)
	})

	t.Run("prefers an adequacy decision over everything else", func(t *testing.T) {
		r := newTestRouter(new(mockUserRepository), new(mockTransferRepository), new(mockUsageRecordRepository),
			"eu-west-1:us-east-1")
		org := newRoutedOrg(t, identity.TierFree)

		decision, err := r.Route(ctx, RouteInput{
			Organization:    org,
			ResidencyRegion: homeRegion,
			RequestedRegion: remoteRegion,
		})
		require.NoError(t, err)
		assert.True(t, decision.CrossBorder)
		assert.Equal(t, homeRegion, decision.StoredRegion)
		assert.Equal(t, remoteRegion, decision.ProcessedRegion)
		assert.Equal(t, region.LegalBasisAdequacy, decision.LegalBasis)
	})

	t.Run("contractual clause tiers fall back to standard clauses", func(t *testing.T) {
		r := newTestRouter(new(mockUserRepository), new(mockTransferRepository), new(mockUsageRecordRepository))
		org := newRoutedOrg(t, identity.TierPro)

		decision, err := r.Route(ctx, RouteInput{
			Organization:    org,
			ResidencyRegion: homeRegion,
			RequestedRegion: remoteRegion,
		})
		require.NoError(t, err)
		assert.Equal(t, region.LegalBasisSCC, decision.LegalBasis)
	})

	t.Run("user consent covers free-tier transfers", func(t *testing.T) {
		userRepo := new(mockUserRepository)
		r := newTestRouter(userRepo, new(mockTransferRepository), new(mockUsageRecordRepository))
		org := newRoutedOrg(t, identity.TierFree)
		userID := uuid.New()

		consent, err := identity.NewConsentRecord(org.ID, userID, identity.ConsentScopeCrossBorderTransfer, true, "v2")
		require.NoError(t, err)
		userRepo.On("LatestConsent", mock.Anything, org.ID, userID, identity.ConsentScopeCrossBorderTransfer).
			Return(consent, nil)

		decision, err := r.Route(ctx, RouteInput{
			Organization:    org,
			UserID:          &userID,
			ResidencyRegion: homeRegion,
			RequestedRegion: remoteRegion,
		})
		require.NoError(t, err)
		assert.Equal(t, region.LegalBasisConsent, decision.LegalBasis)
	})

	t.Run("withdrawn consent does not authorize the transfer", func(t *testing.T) {
		userRepo := new(mockUserRepository)
		r := newTestRouter(userRepo, new(mockTransferRepository), new(mockUsageRecordRepository))
		org := newRoutedOrg(t, identity.TierFree)
		userID := uuid.New()

		withdrawal, err := identity.NewConsentRecord(org.ID, userID, identity.ConsentScopeCrossBorderTransfer, false, "v2")
		require.NoError(t, err)
		userRepo.On("LatestConsent", mock.Anything, org.ID, userID, identity.ConsentScopeCrossBorderTransfer).
			Return(withdrawal, nil)

		_, err = r.Route(ctx, RouteInput{
			Organization:    org,
			UserID:          &userID,
			ResidencyRegion: homeRegion,
			RequestedRegion: remoteRegion,
		})
		assert.ErrorIs(t, err, region.ErrNoLegalBasisForTransfer)
	})

	t.Run("contract necessity is the basis of last resort", func(t *testing.T) {
		userRepo := new(mockUserRepository)
		userRepo.On("LatestConsent", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(nil, shared.ErrNotFound)
		r := newTestRouter(userRepo, new(mockTransferRepository), new(mockUsageRecordRepository))
		org := newRoutedOrg(t, identity.TierFree)
		userID := uuid.New()

		decision, err := r.Route(ctx, RouteInput{
			Organization:      org,
			UserID:            &userID,
			ResidencyRegion:   homeRegion,
			RequestedRegion:   remoteRegion,
			ContractNecessity: true,
		})
		require.NoError(t, err)
		assert.Equal(t, region.LegalBasisContract, decision.LegalBasis)
	})

	t.Run("only override tiers may pin storage", func(t *testing.T) {
		r := newTestRouter(new(mockUserRepository), new(mockTransferRepository), new(mockUsageRecordRepository))

		org := newRoutedOrg(t, identity.TierFree)
		_, err := r.Route(ctx, RouteInput{
			Organization:    org,
			ResidencyRegion: homeRegion,
			RequestedRegion: remoteRegion,
			PinStorage:      true,
		})
		var domainErr *shared.DomainError
		require.ErrorAs(t, err, &domainErr)
		assert.Equal(t, "REGION_OVERRIDE_FORBIDDEN", domainErr.Code)

		enterprise := newRoutedOrg(t, identity.TierEnterprise)
		decision, err := r.Route(ctx, RouteInput{
			Organization:    enterprise,
			ResidencyRegion: homeRegion,
			RequestedRegion: remoteRegion,
			PinStorage:      true,
		})
		require.NoError(t, err)
		assert.Equal(t, remoteRegion, decision.StoredRegion)
		assert.Equal(t, remoteRegion, decision.ProcessedRegion)
		assert.False(t, decision.CrossBorder)
	})
}

func TestRouter_Commit(t *testing.T) {
	ctx := context.Background()

	t.Run("persists a local decision without transfer evidence", func(t *testing.T) {
		transferRepo := new(mockTransferRepository)
		usageRepo := new(mockUsageRecordRepository)
		usageRepo.On("Save", mock.Anything, mock.AnythingOfType("*ledger.UsageRecord")).Return(nil)
		r := newTestRouter(new(mockUserRepository), transferRepo, usageRepo)
		org := newRoutedOrg(t, identity.TierFree)

		record, err := r.Commit(ctx, CommitInput{
			Decision: region.RoutingDecision{
				ProcessedRegion: homeRegion,
				StoredRegion:    homeRegion,
			},
			Organization: org,
			Model:        "claude-sonnet",
			UserRegion:   homeRegion,
		})
		require.NoError(t, err)
		assert.Equal(t, ledger.UsagePending, record.Status)
		assert.Nil(t, record.TransferID)
		transferRepo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
		usageRepo.AssertExpectations(t)
	})

	t.Run("writes the transfer before the usage record", func(t *testing.T) {
		transferRepo := new(mockTransferRepository)
		usageRepo := new(mockUsageRecordRepository)
		var createdTransfer *region.CrossBorderTransfer
		transferRepo.On("Create", mock.Anything, mock.AnythingOfType("*region.CrossBorderTransfer")).
			Run(func(args mock.Arguments) {
				createdTransfer = args.Get(1).(*region.CrossBorderTransfer)
			}).Return(nil)
		usageRepo.On("Save", mock.Anything, mock.AnythingOfType("*ledger.UsageRecord")).Return(nil)
		r := newTestRouter(new(mockUserRepository), transferRepo, usageRepo)
		org := newRoutedOrg(t, identity.TierPro)

		record, err := r.Commit(ctx, CommitInput{
			Decision: region.RoutingDecision{
				ProcessedRegion: remoteRegion,
				StoredRegion:    homeRegion,
				CrossBorder:     true,
				LegalBasis:      region.LegalBasisSCC,
			},
			Organization: org,
			Model:        "claude-sonnet",
			UserRegion:   homeRegion,
		})
		require.NoError(t, err)
		require.NotNil(t, createdTransfer)
		assert.Equal(t, homeRegion, createdTransfer.SourceRegion)
		assert.Equal(t, remoteRegion, createdTransfer.DestinationRegion)
		require.NotNil(t, record.TransferID)
		assert.Equal(t, createdTransfer.ID, *record.TransferID)
	})

	t.Run("a failed transfer write leaves no usage row behind", func(t *testing.T) {
		transferRepo := new(mockTransferRepository)
		usageRepo := new(mockUsageRecordRepository)
		transferRepo.On("Create", mock.Anything, mock.Anything).Return(errors.New("db down"))
		r := newTestRouter(new(mockUserRepository), transferRepo, usageRepo)
		org := newRoutedOrg(t, identity.TierPro)

		_, err := r.Commit(ctx, CommitInput{
			Decision: region.RoutingDecision{
				ProcessedRegion: remoteRegion,
				StoredRegion:    homeRegion,
				CrossBorder:     true,
				LegalBasis:      region.LegalBasisSCC,
			},
			Organization: org,
			Model:        "claude-sonnet",
			UserRegion:   homeRegion,
		})
		require.Error(t, err)
		usageRepo.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
	})

	t.Run("a failed usage write discards the write-ahead transfer", func(t *testing.T) {
		transferRepo := new(mockTransferRepository)
		usageRepo := new(mockUsageRecordRepository)
		org := newRoutedOrg(t, identity.TierPro)

		var createdTransfer *region.CrossBorderTransfer
		transferRepo.On("Create", mock.Anything, mock.AnythingOfType("*region.CrossBorderTransfer")).
			Run(func(args mock.Arguments) {
				createdTransfer = args.Get(1).(*region.CrossBorderTransfer)
			}).Return(nil)
		usageRepo.On("Save", mock.Anything, mock.Anything).Return(errors.New("partition unavailable"))
		transferRepo.On("Discard", mock.Anything, org.ID, mock.AnythingOfType("uuid.UUID")).Return(nil)

		r := newTestRouter(new(mockUserRepository), transferRepo, usageRepo)

		_, err := r.Commit(ctx, CommitInput{
			Decision: region.RoutingDecision{
				ProcessedRegion: remoteRegion,
				StoredRegion:    homeRegion,
				CrossBorder:     true,
				LegalBasis:      region.LegalBasisSCC,
			},
			Organization: org,
			Model:        "claude-sonnet",
			UserRegion:   homeRegion,
		})
		require.Error(t, err)
		require.NotNil(t, createdTransfer)
		transferRepo.AssertCalled(t, "Discard", mock.Anything, org.ID, createdTransfer.ID)
	})
}

func TestRouter_RouteAndCommit(t *testing.T) {
	ctx := context.Background()
	usageRepo := new(mockUsageRecordRepository)
	usageRepo.On("Save", mock.Anything, mock.AnythingOfType("*ledger.UsageRecord")).Return(nil)
	r := newTestRouter(new(mockUserRepository), new(mockTransferRepository), usageRepo)
	org := newRoutedOrg(t, identity.TierFree)
	userID := uuid.New()
	keyID := uuid.New()

	decision, record, err := r.RouteAndCommit(ctx, RouteInput{
		Organization: org,
		UserID:       &userID,
		UserRegion:   homeRegion,
	}, "gpt-4o", nil, &keyID)
	require.NoError(t, err)
	assert.False(t, decision.CrossBorder)
	require.NotNil(t, record.UserID)
	assert.Equal(t, userID, *record.UserID)
	require.NotNil(t, record.VirtualKeyID)
	assert.Equal(t, keyID, *record.VirtualKeyID)
	assert.Equal(t, "gpt-4o", record.Model)
}
