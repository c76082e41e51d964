package ledger

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

	appaudit "github.com/meridian/backend/internal/application/audit"
	appquota "github.com/meridian/backend/internal/application/quota"
	appregion "github.com/meridian/backend/internal/application/region"
	"github.com/meridian/backend/internal/domain/audit"
	"github.com/meridian/backend/internal/domain/identity"
	"github.com/meridian/backend/internal/domain/ledger"
	"github.com/meridian/backend/internal/domain/quota"
	"github.com/meridian/backend/internal/domain/region"
	"github.com/meridian/backend/internal/domain/shared"
	"github.com/meridian/backend/internal/infrastructure/config"
)

// Mock implementations

type mockCreditTransactionRepository struct {
	mock.Mock
}

func (m *mockCreditTransactionRepository) Append(ctx context.Context, organizationID uuid.UUID, txType ledger.TransactionType, amount decimal.Decimal, description, reference string) (*ledger.CreditTransaction, error) {
	args := m.Called(ctx, organizationID, txType, amount, description, reference)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ledger.CreditTransaction), args.Error(1)
}

func (m *mockCreditTransactionRepository) FindByID(ctx context.Context, id uuid.UUID) (*ledger.CreditTransaction, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ledger.CreditTransaction), args.Error(1)
}

func (m *mockCreditTransactionRepository) Latest(ctx context.Context, organizationID uuid.UUID) (*ledger.CreditTransaction, error) {
	args := m.Called(ctx, organizationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ledger.CreditTransaction), args.Error(1)
}

func (m *mockCreditTransactionRepository) CurrentBalance(ctx context.Context, organizationID uuid.UUID) (decimal.Decimal, error) {
	args := m.Called(ctx, organizationID)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *mockCreditTransactionRepository) List(ctx context.Context, organizationID uuid.UUID, filter shared.Filter) (*shared.Paginated[ledger.CreditTransaction], error) {
	args := m.Called(ctx, organizationID, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*shared.Paginated[ledger.CreditTransaction]), args.Error(1)
}

func (m *mockCreditTransactionRepository) ListByType(ctx context.Context, organizationID uuid.UUID, txType ledger.TransactionType, filter shared.Filter) (*shared.Paginated[ledger.CreditTransaction], error) {
	args := m.Called(ctx, organizationID, txType, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*shared.Paginated[ledger.CreditTransaction]), args.Error(1)
}

func (m *mockCreditTransactionRepository) SumInPeriod(ctx context.Context, organizationID uuid.UUID, txType ledger.TransactionType, start, end time.Time) (decimal.Decimal, error) {
	args := m.Called(ctx, organizationID, txType, start, end)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

type mockInvoiceRepository struct {
	mock.Mock
}

func (m *mockInvoiceRepository) Save(ctx context.Context, invoice *ledger.Invoice) error {
	args := m.Called(ctx, invoice)
	return args.Error(0)
}

func (m *mockInvoiceRepository) FindByID(ctx context.Context, id uuid.UUID) (*ledger.Invoice, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ledger.Invoice), args.Error(1)
}

func (m *mockInvoiceRepository) FindByNumber(ctx context.Context, number string) (*ledger.Invoice, error) {
	args := m.Called(ctx, number)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ledger.Invoice), args.Error(1)
}

func (m *mockInvoiceRepository) List(ctx context.Context, organizationID uuid.UUID, filter shared.Filter) (*shared.Paginated[ledger.Invoice], error) {
	args := m.Called(ctx, organizationID, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*shared.Paginated[ledger.Invoice]), args.Error(1)
}

func (m *mockInvoiceRepository) ListByStatus(ctx context.Context, organizationID uuid.UUID, status ledger.InvoiceStatus) ([]*ledger.Invoice, error) {
	args := m.Called(ctx, organizationID, status)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*ledger.Invoice), args.Error(1)
}

func (m *mockInvoiceRepository) NextNumber(ctx context.Context, organizationID uuid.UUID) (string, error) {
	args := m.Called(ctx, organizationID)
	return args.String(0), args.Error(1)
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

type mockOrganizationRepository struct {
	mock.Mock
}

func (m *mockOrganizationRepository) Save(ctx context.Context, org *identity.Organization) error {
	args := m.Called(ctx, org)
	return args.Error(0)
}

func (m *mockOrganizationRepository) Update(ctx context.Context, org *identity.Organization) error {
	args := m.Called(ctx, org)
	return args.Error(0)
}

func (m *mockOrganizationRepository) FindByID(ctx context.Context, id uuid.UUID) (*identity.Organization, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*identity.Organization), args.Error(1)
}

func (m *mockOrganizationRepository) FindBySlug(ctx context.Context, slug string) (*identity.Organization, error) {
	args := m.Called(ctx, slug)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*identity.Organization), args.Error(1)
}

func (m *mockOrganizationRepository) AdjustCreditBalance(ctx context.Context, id uuid.UUID, delta decimal.Decimal) error {
	args := m.Called(ctx, id, delta)
	return args.Error(0)
}

func (m *mockOrganizationRepository) HasChildData(ctx context.Context, id uuid.UUID) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *mockOrganizationRepository) ListOperational(ctx context.Context) ([]*identity.Organization, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*identity.Organization), args.Error(1)
}

type mockVirtualKeyRepository struct {
	mock.Mock
}

func (m *mockVirtualKeyRepository) Save(ctx context.Context, key *identity.VirtualKey) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

func (m *mockVirtualKeyRepository) Update(ctx context.Context, key *identity.VirtualKey) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

func (m *mockVirtualKeyRepository) FindByID(ctx context.Context, organizationID, id uuid.UUID) (*identity.VirtualKey, error) {
	args := m.Called(ctx, organizationID, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*identity.VirtualKey), args.Error(1)
}

func (m *mockVirtualKeyRepository) FindByKeyHash(ctx context.Context, keyHash string) (*identity.VirtualKey, error) {
	args := m.Called(ctx, keyHash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*identity.VirtualKey), args.Error(1)
}

func (m *mockVirtualKeyRepository) ListForTeam(ctx context.Context, organizationID, teamID uuid.UUID) ([]*identity.VirtualKey, error) {
	args := m.Called(ctx, organizationID, teamID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*identity.VirtualKey), args.Error(1)
}

func (m *mockVirtualKeyRepository) ConsumeSpend(ctx context.Context, organizationID, id uuid.UUID, amount decimal.Decimal) (bool, error) {
	args := m.Called(ctx, organizationID, id, amount)
	return args.Bool(0), args.Error(1)
}

func (m *mockVirtualKeyRepository) ReleaseSpend(ctx context.Context, organizationID, id uuid.UUID, amount decimal.Decimal) error {
	args := m.Called(ctx, organizationID, id, amount)
	return args.Error(0)
}

func (m *mockVirtualKeyRepository) SettleSpend(ctx context.Context, organizationID, id uuid.UUID, delta decimal.Decimal) error {
	args := m.Called(ctx, organizationID, id, delta)
	return args.Error(0)
}

func (m *mockVirtualKeyRepository) ListOverBudget(ctx context.Context, organizationID uuid.UUID) ([]*identity.VirtualKey, error) {
	args := m.Called(ctx, organizationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*identity.VirtualKey), args.Error(1)
}

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

type mockUsageQuotaRepository struct {
	mock.Mock
}

func (m *mockUsageQuotaRepository) Save(ctx context.Context, q *quota.UsageQuota) error {
	args := m.Called(ctx, q)
	return args.Error(0)
}

func (m *mockUsageQuotaRepository) FindByID(ctx context.Context, organizationID, id uuid.UUID) (*quota.UsageQuota, error) {
	args := m.Called(ctx, organizationID, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*quota.UsageQuota), args.Error(1)
}

func (m *mockUsageQuotaRepository) FindCurrentWindow(ctx context.Context, organizationID uuid.UUID, scope quota.Scope, metric quota.Metric, granularity quota.Granularity, now time.Time) (*quota.UsageQuota, error) {
	args := m.Called(ctx, organizationID, scope, metric, granularity, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*quota.UsageQuota), args.Error(1)
}

func (m *mockUsageQuotaRepository) FindLatestWindow(ctx context.Context, organizationID uuid.UUID, scope quota.Scope, metric quota.Metric, granularity quota.Granularity) (*quota.UsageQuota, error) {
	args := m.Called(ctx, organizationID, scope, metric, granularity)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*quota.UsageQuota), args.Error(1)
}

func (m *mockUsageQuotaRepository) Consume(ctx context.Context, quotaID uuid.UUID, amount int64) (bool, int64, error) {
	args := m.Called(ctx, quotaID, amount)
	return args.Bool(0), args.Get(1).(int64), args.Error(2)
}

func (m *mockUsageQuotaRepository) Release(ctx context.Context, quotaID uuid.UUID, amount int64) error {
	args := m.Called(ctx, quotaID, amount)
	return args.Error(0)
}

func (m *mockUsageQuotaRepository) AdjustBy(ctx context.Context, quotaID uuid.UUID, delta int64) error {
	args := m.Called(ctx, quotaID, delta)
	return args.Error(0)
}

func (m *mockUsageQuotaRepository) ListExpiredFixedWindows(ctx context.Context, now time.Time, limit int) ([]*quota.UsageQuota, error) {
	args := m.Called(ctx, now, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*quota.UsageQuota), args.Error(1)
}

func (m *mockUsageQuotaRepository) ListForOrganization(ctx context.Context, organizationID uuid.UUID) ([]*quota.UsageQuota, error) {
	args := m.Called(ctx, organizationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*quota.UsageQuota), args.Error(1)
}

type mockSlidingWindowStore struct {
	mock.Mock
}

func (m *mockSlidingWindowStore) ConsumeInWindow(ctx context.Context, key string, window time.Duration, amount, limit int64, now time.Time) (bool, int64, error) {
	args := m.Called(ctx, key, window, amount, limit, now)
	return args.Bool(0), args.Get(1).(int64), args.Error(2)
}

func (m *mockSlidingWindowStore) Release(ctx context.Context, key string, window time.Duration, amount int64, now time.Time) error {
	args := m.Called(ctx, key, window, amount, now)
	return args.Error(0)
}

func (m *mockSlidingWindowStore) TrailingSum(ctx context.Context, key string, window time.Duration, now time.Time) (int64, error) {
	args := m.Called(ctx, key, window, now)
	return args.Get(0).(int64), args.Error(1)
}

type mockAuditRepository struct {
	mock.Mock
}

func (m *mockAuditRepository) Insert(ctx context.Context, entry *audit.Entry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *mockAuditRepository) Head(ctx context.Context, organizationID uuid.UUID) (*audit.Entry, error) {
	args := m.Called(ctx, organizationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*audit.Entry), args.Error(1)
}

func (m *mockAuditRepository) Range(ctx context.Context, organizationID uuid.UUID, fromSeq, toSeq int64) ([]*audit.Entry, error) {
	args := m.Called(ctx, organizationID, fromSeq, toSeq)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*audit.Entry), args.Error(1)
}

func (m *mockAuditRepository) Count(ctx context.Context, organizationID uuid.UUID) (int64, error) {
	args := m.Called(ctx, organizationID)
	return args.Get(0).(int64), args.Error(1)
}

type svcPartitions struct {
	codes map[region.Code]bool
}

func (p *svcPartitions) Home() region.Code                 { return svcRegion }
func (p *svcPartitions) Provisioned(code region.Code) bool { return p.codes[code] }
func (p *svcPartitions) Nearest(candidates region.CodeList) (region.Code, error) {
	for _, c := range candidates {
		if p.codes[c] {
			return c, nil
		}
	}
	return "", region.ErrRegionNotProvisioned
}

const svcRegion = region.Code("eu-west-1")

type serviceMocks struct {
	creditRepo  *mockCreditTransactionRepository
	invoiceRepo *mockInvoiceRepository
	usageRepo   *mockUsageRecordRepository
	orgRepo     *mockOrganizationRepository
	keyRepo     *mockVirtualKeyRepository
	auditRepo   *mockAuditRepository
}

func newServiceMocks() *serviceMocks {
	return &serviceMocks{
		creditRepo:  new(mockCreditTransactionRepository),
		invoiceRepo: new(mockInvoiceRepository),
		usageRepo:   new(mockUsageRecordRepository),
		orgRepo:     new(mockOrganizationRepository),
		keyRepo:     new(mockVirtualKeyRepository),
		auditRepo:   new(mockAuditRepository),
	}
}

// buildService wires the service with a real engine, router, and audit
// service over the given mocks. Expectations are the caller's business.
func buildService(m *serviceMocks, quotaRepo *mockUsageQuotaRepository) *Service {
	log := zap.NewNop()
	engine := appquota.NewEngine(quotaRepo, new(mockSlidingWindowStore), m.keyRepo, m.usageRepo, 0.8, log)
	router := appregion.NewRouter(
		&svcPartitions{codes: map[region.Code]bool{svcRegion: true}},
		new(mockUserRepository), new(mockTransferRepository), m.usageRepo,
		config.RegionsConfig{}, log)
	auditSvc := appaudit.NewService(m.auditRepo, 3, log)

	return NewService(m.creditRepo, m.invoiceRepo, m.usageRepo, m.orgRepo, m.keyRepo, engine, router, auditSvc, log)
}

// newTestService is buildService with the common defaults: quota lookups
// read as "no counter row" and audit appends start fresh chains.
func newTestService() (*Service, *serviceMocks) {
	m := newServiceMocks()
	quotaRepo := new(mockUsageQuotaRepository)
	quotaRepo.On("FindLatestWindow", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, shared.ErrNotFound)
	m.auditRepo.On("Head", mock.Anything, mock.Anything).Return(nil, shared.ErrNotFound)
	m.auditRepo.On("Insert", mock.Anything, mock.AnythingOfType("*audit.Entry")).Return(nil)

	return buildService(m, quotaRepo), m
}

func pendingRecord(t *testing.T, organizationID uuid.UUID, keyID uuid.UUID) *ledger.UsageRecord {
	t.Helper()
	record, err := ledger.NewUsageRecord(organizationID, "claude-sonnet", svcRegion, region.RoutingDecision{
		ProcessedRegion: svcRegion,
		StoredRegion:    svcRegion,
	})
	require.NoError(t, err)
	if keyID != uuid.Nil {
		record.ForVirtualKey(keyID)
	}
	return record
}

func TestService_RecordTransaction(t *testing.T) {
	ctx := context.Background()
	orgID := uuid.New()

	t.Run("appends the ledger row and adjusts the balance", func(t *testing.T) {
		svc, m := newTestService()
		amount := decimal.NewFromInt(50)
		tx, err := ledger.NewCreditTransaction(orgID, ledger.TransactionPurchase, amount, decimal.NewFromInt(10))
		require.NoError(t, err)
		m.creditRepo.On("Append", mock.Anything, orgID, ledger.TransactionPurchase, amount, "credit purchase", "pay_123").
			Return(tx, nil)
		m.orgRepo.On("AdjustCreditBalance", mock.Anything, orgID, amount).Return(nil)

		got, err := svc.RecordTransaction(ctx, orgID, ledger.TransactionPurchase, amount, "credit purchase", "pay_123")
		require.NoError(t, err)
		assert.True(t, got.InvariantOK())
		m.orgRepo.AssertExpectations(t)
		m.auditRepo.AssertCalled(t, "Insert", mock.Anything, mock.AnythingOfType("*audit.Entry"))
	})

	t.Run("a failed balance adjustment does not fail the ledger append", func(t *testing.T) {
		svc, m := newTestService()
		amount := decimal.NewFromInt(50)
		tx, err := ledger.NewCreditTransaction(orgID, ledger.TransactionPurchase, amount, decimal.Zero)
		require.NoError(t, err)
		m.creditRepo.On("Append", mock.Anything, orgID, ledger.TransactionPurchase, amount, "", "").Return(tx, nil)
		m.orgRepo.On("AdjustCreditBalance", mock.Anything, orgID, amount).Return(assert.AnError)

		_, err = svc.RecordTransaction(ctx, orgID, ledger.TransactionPurchase, amount, "", "")
		require.NoError(t, err)
	})
}

func TestService_RecordUsage(t *testing.T) {
	ctx := context.Background()
	orgID := uuid.New()
	keyID := uuid.New()

	t.Run("settles the pending record from routing time", func(t *testing.T) {
		svc, m := newTestService()
		record := pendingRecord(t, orgID, keyID)
		recordID := record.ID
		cost := decimal.NewFromFloat(0.42)
		debit, err := ledger.NewCreditTransaction(orgID, ledger.TransactionUsageDebit, cost, decimal.NewFromInt(100))
		require.NoError(t, err)

		m.usageRepo.On("FindByID", mock.Anything, recordID).Return(record, nil)
		m.usageRepo.On("Save", mock.Anything, record).Return(nil)
		m.creditRepo.On("Append", mock.Anything, orgID, ledger.TransactionUsageDebit, cost, "claude-sonnet usage", recordID.String()).
			Return(debit, nil)
		m.orgRepo.On("AdjustCreditBalance", mock.Anything, orgID, debit.Amount).Return(nil)

		settled, err := svc.RecordUsage(ctx, RecordUsageInput{
			OrganizationID:  orgID,
			RecordID:        &recordID,
			VirtualKeyID:    keyID,
			Model:           "claude-sonnet",
			InputTokens:     900,
			OutputTokens:    640,
			Cost:            cost,
			Region:          svcRegion,
			EstimatedTokens: 1540,
			EstimatedCost:   cost,
		})
		require.NoError(t, err)
		assert.Equal(t, ledger.UsageSettled, settled.Status)
		assert.Equal(t, int64(900), settled.InputTokens)
		assert.Equal(t, int64(640), settled.OutputTokens)
		m.creditRepo.AssertExpectations(t)
	})

	t.Run("rejects a record owned by another organization", func(t *testing.T) {
		svc, m := newTestService()
		record := pendingRecord(t, uuid.New(), uuid.Nil)
		recordID := record.ID
		m.usageRepo.On("FindByID", mock.Anything, recordID).Return(record, nil)

		_, err := svc.RecordUsage(ctx, RecordUsageInput{
			OrganizationID: orgID,
			RecordID:       &recordID,
			Model:          "claude-sonnet",
			Cost:           decimal.Zero,
			Region:         svcRegion,
		})
		assert.ErrorIs(t, err, shared.ErrNotFound)
	})

	t.Run("records locally when routing was skipped", func(t *testing.T) {
		svc, m := newTestService()
		org, err := identity.NewOrganization("acme", "Acme Corp", svcRegion)
		require.NoError(t, err)
		m.orgRepo.On("FindByID", mock.Anything, org.ID).Return(org, nil)
		m.usageRepo.On("Save", mock.Anything, mock.AnythingOfType("*ledger.UsageRecord")).Return(nil)

		settled, err := svc.RecordUsage(ctx, RecordUsageInput{
			OrganizationID: org.ID,
			Model:          "gpt-4o",
			InputTokens:    100,
			OutputTokens:   50,
			Cost:           decimal.Zero,
			Region:         svcRegion,
		})
		require.NoError(t, err)
		assert.Equal(t, ledger.UsageSettled, settled.Status)
		assert.Equal(t, svcRegion, settled.StoredRegion)
		assert.False(t, settled.CrossBorder)
		// pending write plus the settlement write
		m.usageRepo.AssertNumberOfCalls(t, "Save", 2)
	})

	t.Run("zero cost skips the credit debit", func(t *testing.T) {
		svc, m := newTestService()
		record := pendingRecord(t, orgID, uuid.Nil)
		recordID := record.ID
		m.usageRepo.On("FindByID", mock.Anything, recordID).Return(record, nil)
		m.usageRepo.On("Save", mock.Anything, record).Return(nil)

		_, err := svc.RecordUsage(ctx, RecordUsageInput{
			OrganizationID:  orgID,
			RecordID:        &recordID,
			Model:           "claude-sonnet",
			InputTokens:     10,
			Cost:            decimal.Zero,
			Region:          svcRegion,
			EstimatedTokens: 10,
		})
		require.NoError(t, err)
		m.creditRepo.AssertNotCalled(t, "Append", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("rejects a negative cost", func(t *testing.T) {
		svc, _ := newTestService()
		_, err := svc.RecordUsage(ctx, RecordUsageInput{
			OrganizationID: orgID,
			Model:          "claude-sonnet",
			Cost:           decimal.NewFromInt(-1),
			Region:         svcRegion,
		})
		assert.Error(t, err)
	})

	t.Run("a failed quota settlement fails the call", func(t *testing.T) {
		m := newServiceMocks()
		quotaRepo := new(mockUsageQuotaRepository)
		quotaRepo.On("FindLatestWindow", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(nil, errors.New("connection refused"))
		svc := buildService(m, quotaRepo)

		record := pendingRecord(t, orgID, uuid.Nil)
		recordID := record.ID
		m.usageRepo.On("FindByID", mock.Anything, recordID).Return(record, nil)
		m.usageRepo.On("Save", mock.Anything, record).Return(nil)

		_, err := svc.RecordUsage(ctx, RecordUsageInput{
			OrganizationID:  orgID,
			RecordID:        &recordID,
			Model:           "claude-sonnet",
			InputTokens:     10,
			Cost:            decimal.Zero,
			Region:          svcRegion,
			EstimatedTokens: 5,
		})
		assert.ErrorIs(t, err, shared.ErrStorageUnavailable)
	})

	t.Run("a failed audit append fails the call", func(t *testing.T) {
		m := newServiceMocks()
		quotaRepo := new(mockUsageQuotaRepository)
		svc := buildService(m, quotaRepo)
		m.auditRepo.On("Head", mock.Anything, mock.Anything).Return(nil, shared.ErrNotFound)
		m.auditRepo.On("Insert", mock.Anything, mock.AnythingOfType("*audit.Entry")).Return(assert.AnError)

		record := pendingRecord(t, orgID, uuid.Nil)
		recordID := record.ID
		m.usageRepo.On("FindByID", mock.Anything, recordID).Return(record, nil)
		m.usageRepo.On("Save", mock.Anything, record).Return(nil)

		_, err := svc.RecordUsage(ctx, RecordUsageInput{
			OrganizationID:  orgID,
			RecordID:        &recordID,
			Model:           "claude-sonnet",
			InputTokens:     10,
			Cost:            decimal.Zero,
			Region:          svcRegion,
			EstimatedTokens: 10,
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "audit")
	})
}

func TestService_GenerateInvoice(t *testing.T) {
	ctx := context.Background()
	orgID := uuid.New()
	periodStart := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := periodStart.AddDate(0, 1, 0)

	t.Run("aggregates settled usage into draft lines", func(t *testing.T) {
		svc, m := newTestService()
		m.usageRepo.On("AggregateByModelInPeriod", mock.Anything, orgID, periodStart, periodEnd).
			Return([]ledger.ModelUsage{
				{Model: "claude-sonnet", Requests: 3, TotalTokens: 4200, TotalCost: decimal.NewFromFloat(1.20)},
				{Model: "gpt-4o", Requests: 1, TotalTokens: 900, TotalCost: decimal.NewFromFloat(0.30)},
			}, nil)
		m.invoiceRepo.On("NextNumber", mock.Anything, orgID).Return("INV-2026-000014", nil)
		m.invoiceRepo.On("Save", mock.Anything, mock.AnythingOfType("*ledger.Invoice")).Return(nil)

		invoice, err := svc.GenerateInvoice(ctx, orgID, periodStart, periodEnd)
		require.NoError(t, err)
		assert.Equal(t, ledger.InvoiceDraft, invoice.Status)
		assert.Equal(t, "INV-2026-000014", invoice.Number)
		require.Len(t, invoice.Lines, 2)
		assert.Equal(t, "claude-sonnet usage (3 requests)", invoice.Lines[0].Description)
		assert.True(t, invoice.Total.Equal(decimal.NewFromFloat(1.50)))
	})

	t.Run("an empty period produces no invoice", func(t *testing.T) {
		svc, m := newTestService()
		m.usageRepo.On("AggregateByModelInPeriod", mock.Anything, orgID, periodStart, periodEnd).
			Return([]ledger.ModelUsage{}, nil)

		_, err := svc.GenerateInvoice(ctx, orgID, periodStart, periodEnd)
		var domainErr *shared.DomainError
		require.ErrorAs(t, err, &domainErr)
		assert.Equal(t, "EMPTY_PERIOD", domainErr.Code)
		m.invoiceRepo.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
	})
}

func TestService_InvoiceTransitions(t *testing.T) {
	ctx := context.Background()
	orgID := uuid.New()
	periodStart := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	newDraft := func(t *testing.T) *ledger.Invoice {
		t.Helper()
		invoice, err := ledger.NewInvoice(orgID, "INV-2026-000001", periodStart, periodStart.AddDate(0, 1, 0))
		require.NoError(t, err)
		return invoice
	}

	t.Run("walks draft to open to paid", func(t *testing.T) {
		svc, m := newTestService()
		invoice := newDraft(t)
		m.invoiceRepo.On("FindByID", mock.Anything, invoice.ID).Return(invoice, nil)
		m.invoiceRepo.On("Save", mock.Anything, invoice).Return(nil)

		issued, err := svc.IssueInvoice(ctx, orgID, invoice.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.InvoiceOpen, issued.Status)

		paid, err := svc.MarkInvoicePaid(ctx, orgID, invoice.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.InvoicePaid, paid.Status)
	})

	t.Run("a paid invoice cannot be voided", func(t *testing.T) {
		svc, m := newTestService()
		invoice := newDraft(t)
		require.NoError(t, invoice.Issue())
		require.NoError(t, invoice.MarkPaid())
		m.invoiceRepo.On("FindByID", mock.Anything, invoice.ID).Return(invoice, nil)

		_, err := svc.VoidInvoice(ctx, orgID, invoice.ID)
		assert.ErrorIs(t, err, shared.ErrImmutableRecord)
	})

	t.Run("hides invoices of other organizations", func(t *testing.T) {
		svc, m := newTestService()
		invoice := newDraft(t)
		m.invoiceRepo.On("FindByID", mock.Anything, invoice.ID).Return(invoice, nil)

		_, err := svc.IssueInvoice(ctx, uuid.New(), invoice.ID)
		assert.ErrorIs(t, err, shared.ErrNotFound)
	})
}

func TestService_ReconcileKeySpend(t *testing.T) {
	ctx := context.Background()
	orgID := uuid.New()

	t.Run("fails stale pending records and re-derives key spend", func(t *testing.T) {
		svc, m := newTestService()
		key, err := identity.NewVirtualKey(orgID, uuid.New(), "ci key", "hash")
		require.NoError(t, err)
		key.CurrentSpend = decimal.NewFromInt(10)
		record := pendingRecord(t, orgID, key.ID)

		m.usageRepo.On("ListPendingOlderThan", mock.Anything, mock.Anything, 200).
			Return([]*ledger.UsageRecord{record}, nil)
		m.usageRepo.On("Save", mock.Anything, record).Return(nil)
		m.usageRepo.On("SumCostByKeyInPeriod", mock.Anything, key.ID, mock.Anything, mock.Anything).
			Return(decimal.NewFromInt(12), nil)
		m.keyRepo.On("FindByID", mock.Anything, orgID, key.ID).Return(key, nil)
		m.keyRepo.On("SettleSpend", mock.Anything, orgID, key.ID, decimal.NewFromInt(2)).Return(nil)

		failed, err := svc.ReconcileKeySpend(ctx, 5*time.Minute, 200)
		require.NoError(t, err)
		assert.Equal(t, 1, failed)
		assert.Equal(t, ledger.UsageFailed, record.Status)
		m.keyRepo.AssertExpectations(t)
	})

	t.Run("skips records settled while the sweep ran", func(t *testing.T) {
		svc, m := newTestService()
		record := pendingRecord(t, orgID, uuid.Nil)
		m.usageRepo.On("ListPendingOlderThan", mock.Anything, mock.Anything, 200).
			Return([]*ledger.UsageRecord{record}, nil)
		m.usageRepo.On("Save", mock.Anything, record).Return(shared.ErrConcurrencyConflict)

		failed, err := svc.ReconcileKeySpend(ctx, 5*time.Minute, 200)
		require.NoError(t, err)
		assert.Equal(t, 0, failed)
	})
}
