package audit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meridian/backend/internal/domain/audit"
	"github.com/meridian/backend/internal/domain/shared"
)

// Mock implementations

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

func chainEntry(t *testing.T, organizationID uuid.UUID, sequence int64, previousHash, action string) *audit.Entry {
	t.Helper()
	entry, err := audit.NewEntry(organizationID, sequence, previousHash, audit.Event{
		Actor:    "user:ops",
		Action:   action,
		Resource: "organization:" + organizationID.String(),
	}, time.Now())
	require.NoError(t, err)
	return entry
}

func TestService_Append(t *testing.T) {
	ctx := context.Background()
	orgID := uuid.New()

	t.Run("starts an empty chain at the genesis hash", func(t *testing.T) {
		repo := new(mockAuditRepository)
		repo.On("Head", mock.Anything, orgID).Return(nil, shared.ErrNotFound)
		repo.On("Insert", mock.Anything, mock.AnythingOfType("*audit.Entry")).Return(nil)
		svc := NewService(repo, 3, zap.NewNop())

		entry, err := svc.Append(ctx, AppendInput{
			OrganizationID: orgID,
			Actor:          "user:ops",
			Action:         "organization.created",
			Detail:         map[string]string{"slug": "acme"},
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), entry.Sequence)
		assert.Equal(t, audit.GenesisHash, entry.PreviousHash)
		assert.True(t, entry.IntegrityOK())
		assert.JSONEq(t, `{"slug":"acme"}`, entry.Detail)
	})

	t.Run("links onto the current head", func(t *testing.T) {
		repo := new(mockAuditRepository)
		head := chainEntry(t, orgID, 1, audit.GenesisHash, "organization.created")
		repo.On("Head", mock.Anything, orgID).Return(head, nil)
		repo.On("Insert", mock.Anything, mock.AnythingOfType("*audit.Entry")).Return(nil)
		svc := NewService(repo, 3, zap.NewNop())

		entry, err := svc.Append(ctx, AppendInput{
			OrganizationID: orgID,
			Actor:          "user:ops",
			Action:         "usage.settled",
		})
		require.NoError(t, err)
		assert.Equal(t, int64(2), entry.Sequence)
		assert.Equal(t, head.IntegrityHash, entry.PreviousHash)
	})

	t.Run("retries a lost sequence race against the fresh head", func(t *testing.T) {
		repo := new(mockAuditRepository)
		first := chainEntry(t, orgID, 1, audit.GenesisHash, "organization.created")
		second := chainEntry(t, orgID, 2, first.IntegrityHash, "usage.settled")
		repo.On("Head", mock.Anything, orgID).Return(first, nil).Once()
		repo.On("Head", mock.Anything, orgID).Return(second, nil).Once()
		repo.On("Insert", mock.Anything, mock.AnythingOfType("*audit.Entry")).Return(audit.ErrSequenceConflict).Once()
		repo.On("Insert", mock.Anything, mock.AnythingOfType("*audit.Entry")).Return(nil).Once()
		svc := NewService(repo, 3, zap.NewNop())

		entry, err := svc.Append(ctx, AppendInput{
			OrganizationID: orgID,
			Actor:          "user:ops",
			Action:         "invoice.generated",
		})
		require.NoError(t, err)
		assert.Equal(t, int64(3), entry.Sequence)
		assert.Equal(t, second.IntegrityHash, entry.PreviousHash)
		repo.AssertExpectations(t)
	})

	t.Run("gives up after the retry budget", func(t *testing.T) {
		repo := new(mockAuditRepository)
		repo.On("Head", mock.Anything, orgID).Return(nil, shared.ErrNotFound)
		repo.On("Insert", mock.Anything, mock.Anything).Return(audit.ErrSequenceConflict)
		svc := NewService(repo, 2, zap.NewNop())

		_, err := svc.Append(ctx, AppendInput{
			OrganizationID: orgID,
			Actor:          "user:ops",
			Action:         "usage.settled",
		})
		assert.ErrorIs(t, err, ErrAppendContention)
		repo.AssertNumberOfCalls(t, "Insert", 2)
	})

	t.Run("rejects an empty action", func(t *testing.T) {
		svc := NewService(new(mockAuditRepository), 3, zap.NewNop())
		_, err := svc.Append(ctx, AppendInput{OrganizationID: orgID, Actor: "user:ops"})
		assert.Error(t, err)
	})
}

func TestService_Verify(t *testing.T) {
	ctx := context.Background()
	orgID := uuid.New()

	buildChain := func(t *testing.T, n int) []*audit.Entry {
		t.Helper()
		entries := make([]*audit.Entry, 0, n)
		prev := audit.GenesisHash
		for i := 1; i <= n; i++ {
			e := chainEntry(t, orgID, int64(i), prev, "usage.settled")
			entries = append(entries, e)
			prev = e.IntegrityHash
		}
		return entries
	}

	t.Run("a clean chain verifies from genesis", func(t *testing.T) {
		repo := new(mockAuditRepository)
		entries := buildChain(t, 4)
		repo.On("Range", mock.Anything, orgID, int64(1), int64(0)).Return(entries, nil)
		svc := NewService(repo, 3, zap.NewNop())

		result, err := svc.Verify(ctx, orgID, 1, 0)
		require.NoError(t, err)
		assert.True(t, result.Valid)
		assert.Equal(t, int64(4), result.Checked)
	})

	t.Run("a mid-chain segment anchors on its predecessor", func(t *testing.T) {
		repo := new(mockAuditRepository)
		entries := buildChain(t, 4)
		repo.On("Range", mock.Anything, orgID, int64(2), int64(2)).Return(entries[1:2], nil)
		repo.On("Range", mock.Anything, orgID, int64(3), int64(4)).Return(entries[2:], nil)
		svc := NewService(repo, 3, zap.NewNop())

		result, err := svc.Verify(ctx, orgID, 3, 4)
		require.NoError(t, err)
		assert.True(t, result.Valid)
		assert.Equal(t, int64(2), result.Checked)
	})

	t.Run("reports the first tampered entry", func(t *testing.T) {
		repo := new(mockAuditRepository)
		entries := buildChain(t, 3)
		entries[1].Actor = "user:intruder" // mutate after hashing
		repo.On("Range", mock.Anything, orgID, int64(1), int64(0)).Return(entries, nil)
		svc := NewService(repo, 3, zap.NewNop())

		result, err := svc.Verify(ctx, orgID, 0, 0)
		require.NoError(t, err)
		assert.False(t, result.Valid)
		assert.Equal(t, int64(2), result.TamperedSeq)
		require.NotNil(t, result.TamperedAt)
		assert.Equal(t, entries[1].ID, *result.TamperedAt)
	})

	t.Run("a missing anchor is a chain gap", func(t *testing.T) {
		repo := new(mockAuditRepository)
		repo.On("Range", mock.Anything, orgID, int64(4), int64(4)).Return([]*audit.Entry{}, nil)
		svc := NewService(repo, 3, zap.NewNop())

		_, err := svc.Verify(ctx, orgID, 5, 6)
		var domainErr *shared.DomainError
		require.ErrorAs(t, err, &domainErr)
		assert.Equal(t, "AUDIT_CHAIN_GAP", domainErr.Code)
	})
}

func TestService_ChainLength(t *testing.T) {
	repo := new(mockAuditRepository)
	orgID := uuid.New()
	repo.On("Count", mock.Anything, orgID).Return(int64(12), nil)
	svc := NewService(repo, 3, zap.NewNop())

	n, err := svc.ChainLength(context.Background(), orgID)
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)
}
