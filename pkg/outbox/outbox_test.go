package outbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/mate-payments/pkg/db/models"
	"github.com/angelmondragon/mate-payments/pkg/enums"
	"github.com/angelmondragon/mate-payments/pkg/logger"
	"github.com/angelmondragon/mate-payments/pkg/outbox/payloads"
)

func openDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	conn, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&models.OutboxEvent{}, &models.OutboxDLQ{}))
	return conn
}

func payoutEvent(id uuid.UUID) DomainEvent {
	return DomainEvent{
		EventType:     enums.EventPayoutFailed,
		AggregateType: enums.AggregatePayoutTransaction,
		AggregateID:   id,
		Actor:         &ActorRef{UserID: 42, Role: "seller"},
		Data:          payloads.PayoutEvent{PayoutID: id, Amount: 9000, FailureCode: "PAYOUT_FAILED"},
	}
}

func TestEmitStoresEnvelope(t *testing.T) {
	conn := openDB(t)
	svc := NewService(NewRepository(conn), logger.New(logger.Options{ServiceName: "test", Output: io.Discard}))
	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	payoutID := uuid.New()
	require.NoError(t, svc.Emit(context.Background(), conn, payoutEvent(payoutID)))

	var row models.OutboxEvent
	require.NoError(t, conn.First(&row).Error)
	require.Equal(t, enums.EventPayoutFailed, row.EventType)
	require.Equal(t, payoutID, row.AggregateID)
	require.Nil(t, row.PublishedAt)

	env, err := DecodeEnvelope(row.Payload)
	require.NoError(t, err)
	require.Equal(t, EnvelopeVersion, env.Version)
	require.True(t, env.OccurredAt.Equal(fixed))
	require.Equal(t, int64(42), env.Actor.UserID)

	decoded, err := payloads.Decode(row.EventType, env.Data)
	require.NoError(t, err)
	require.Equal(t, int64(9000), decoded.(*payloads.PayoutEvent).Amount)
}

func TestEmitRejectsInvalidEvents(t *testing.T) {
	conn := openDB(t)
	svc := NewService(NewRepository(conn), nil)

	require.Error(t, svc.Emit(context.Background(), nil, payoutEvent(uuid.New())))

	wrongAggregate := payoutEvent(uuid.New())
	wrongAggregate.AggregateType = enums.AggregatePaymentIntent
	require.Error(t, svc.Emit(context.Background(), conn, wrongAggregate))

	missingID := payoutEvent(uuid.Nil)
	require.Error(t, svc.Emit(context.Background(), conn, missingID))

	unknown := payoutEvent(uuid.New())
	unknown.EventType = "party_deleted"
	require.True(t, errors.Is(svc.Emit(context.Background(), conn, unknown), payloads.ErrUnknownEvent))

	var count int64
	require.NoError(t, conn.Model(&models.OutboxEvent{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestRepositoryDeliveryLifecycle(t *testing.T) {
	conn := openDB(t)
	repo := NewRepository(conn)
	svc := NewService(repo, nil)
	ctx := context.Background()

	first, second := uuid.New(), uuid.New()
	require.NoError(t, svc.Emit(ctx, conn, payoutEvent(first)))
	require.NoError(t, svc.Emit(ctx, conn, payoutEvent(second)))

	claimed, err := repo.ClaimBatch(conn, 10, 3)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	require.NoError(t, repo.MarkPublished(conn, claimed[0].ID, time.Now().Add(-48*time.Hour)))
	require.NoError(t, repo.RecordFailure(conn, claimed[1].ID, errors.New(strings.Repeat("x", 2000))))

	var failed models.OutboxEvent
	require.NoError(t, conn.First(&failed, "id = ?", claimed[1].ID).Error)
	require.Equal(t, 1, failed.AttemptCount)
	require.Len(t, *failed.LastError, lastErrorLimit)

	require.NoError(t, repo.Park(conn, claimed[1].ID, errors.New("gave up"), 3))
	claimed, err = repo.ClaimBatch(conn, 10, 3)
	require.NoError(t, err)
	require.Empty(t, claimed)

	deleted, err := repo.DeletePublishedBefore(conn, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), deleted)

	require.Error(t, repo.MarkPublished(conn, uuid.New(), time.Now()))
}

func TestDeadLetterFilters(t *testing.T) {
	conn := openDB(t)
	dlq := NewDeadLetterRepository(conn)
	target := uuid.New()
	long := strings.Repeat("y", 3000)

	for i, entry := range []models.OutboxDLQ{
		{EventType: enums.EventPayoutFailed, AggregateType: enums.AggregatePayoutTransaction, AggregateID: target, ErrorMessage: &long},
		{EventType: enums.EventPayoutFailed, AggregateType: enums.AggregatePayoutTransaction, AggregateID: uuid.New()},
		{EventType: enums.EventPaymentRecorded, AggregateType: enums.AggregatePaymentTransaction, AggregateID: uuid.New()},
	} {
		entry.EventID = uuid.New()
		entry.Payload = []byte(`{}`)
		entry.ErrorReason = enums.OutboxDLQReasonMaxAttempts
		entry.FailedAt = time.Now().UTC().Add(time.Duration(i) * time.Minute)
		require.NoError(t, dlq.Insert(conn, entry))
	}

	all, err := dlq.List(context.Background(), DeadLetterFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, enums.EventPaymentRecorded, all[0].EventType)

	payouts, err := dlq.List(context.Background(), DeadLetterFilter{EventType: enums.EventPayoutFailed})
	require.NoError(t, err)
	require.Len(t, payouts, 2)

	one, err := dlq.List(context.Background(), DeadLetterFilter{AggregateID: target, Limit: 1})
	require.NoError(t, err)
	require.Len(t, one, 1)
	require.Len(t, *one[0].ErrorMessage, lastErrorLimit)
}
