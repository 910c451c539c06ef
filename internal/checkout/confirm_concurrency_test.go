package checkout

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/mate-payments/internal/amount"
	"github.com/angelmondragon/mate-payments/internal/intents"
	"github.com/angelmondragon/mate-payments/internal/marketplace"
	"github.com/angelmondragon/mate-payments/internal/refundpolicy"
	"github.com/angelmondragon/mate-payments/internal/settlement"
	"github.com/angelmondragon/mate-payments/pkg/db"
	"github.com/angelmondragon/mate-payments/pkg/db/models"
	"github.com/angelmondragon/mate-payments/pkg/enums"
	"github.com/angelmondragon/mate-payments/pkg/logger"
	"github.com/angelmondragon/mate-payments/pkg/outbox"
	"github.com/angelmondragon/mate-payments/pkg/toss"
)

type lockedGateway struct {
	mu       sync.Mutex
	confirms int
	cancels  int
}

func (g *lockedGateway) Confirm(_ context.Context, paymentKey, orderID string, amount int64) (*toss.Payment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.confirms++
	return &toss.Payment{PaymentKey: paymentKey, OrderID: orderID, Status: toss.StatusDone, TotalAmount: amount}, nil
}

func (g *lockedGateway) Cancel(_ context.Context, paymentKey, _ string, _ int64) (*toss.CancelResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancels++
	return &toss.CancelResult{PaymentKey: paymentKey}, nil
}

func (g *lockedGateway) GetPayment(_ context.Context, paymentKey string) (*toss.Payment, error) {
	return nil, fmt.Errorf("unexpected lookup of %s", paymentKey)
}

type lockedOutbox struct {
	mu     sync.Mutex
	events []enums.OutboxEventType
}

func (o *lockedOutbox) Emit(_ context.Context, _ *gorm.DB, event outbox.DomainEvent) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, event.EventType)
	return nil
}

type idleScheduler struct{}

func (idleScheduler) ScheduleCompensationRetry(context.Context, uuid.UUID, int, time.Duration) error {
	return nil
}

type idlePayouts struct{}

func (idlePayouts) RequestPayout(_ context.Context, id uuid.UUID) (*models.PayoutTransaction, error) {
	return &models.PayoutTransaction{PaymentTransactionID: id, Status: enums.SettlementStatusPending}, nil
}

// newLedgerStack wires checkout over the real intent, settlement and
// marketplace services on one sqlite connection, so transactions serialize
// the way row locks serialize them on postgres.
func newLedgerStack(t *testing.T) (*gorm.DB, Service, intents.Service, *lockedGateway) {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	conn, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{
		SkipDefaultTransaction: true,
		NowFunc:                func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, conn.AutoMigrate(
		&models.Party{},
		&models.PartyApplication{},
		&models.PaymentIntent{},
		&models.PaymentTransaction{},
	))

	txRunner := db.NewFromConn(conn)
	logg := logger.New(logger.Options{ServiceName: "checkout-test", Output: io.Discard})
	gateway := &lockedGateway{}
	events := &lockedOutbox{}

	market, err := marketplace.NewService(marketplace.NewRepository(conn), txRunner, marketplace.Options{})
	require.NoError(t, err)
	ledger, err := intents.NewService(intents.ServiceParams{
		Repo:        intents.NewRepository(conn),
		DB:          txRunner,
		Marketplace: market,
		Calculator:  amount.NewCalculator(amount.DefaultDeposit),
		Gateway:     gateway,
		Scheduler:   idleScheduler{},
		Outbox:      events,
		Logger:      logg,
	})
	require.NoError(t, err)
	evaluator, err := refundpolicy.NewEvaluator("0.10")
	require.NoError(t, err)
	settlements, err := settlement.NewService(settlement.ServiceParams{
		Repo:    settlement.NewRepository(conn),
		DB:      txRunner,
		Gateway: gateway,
		Payouts: idlePayouts{},
		Parties: market,
		Refunds: evaluator,
		Outbox:  events,
		Logger:  logg,
	})
	require.NoError(t, err)
	svc, err := NewService(ServiceParams{
		DB:           txRunner,
		Intents:      ledger,
		Gateway:      gateway,
		Applications: market,
		Settlement:   settlements,
		Logger:       logg,
	})
	require.NoError(t, err)
	return conn, svc, ledger, gateway
}

func TestConcurrentConfirmsCreateOneApplication(t *testing.T) {
	ctx := context.Background()
	conn, svc, ledger, gateway := newLedgerStack(t)

	ticket := int64(20000)
	require.NoError(t, conn.Create(&models.Party{
		ID:              1,
		HostID:          hostID,
		Stadium:         "잠실",
		Status:          enums.PartyStatusPending,
		MaxParticipants: 4,
		TicketPrice:     &ticket,
	}).Error)

	prepared, err := ledger.Prepare(ctx, intents.PrepareInput{PartyID: 1, ApplicantID: applicantID})
	require.NoError(t, err)
	require.Equal(t, ticket+amount.DefaultDeposit, prepared.Amount)

	const callers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []*ConfirmResult
		errs    []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := svc.Confirm(ctx, ConfirmInput{
				IntentID:    &prepared.IntentID,
				OrderID:     prepared.OrderID,
				PaymentKey:  testPaymentKey,
				ApplicantID: applicantID,
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			results = append(results, result)
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	require.Len(t, results, callers)
	created := 0
	for _, result := range results {
		require.Equal(t, results[0].Application.ID, result.Application.ID)
		if result.Created {
			created++
		}
	}
	require.Equal(t, 1, created)

	var applications, payments int64
	require.NoError(t, conn.Model(&models.PartyApplication{}).Where("order_id = ?", prepared.OrderID).Count(&applications).Error)
	require.NoError(t, conn.Model(&models.PaymentTransaction{}).Where("order_id = ?", prepared.OrderID).Count(&payments).Error)
	require.EqualValues(t, 1, applications)
	require.EqualValues(t, 1, payments)

	intent, err := ledger.FindByOrderID(ctx, prepared.OrderID)
	require.NoError(t, err)
	require.Equal(t, enums.IntentStatusApplicationCreated, intent.Status)
	require.Zero(t, gateway.cancels)
}
