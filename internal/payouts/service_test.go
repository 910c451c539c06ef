package payouts

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

	"github.com/angelmondragon/mate-payments/internal/sellerprofiles"
	"github.com/angelmondragon/mate-payments/pkg/db"
	"github.com/angelmondragon/mate-payments/pkg/db/models"
	"github.com/angelmondragon/mate-payments/pkg/enums"
	pkgerrors "github.com/angelmondragon/mate-payments/pkg/errors"
	"github.com/angelmondragon/mate-payments/pkg/logger"
	"github.com/angelmondragon/mate-payments/pkg/outbox"
	"github.com/angelmondragon/mate-payments/pkg/queue"
)

type stubGateway struct {
	provider enums.PayoutProvider
	request  func(req Request) (*Result, error)
	calls    []Request
}

func (s *stubGateway) Provider() enums.PayoutProvider { return s.provider }

func (s *stubGateway) RequestPayout(_ context.Context, req Request) (*Result, error) {
	s.calls = append(s.calls, req)
	if s.request != nil {
		return s.request(req)
	}
	return &Result{ProviderRef: "ref-" + req.OrderID, Status: "COMPLETED"}, nil
}

type stubSellers struct {
	ids map[int64]string
}

func (s *stubSellers) Get(_ context.Context, userID int64, provider string) (*models.SellerPayoutProfile, error) {
	id, ok := s.ids[userID]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "seller payout profile not found")
	}
	normalized := enums.PayoutProviderToss
	if provider != "" {
		normalized = enums.PayoutProvider(strings.ToUpper(provider))
	}
	return &models.SellerPayoutProfile{UserID: userID, Provider: normalized, ProviderSellerID: id}, nil
}

func (s *stubSellers) RequiredProviderSellerID(_ context.Context, userID int64, _ enums.PayoutProvider) (string, error) {
	id, ok := s.ids[userID]
	if !ok {
		return "", sellerprofiles.ErrProfileMissing
	}
	return id, nil
}

type scheduledPayout struct {
	payoutID uuid.UUID
	delay    time.Duration
}

type stubScheduler struct {
	scheduled []scheduledPayout
}

func (s *stubScheduler) SchedulePayoutRetry(_ context.Context, payoutID uuid.UUID, delay time.Duration) error {
	s.scheduled = append(s.scheduled, scheduledPayout{payoutID: payoutID, delay: delay})
	return nil
}

type recordingOutbox struct {
	events []enums.OutboxEventType
}

func (r *recordingOutbox) Emit(_ context.Context, _ *gorm.DB, event outbox.DomainEvent) error {
	r.events = append(r.events, event.EventType)
	return nil
}

type recordingMetrics struct {
	results []string
}

func (r *recordingMetrics) RecordPayout(result string) { r.results = append(r.results, result) }

type payoutHarness struct {
	conn      *gorm.DB
	gateway   *stubGateway
	sellers   *stubSellers
	scheduler *stubScheduler
	outbox    *recordingOutbox
	metrics   *recordingMetrics
}

func newPayoutHarness(t *testing.T) *payoutHarness {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	conn, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{
		SkipDefaultTransaction: true,
		NowFunc:                func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&models.PaymentTransaction{}, &models.PayoutTransaction{}))
	return &payoutHarness{
		conn:      conn,
		gateway:   &stubGateway{provider: enums.PayoutProviderToss},
		sellers:   &stubSellers{ids: map[int64]string{900: "toss-seller-900"}},
		scheduler: &stubScheduler{},
		outbox:    &recordingOutbox{},
		metrics:   &recordingMetrics{},
	}
}

func (h *payoutHarness) service(t *testing.T, enabled bool) *service {
	t.Helper()
	svc, err := NewService(ServiceParams{
		Repo:      NewRepository(h.conn),
		DB:        db.NewFromConn(h.conn),
		Registry:  NewRegistry(h.gateway),
		Sellers:   h.sellers,
		Scheduler: h.scheduler,
		Metrics:   h.metrics,
		Outbox:    h.outbox,
		Logger:    logger.New(logger.Options{ServiceName: "test", Output: io.Discard}),
		Enabled:   enabled,
		Provider:  enums.PayoutProviderToss,
	})
	require.NoError(t, err)
	return svc.(*service)
}

func (h *payoutHarness) seedPayment(t *testing.T, sellerID int64) models.PaymentTransaction {
	t.Helper()
	payment := models.PaymentTransaction{
		PartyID:          1,
		ApplicationID:    11,
		BuyerUserID:      7,
		SellerUserID:     sellerID,
		FlowType:         enums.FlowTypeDeposit,
		OrderID:          "MATE-1-7-" + uuid.NewString(),
		PaymentKey:       "pk-" + uuid.NewString(),
		GrossAmount:      30000,
		NetAmount:        30000,
		Currency:         enums.CurrencyKRW,
		PaymentStatus:    enums.PaymentStatusPaid,
		SettlementStatus: enums.SettlementStatusPending,
	}
	require.NoError(t, h.conn.Create(&payment).Error)
	return payment
}

func (h *payoutHarness) payment(t *testing.T, id uuid.UUID) models.PaymentTransaction {
	t.Helper()
	var payment models.PaymentTransaction
	require.NoError(t, h.conn.First(&payment, "id = ?", id).Error)
	return payment
}

func (h *payoutHarness) payout(t *testing.T, id uuid.UUID) models.PayoutTransaction {
	t.Helper()
	var payout models.PayoutTransaction
	require.NoError(t, h.conn.First(&payout, "id = ?", id).Error)
	return payout
}

func TestNewServiceRejectsUnknownProvider(t *testing.T) {
	h := newPayoutHarness(t)
	_, err := NewService(ServiceParams{
		Repo:      NewRepository(h.conn),
		DB:        db.NewFromConn(h.conn),
		Registry:  NewRegistry(NewSimGateway()),
		Sellers:   h.sellers,
		Scheduler: h.scheduler,
		Outbox:    h.outbox,
		Logger:    logger.New(logger.Options{ServiceName: "test", Output: io.Discard}),
		Enabled:   true,
		Provider:  enums.PayoutProviderToss,
	})
	require.Error(t, err)
}

func TestRequestPayoutCompletes(t *testing.T) {
	ctx := context.Background()
	h := newPayoutHarness(t)
	svc := h.service(t, true)
	payment := h.seedPayment(t, 900)

	payout, err := svc.RequestPayout(ctx, payment.ID)
	require.NoError(t, err)
	require.Equal(t, enums.SettlementStatusCompleted, payout.Status)
	require.Equal(t, "ref-"+payment.OrderID, *payout.ProviderRef)
	require.NotNil(t, payout.CompletedAt)

	require.Len(t, h.gateway.calls, 1)
	require.Equal(t, "toss-seller-900", h.gateway.calls[0].ProviderSellerID)
	require.Equal(t, int64(30000), h.gateway.calls[0].Amount)
	require.Equal(t, enums.SettlementStatusCompleted, h.payment(t, payment.ID).SettlementStatus)
	require.Equal(t, []enums.OutboxEventType{enums.EventPayoutCompleted}, h.outbox.events)
	require.Equal(t, []string{"success"}, h.metrics.results)

	again, err := svc.RequestPayout(ctx, payment.ID)
	require.NoError(t, err)
	require.Equal(t, payout.ID, again.ID)
	require.Len(t, h.gateway.calls, 1)
}

func TestRequestPayoutDisabledSkips(t *testing.T) {
	ctx := context.Background()
	h := newPayoutHarness(t)
	svc := h.service(t, false)
	payment := h.seedPayment(t, 900)

	payout, err := svc.RequestPayout(ctx, payment.ID)
	require.NoError(t, err)
	require.Equal(t, enums.SettlementStatusSkipped, payout.Status)
	require.Equal(t, FailurePayoutDisabled, *payout.FailureCode)
	require.Empty(t, h.gateway.calls)
	require.Equal(t, enums.SettlementStatusSkipped, h.payment(t, payment.ID).SettlementStatus)
	require.Equal(t, []enums.OutboxEventType{enums.EventPayoutSkipped}, h.outbox.events)
	require.Equal(t, []string{"skip"}, h.metrics.results)
}

func TestRequestPayoutMissingSellerProfileIsNotRetried(t *testing.T) {
	ctx := context.Background()
	h := newPayoutHarness(t)
	svc := h.service(t, true)
	payment := h.seedPayment(t, 901)

	payout, err := svc.RequestPayout(ctx, payment.ID)
	require.Error(t, err)
	require.Equal(t, enums.SettlementStatusFailed, payout.Status)
	require.Equal(t, FailureSellerProfileMissing, *payout.FailureCode)
	require.Equal(t, 1, payout.RetryCount)
	require.Nil(t, payout.NextRetryAt)
	require.Empty(t, h.gateway.calls)
	require.Empty(t, h.scheduler.scheduled)
	require.Equal(t, enums.SettlementStatusFailed, h.payment(t, payment.ID).SettlementStatus)
}

func TestRequestPayoutFailureSchedulesRetry(t *testing.T) {
	ctx := context.Background()
	h := newPayoutHarness(t)
	h.gateway.request = func(Request) (*Result, error) {
		return nil, &GatewayError{Message: "bank offline", FailureCode: "BANK_UNAVAILABLE", StatusCode: 503}
	}
	svc := h.service(t, true)
	payment := h.seedPayment(t, 900)

	payout, err := svc.RequestPayout(ctx, payment.ID)
	require.Error(t, err)
	require.Equal(t, enums.SettlementStatusFailed, payout.Status)
	require.Equal(t, "BANK_UNAVAILABLE", *payout.FailureCode)
	require.NotNil(t, payout.NextRetryAt)
	require.Equal(t, []scheduledPayout{{payoutID: payout.ID, delay: queue.Backoff(1)}}, h.scheduler.scheduled)
	require.Equal(t, []enums.OutboxEventType{enums.EventPayoutFailed}, h.outbox.events)
	require.Equal(t, []string{"fail"}, h.metrics.results)

	// A retry before the scheduled time is ignored.
	require.NoError(t, svc.RetryPayout(ctx, payout.ID))
	require.Len(t, h.gateway.calls, 1)

	h.gateway.request = nil
	require.NoError(t, h.conn.Model(&models.PayoutTransaction{}).
		Where("id = ?", payout.ID).
		UpdateColumn("next_retry_at", time.Now().UTC().Add(-time.Minute)).Error)

	count, err := svc.RetryDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	retried := h.payout(t, payout.ID)
	require.Equal(t, enums.SettlementStatusCompleted, retried.Status)
	require.Equal(t, 1, retried.RetryCount)
	require.Equal(t, enums.SettlementStatusCompleted, h.payment(t, payment.ID).SettlementStatus)
}

func TestRequestPayoutStopsAtAttemptCap(t *testing.T) {
	ctx := context.Background()
	h := newPayoutHarness(t)
	h.gateway.request = func(Request) (*Result, error) { return nil, errors.New("timeout") }
	svc := h.service(t, true)
	payment := h.seedPayment(t, 900)

	code := "errors.errorString"
	existing := models.PayoutTransaction{
		PaymentTransactionID: payment.ID,
		SellerID:             900,
		Provider:             enums.PayoutProviderToss,
		RequestedAmount:      30000,
		Currency:             enums.CurrencyKRW,
		Status:               enums.SettlementStatusFailed,
		RetryCount:           MaxPayoutAttempts - 1,
		FailureCode:          &code,
	}
	require.NoError(t, h.conn.Create(&existing).Error)

	payout, err := svc.RequestPayout(ctx, payment.ID)
	require.Error(t, err)
	require.Equal(t, MaxPayoutAttempts, payout.RetryCount)
	require.Equal(t, "errors.errorString", *payout.FailureCode)
	require.Nil(t, payout.NextRetryAt)
	require.Empty(t, h.scheduler.scheduled)

	again, err := svc.RequestPayout(ctx, payment.ID)
	require.NoError(t, err)
	require.Equal(t, MaxPayoutAttempts, again.RetryCount)
	require.Len(t, h.gateway.calls, 1)
}

func TestRequestPayoutRequiresPaidPayment(t *testing.T) {
	ctx := context.Background()
	h := newPayoutHarness(t)
	svc := h.service(t, true)
	payment := h.seedPayment(t, 900)
	require.NoError(t, h.conn.Model(&models.PaymentTransaction{}).
		Where("id = ?", payment.ID).
		UpdateColumn("payment_status", enums.PaymentStatusCanceled).Error)

	_, err := svc.RequestPayout(ctx, payment.ID)
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict))

	_, err = svc.RequestPayout(ctx, uuid.New())
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestRequestPayoutRefundedWhileInFlight(t *testing.T) {
	ctx := context.Background()
	h := newPayoutHarness(t)
	svc := h.service(t, true)
	payment := h.seedPayment(t, 900)
	h.gateway.request = func(req Request) (*Result, error) {
		err := h.conn.Model(&models.PaymentTransaction{}).
			Where("id = ?", req.PaymentTransactionID).
			UpdateColumn("payment_status", enums.PaymentStatusCanceled).Error
		if err != nil {
			return nil, err
		}
		return &Result{ProviderRef: "late-ref", Status: "COMPLETED"}, nil
	}

	payout, err := svc.RequestPayout(ctx, payment.ID)
	require.NoError(t, err)
	require.Equal(t, enums.SettlementStatusCompleted, payout.Status)
	require.Equal(t, enums.SettlementStatusRefundedAfterSettlement, h.payment(t, payment.ID).SettlementStatus)
}

func TestFailureCode(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"gateway code", &GatewayError{FailureCode: "LIMIT_EXCEEDED"}, "LIMIT_EXCEEDED"},
		{"wrapped gateway code", fmt.Errorf("call: %w", &GatewayError{FailureCode: FailureNoProviderRef}), FailureNoProviderRef},
		{"app error", pkgerrors.New(pkgerrors.CodeDependency, "down"), string(pkgerrors.CodeDependency)},
		{"plain error", errors.New("boom"), "errors.errorString"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, failureCode(tc.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	require.False(t, IsRetryable(FailureSellerProfileMissing))
	require.False(t, IsRetryable(FailurePayoutDisabled))
	require.True(t, IsRetryable(FailureRequestFailed))
}

func TestRetryBackoffGrowsUntilAttemptCap(t *testing.T) {
	ctx := context.Background()
	h := newPayoutHarness(t)
	h.gateway.request = func(Request) (*Result, error) {
		return nil, &GatewayError{Message: "bank offline", FailureCode: "BANK_UNAVAILABLE", StatusCode: 503}
	}
	svc := h.service(t, true)
	payment := h.seedPayment(t, 900)

	payout, err := svc.RequestPayout(ctx, payment.ID)
	require.Error(t, err)
	for attempt := 2; attempt <= MaxPayoutAttempts; attempt++ {
		require.NoError(t, h.conn.Model(&models.PayoutTransaction{}).
			Where("id = ?", payout.ID).
			UpdateColumn("next_retry_at", time.Now().UTC().Add(-time.Minute)).Error)
		require.NoError(t, svc.RetryPayout(ctx, payout.ID))
		require.Equal(t, attempt, h.payout(t, payout.ID).RetryCount)
	}

	require.Len(t, h.gateway.calls, MaxPayoutAttempts)
	require.Len(t, h.scheduler.scheduled, MaxPayoutAttempts-1)
	for i, next := range h.scheduler.scheduled {
		require.LessOrEqual(t, next.delay, queue.BackoffMax)
		if i > 0 {
			require.Greater(t, next.delay, h.scheduler.scheduled[i-1].delay)
		}
	}
	exhausted := h.payout(t, payout.ID)
	require.Equal(t, enums.SettlementStatusFailed, exhausted.Status)
	require.Nil(t, exhausted.NextRetryAt)

	keys := make(map[string]struct{}, len(h.gateway.calls))
	for _, call := range h.gateway.calls {
		keys[call.IdempotencyKey] = struct{}{}
	}
	require.Len(t, keys, MaxPayoutAttempts)
}

func TestRequestPayoutRealignsSettlementOfExhaustedPayout(t *testing.T) {
	ctx := context.Background()
	h := newPayoutHarness(t)
	svc := h.service(t, true)
	payment := h.seedPayment(t, 900)

	code := "BANK_UNAVAILABLE"
	exhausted := models.PayoutTransaction{
		PaymentTransactionID: payment.ID,
		SellerID:             900,
		Provider:             enums.PayoutProviderToss,
		RequestedAmount:      30000,
		Currency:             enums.CurrencyKRW,
		Status:               enums.SettlementStatusFailed,
		RetryCount:           MaxPayoutAttempts,
		FailureCode:          &code,
	}
	require.NoError(t, h.conn.Create(&exhausted).Error)
	require.NoError(t, h.conn.Model(&models.PaymentTransaction{}).
		Where("id = ?", payment.ID).
		UpdateColumn("settlement_status", enums.SettlementStatusRequested).Error)

	payout, err := svc.RequestPayout(ctx, payment.ID)
	require.NoError(t, err)
	require.Equal(t, exhausted.ID, payout.ID)
	require.Equal(t, enums.SettlementStatusFailed, payout.Status)
	require.Empty(t, h.gateway.calls)
	require.Equal(t, enums.SettlementStatusFailed, h.payment(t, payment.ID).SettlementStatus)
}

type checkingGateway struct {
	*stubGateway
	status  func(ref string) (*StatusResult, error)
	lookups []string
}

func (c *checkingGateway) PayoutStatus(_ context.Context, providerRef string) (*StatusResult, error) {
	c.lookups = append(c.lookups, providerRef)
	return c.status(providerRef)
}

func (h *payoutHarness) serviceWith(t *testing.T, gateway Gateway) *service {
	t.Helper()
	svc, err := NewService(ServiceParams{
		Repo:      NewRepository(h.conn),
		DB:        db.NewFromConn(h.conn),
		Registry:  NewRegistry(gateway),
		Sellers:   h.sellers,
		Scheduler: h.scheduler,
		Metrics:   h.metrics,
		Outbox:    h.outbox,
		Logger:    logger.New(logger.Options{ServiceName: "test", Output: io.Discard}),
		Enabled:   true,
		Provider:  enums.PayoutProviderToss,
	})
	require.NoError(t, err)
	return svc.(*service)
}

func (h *payoutHarness) seedRequested(t *testing.T, ref *string, startedAgo time.Duration) models.PayoutTransaction {
	t.Helper()
	payment := h.seedPayment(t, 900)
	require.NoError(t, h.conn.Model(&models.PaymentTransaction{}).
		Where("id = ?", payment.ID).
		UpdateColumn("settlement_status", enums.SettlementStatusRequested).Error)
	started := time.Now().UTC().Add(-startedAgo)
	payout := models.PayoutTransaction{
		PaymentTransactionID: payment.ID,
		SellerID:             900,
		Provider:             enums.PayoutProviderToss,
		RequestedAmount:      payment.NetAmount,
		Currency:             enums.CurrencyKRW,
		Status:               enums.SettlementStatusRequested,
		ProviderRef:          ref,
		RequestedAt:          &started,
		LastRetryAt:          &started,
	}
	require.NoError(t, h.conn.Create(&payout).Error)
	return payout
}

func TestRetryDueReplaysStaleRequestWithSameKey(t *testing.T) {
	ctx := context.Background()
	h := newPayoutHarness(t)
	svc := h.service(t, true)
	stale := h.seedRequested(t, nil, RequestedStaleAfter+time.Minute)
	fresh := h.seedRequested(t, nil, time.Minute)

	count, err := svc.RetryDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	require.Len(t, h.gateway.calls, 1)
	require.Equal(t, fmt.Sprintf("payout-%s-0", stale.ID), h.gateway.calls[0].IdempotencyKey)
	recovered := h.payout(t, stale.ID)
	require.Equal(t, enums.SettlementStatusCompleted, recovered.Status)
	require.Equal(t, enums.SettlementStatusCompleted, h.payment(t, stale.PaymentTransactionID).SettlementStatus)
	require.Equal(t, enums.SettlementStatusRequested, h.payout(t, fresh.ID).Status)
}

func TestRetryDueResolvesStaleRequestFromProviderStatus(t *testing.T) {
	ctx := context.Background()
	h := newPayoutHarness(t)
	gateway := &checkingGateway{
		stubGateway: h.gateway,
		status: func(ref string) (*StatusResult, error) {
			switch ref {
			case "po_done":
				return &StatusResult{ProviderRef: ref, Status: "COMPLETED"}, nil
			case "po_failed":
				return &StatusResult{ProviderRef: ref, Status: "FAILED", FailureCode: "ACCOUNT_CLOSED"}, nil
			default:
				return &StatusResult{ProviderRef: ref, Status: "IN_PROGRESS"}, nil
			}
		},
	}
	svc := h.serviceWith(t, gateway)

	doneRef, failedRef, pendingRef := "po_done", "po_failed", "po_pending"
	done := h.seedRequested(t, &doneRef, RequestedStaleAfter+time.Minute)
	failed := h.seedRequested(t, &failedRef, RequestedStaleAfter+time.Minute)
	inFlight := h.seedRequested(t, &pendingRef, RequestedStaleAfter+time.Minute)

	count, err := svc.RetryDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, count)
	require.ElementsMatch(t, []string{"po_done", "po_failed", "po_pending"}, gateway.lookups)
	require.Empty(t, h.gateway.calls)

	settled := h.payout(t, done.ID)
	require.Equal(t, enums.SettlementStatusCompleted, settled.Status)
	require.Equal(t, "po_done", *settled.ProviderRef)
	require.Equal(t, enums.SettlementStatusCompleted, h.payment(t, done.PaymentTransactionID).SettlementStatus)

	rejected := h.payout(t, failed.ID)
	require.Equal(t, enums.SettlementStatusFailed, rejected.Status)
	require.Equal(t, "ACCOUNT_CLOSED", *rejected.FailureCode)
	require.Equal(t, 1, rejected.RetryCount)
	require.Equal(t, enums.SettlementStatusFailed, h.payment(t, failed.PaymentTransactionID).SettlementStatus)
	require.Equal(t, []scheduledPayout{{payoutID: failed.ID, delay: queue.Backoff(1)}}, h.scheduler.scheduled)

	require.Equal(t, enums.SettlementStatusRequested, h.payout(t, inFlight.ID).Status)

	// the in-flight payout was just looked at and is not stale again yet
	count, err = svc.RetryDue(ctx)
	require.NoError(t, err)
	require.Zero(t, count)
	require.Len(t, gateway.lookups, 3)
}
