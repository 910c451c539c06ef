// Package app assembles the payment services shared by the api, worker and
// cron-worker binaries.
package app

import (
	"errors"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/mate-payments/internal/amount"
	"github.com/angelmondragon/mate-payments/internal/checkout"
	"github.com/angelmondragon/mate-payments/internal/intents"
	"github.com/angelmondragon/mate-payments/internal/marketplace"
	"github.com/angelmondragon/mate-payments/internal/payouts"
	"github.com/angelmondragon/mate-payments/internal/refundpolicy"
	"github.com/angelmondragon/mate-payments/internal/sellerprofiles"
	"github.com/angelmondragon/mate-payments/internal/settlement"
	"github.com/angelmondragon/mate-payments/pkg/config"
	"github.com/angelmondragon/mate-payments/pkg/db"
	"github.com/angelmondragon/mate-payments/pkg/enums"
	"github.com/angelmondragon/mate-payments/pkg/logger"
	"github.com/angelmondragon/mate-payments/pkg/metrics"
	"github.com/angelmondragon/mate-payments/pkg/outbox"
	"github.com/angelmondragon/mate-payments/pkg/queue"
	"github.com/angelmondragon/mate-payments/pkg/toss"
)

// PaymentsParams are the infrastructure clients the payment services run on.
type PaymentsParams struct {
	Config     *config.Config
	Logger     *logger.Logger
	DB         *db.Client
	Queue      *queue.Client
	Registerer prometheus.Registerer
}

// Payments is the wired payment service graph.
type Payments struct {
	Mode           enums.PaymentMode
	Gateway        *toss.Client
	Metrics        *metrics.PaymentMetrics
	Marketplace    marketplace.Service
	Intents        intents.Service
	Settlement     settlement.Service
	Payouts        payouts.Service
	SellerProfiles sellerprofiles.Service
	Checkout       checkout.Service
}

// NewPayments builds every payment service from configuration.
func NewPayments(params PaymentsParams) (*Payments, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	if params.Queue == nil {
		return nil, errors.New("queue client is required")
	}
	cfg := params.Config
	gormDB := params.DB.DB()

	var paymentMetrics *metrics.PaymentMetrics
	if params.Registerer != nil {
		paymentMetrics = metrics.NewPaymentMetrics(params.Registerer)
	}

	mode := enums.ParsePaymentMode(cfg.Payment.Mode)
	gateway, err := toss.NewClient(cfg.Toss.SecretKey, mode,
		toss.WithBaseURL(cfg.Toss.BaseURL),
		toss.WithTimeout(cfg.Toss.Timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("toss client: %w", err)
	}

	outboxService := outbox.NewService(outbox.NewRepository(gormDB), params.Logger)

	marketplaceService, err := marketplace.NewService(marketplace.NewRepository(gormDB), params.DB, marketplace.Options{
		RequireSocialVerification: cfg.Payment.RequireSocialVerification,
		PendingCap:                cfg.Payment.PendingApplicationCap,
	})
	if err != nil {
		return nil, err
	}

	sellerService, err := sellerprofiles.NewService(sellerprofiles.NewRepository(gormDB), params.DB)
	if err != nil {
		return nil, err
	}

	registry, err := payoutRegistry(cfg)
	if err != nil {
		return nil, err
	}
	payoutService, err := payouts.NewService(payouts.ServiceParams{
		Repo:      payouts.NewRepository(gormDB),
		DB:        params.DB,
		Registry:  registry,
		Sellers:   sellerService,
		Scheduler: params.Queue,
		Metrics:   paymentMetrics,
		Outbox:    outboxService,
		Logger:    params.Logger,
		Enabled:   cfg.Payout.Enabled,
		Provider:  enums.PayoutProvider(cfg.Payout.Provider),
	})
	if err != nil {
		return nil, err
	}

	evaluator, err := refundpolicy.NewEvaluator(cfg.Payment.FeeRate)
	if err != nil {
		return nil, err
	}
	settlementService, err := settlement.NewService(settlement.ServiceParams{
		Repo:    settlement.NewRepository(gormDB),
		DB:      params.DB,
		Gateway: gateway,
		Payouts: payoutService,
		Parties: marketplaceService,
		Refunds: evaluator,
		Metrics: paymentMetrics,
		Outbox:  outboxService,
		Logger:  params.Logger,
	})
	if err != nil {
		return nil, err
	}

	intentService, err := intents.NewService(intents.ServiceParams{
		Repo:                intents.NewRepository(gormDB),
		DB:                  params.DB,
		Marketplace:         marketplaceService,
		Calculator:          amount.NewCalculator(cfg.Payment.DepositAmount),
		Gateway:             gateway,
		Scheduler:           params.Queue,
		Metrics:             paymentMetrics,
		Outbox:              outboxService,
		Logger:              params.Logger,
		TTL:                 cfg.Payment.IntentTTL,
		CancelPolicyVersion: cfg.Payment.CancelPolicyVersion,
		ReconcileStaleness:  cfg.Reconcile.Staleness,
		ReconcileBatchSize:  cfg.Reconcile.BatchSize,
	})
	if err != nil {
		return nil, err
	}

	checkoutService, err := checkout.NewService(checkout.ServiceParams{
		DB:           params.DB,
		Intents:      intentService,
		Gateway:      gateway,
		Applications: marketplaceService,
		Settlement:   settlementService,
		Metrics:      paymentMetrics,
		Logger:       params.Logger,
	})
	if err != nil {
		return nil, err
	}

	return &Payments{
		Mode:           mode,
		Gateway:        gateway,
		Metrics:        paymentMetrics,
		Marketplace:    marketplaceService,
		Intents:        intentService,
		Settlement:     settlementService,
		Payouts:        payoutService,
		SellerProfiles: sellerService,
		Checkout:       checkoutService,
	}, nil
}

// payoutRegistry always carries the simulator; the Toss gateway joins once its
// secret key is configured.
func payoutRegistry(cfg *config.Config) (*payouts.Registry, error) {
	gateways := []payouts.Gateway{payouts.NewSimGateway()}
	if strings.TrimSpace(cfg.TossPayout.SecretKey) != "" {
		tossGateway, err := payouts.NewTossGateway(cfg.TossPayout)
		if err != nil {
			return nil, fmt.Errorf("toss payout gateway: %w", err)
		}
		gateways = append(gateways, tossGateway)
	}
	return payouts.NewRegistry(gateways...), nil
}
