package payouts

import (
	"context"

	"github.com/google/uuid"

	"github.com/angelmondragon/mate-payments/pkg/enums"
)

// SimGateway completes every payout without calling a provider.
type SimGateway struct{}

func NewSimGateway() *SimGateway { return &SimGateway{} }

func (SimGateway) Provider() enums.PayoutProvider { return enums.PayoutProviderSim }

func (SimGateway) RequestPayout(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Result{ProviderRef: "SIM-" + uuid.NewString(), Status: string(enums.SettlementStatusCompleted)}, nil
}
