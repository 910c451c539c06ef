package amount

import (
	"github.com/angelmondragon/mate-payments/pkg/db/models"
	"github.com/angelmondragon/mate-payments/pkg/enums"
	pkgerrors "github.com/angelmondragon/mate-payments/pkg/errors"
)

// DefaultDeposit is the refundable deposit added to the ticket price.
const DefaultDeposit int64 = 10000

// Quote is the authoritative chargeable amount for a party and flow.
type Quote struct {
	Amount    int64
	Currency  enums.Currency
	OrderName string
	Flow      enums.FlowType
}

// Calculator derives the amount a payment intent must match.
type Calculator struct {
	deposit int64
}

func NewCalculator(deposit int64) *Calculator {
	return &Calculator{deposit: deposit}
}

// Calculate prices flow for party. A nil flow is a deposit.
func (c *Calculator) Calculate(party *models.Party, flow *enums.FlowType) (Quote, error) {
	if party == nil {
		return Quote{}, pkgerrors.New(pkgerrors.CodeNotFound, "party not found")
	}
	resolved := enums.FlowTypeDeposit
	if flow != nil {
		resolved = *flow
	}
	if resolved == enums.FlowTypeSellingFull {
		return c.selling(party)
	}
	return c.depositQuote(party)
}

func (c *Calculator) depositQuote(party *models.Party) (Quote, error) {
	if party.Status == enums.PartyStatusSelling {
		return Quote{}, pkgerrors.New(pkgerrors.CodeValidation, "ticket resale parties cannot use the deposit flow")
	}
	if party.TicketPrice == nil {
		return Quote{}, pkgerrors.New(pkgerrors.CodeValidation, "ticket price is not set")
	}
	if *party.TicketPrice < 0 {
		return Quote{}, pkgerrors.New(pkgerrors.CodeValidation, "ticket price is invalid")
	}
	total := *party.TicketPrice + c.deposit
	if total <= 0 {
		return Quote{}, pkgerrors.New(pkgerrors.CodeValidation, "payment amount is invalid")
	}
	return Quote{
		Amount:    total,
		Currency:  enums.CurrencyKRW,
		OrderName: "KBO 메이트 결제 - " + party.Stadium,
		Flow:      enums.FlowTypeDeposit,
	}, nil
}

func (c *Calculator) selling(party *models.Party) (Quote, error) {
	if party.Status != enums.PartyStatusSelling {
		return Quote{}, pkgerrors.New(pkgerrors.CodeValidation, "only SELLING parties accept full payment")
	}
	if party.Price == nil || *party.Price <= 0 {
		return Quote{}, pkgerrors.New(pkgerrors.CodeValidation, "sale price is not set")
	}
	return Quote{
		Amount:    *party.Price,
		Currency:  enums.CurrencyKRW,
		OrderName: "KBO 메이트 티켓 구매 - " + party.Stadium,
		Flow:      enums.FlowTypeSellingFull,
	}, nil
}
