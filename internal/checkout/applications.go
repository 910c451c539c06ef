package checkout

import (
	"context"

	"gorm.io/gorm"

	"github.com/angelmondragon/mate-payments/internal/settlement"
	"github.com/angelmondragon/mate-payments/pkg/db/models"
	pkgerrors "github.com/angelmondragon/mate-payments/pkg/errors"
)

// GetApplication is visible to the applicant and the party host.
func (s *service) GetApplication(ctx context.Context, applicationID, userID int64) (*ApplicationView, error) {
	application, err := s.applications.GetApplication(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	if application.ApplicantID != userID {
		party, err := s.applications.FindParty(ctx, nil, application.PartyID)
		if err != nil {
			return nil, err
		}
		if party.HostID != userID {
			return nil, pkgerrors.New(pkgerrors.CodeForbidden, "application is not visible to this user")
		}
	}
	view := s.enrich(ctx, application)
	return &view, nil
}

func (s *service) ListApplications(ctx context.Context, partyID, hostID int64) ([]ApplicationView, error) {
	applications, err := s.applications.ListApplications(ctx, partyID, hostID)
	if err != nil {
		return nil, err
	}

	orderIDs := make([]string, 0, len(applications))
	for _, application := range applications {
		if application.OrderID != nil && *application.OrderID != "" {
			orderIDs = append(orderIDs, *application.OrderID)
		}
	}
	txns, err := s.settlement.ListByOrderIDs(ctx, orderIDs)
	if err != nil {
		s.logg.Error(s.logg.WithField(ctx, "party_id", partyID), "failed to load payment transactions for party", err)
		txns = nil
	}

	views := make([]ApplicationView, 0, len(applications))
	for i := range applications {
		application := &applications[i]
		var txn *models.PaymentTransaction
		if application.OrderID != nil {
			if found, ok := txns[*application.OrderID]; ok {
				txn = &found
			}
		}
		views = append(views, newApplicationView(application, txn))
	}
	return views, nil
}

// ApproveApplication approves a deposit application and starts settlement for
// its payment.
func (s *service) ApproveApplication(ctx context.Context, applicationID, hostID int64) (*ApplicationView, error) {
	application, err := s.applications.ApproveApplication(ctx, applicationID, hostID)
	if err != nil {
		return nil, err
	}
	if application.IsPaid {
		s.settlement.RequestSettlementOnApproval(ctx, application)
	}
	view := s.enrich(ctx, application)
	return &view, nil
}

func (s *service) RejectApplication(ctx context.Context, applicationID, hostID int64) (*ApplicationView, error) {
	application, err := s.applications.RejectApplication(ctx, applicationID, hostID)
	if err != nil {
		return nil, err
	}
	view := s.enrich(ctx, application)
	return &view, nil
}

// CancelApplication refunds the applicant under the refund policy and removes
// the application. The application stays when the refund fails so the buyer
// can retry.
func (s *service) CancelApplication(ctx context.Context, applicationID, applicantID int64, req settlement.CancelRequest) (*settlement.CancellationResult, error) {
	application, err := s.applications.ValidateCancellation(ctx, applicationID, applicantID)
	if err != nil {
		return nil, err
	}
	if application.OrderID != nil {
		ctx = s.logg.WithOrderID(ctx, *application.OrderID)
	}
	req.ActorUserID = applicantID

	result, err := s.settlement.ProcessCancellation(ctx, application, req)
	if err != nil {
		return nil, err
	}

	if err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		return s.applications.RemoveApplication(ctx, tx, application.ID)
	}); err != nil {
		s.logg.Error(s.logg.WithField(ctx, "application_id", application.ID), "refund succeeded but application removal failed", err)
		return nil, err
	}
	s.logg.Info(s.logg.WithField(ctx, "application_id", application.ID), "party application canceled")
	return result, nil
}
