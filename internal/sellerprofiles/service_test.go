package sellerprofiles

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/mate-payments/pkg/db"
	"github.com/angelmondragon/mate-payments/pkg/db/models"
	"github.com/angelmondragon/mate-payments/pkg/enums"
	pkgerrors "github.com/angelmondragon/mate-payments/pkg/errors"
)

func newTestService(t *testing.T) (Service, *gorm.DB) {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	conn, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&models.SellerPayoutProfile{}))
	svc, err := NewService(NewRepository(conn), db.NewFromConn(conn))
	require.NoError(t, err)
	return svc, conn
}

func TestUpsertCreatesThenUpdates(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	created, err := svc.Upsert(ctx, UpsertInput{UserID: 10, ProviderSellerID: "  seller-10  "})
	require.NoError(t, err)
	require.Equal(t, enums.PayoutProviderToss, created.Provider)
	require.Equal(t, "seller-10", created.ProviderSellerID)

	kyc := "VERIFIED"
	updated, err := svc.Upsert(ctx, UpsertInput{UserID: 10, Provider: "toss", ProviderSellerID: "seller-10b", KYCStatus: &kyc})
	require.NoError(t, err)
	require.Equal(t, created.ID, updated.ID)
	require.Equal(t, "seller-10b", updated.ProviderSellerID)

	got, err := svc.Get(ctx, 10, "TOSS")
	require.NoError(t, err)
	require.Equal(t, "VERIFIED", *got.KYCStatus)
}

func TestUpsertValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	cases := []struct {
		name  string
		input UpsertInput
		code  pkgerrors.Code
	}{
		{name: "missing user", input: UpsertInput{ProviderSellerID: "s"}, code: pkgerrors.CodeValidation},
		{name: "blank seller id", input: UpsertInput{UserID: 1, ProviderSellerID: "   "}, code: pkgerrors.CodeValidation},
		{name: "unknown provider", input: UpsertInput{UserID: 1, Provider: "PAYPAL", ProviderSellerID: "s"}, code: pkgerrors.CodeValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Upsert(ctx, tc.input)
			require.True(t, pkgerrors.IsCode(err, tc.code), "expected %s, got %v", tc.code, err)
		})
	}
}

func TestUpsertRejectsSellerIDOwnedByAnotherUser(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.Upsert(ctx, UpsertInput{UserID: 1, ProviderSellerID: "shared"})
	require.NoError(t, err)
	_, err = svc.Upsert(ctx, UpsertInput{UserID: 2, ProviderSellerID: "shared"})
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeConflict), "got %v", err)

	_, err = svc.Upsert(ctx, UpsertInput{UserID: 2, Provider: "SIM", ProviderSellerID: "shared"})
	require.NoError(t, err)
}

func TestRequiredProviderSellerID(t *testing.T) {
	ctx := context.Background()
	svc, conn := newTestService(t)

	_, err := svc.RequiredProviderSellerID(ctx, 5, enums.PayoutProviderToss)
	require.True(t, errors.Is(err, ErrProfileMissing))

	require.NoError(t, conn.Create(&models.SellerPayoutProfile{UserID: 6, Provider: enums.PayoutProviderToss, ProviderSellerID: " "}).Error)
	_, err = svc.RequiredProviderSellerID(ctx, 6, enums.PayoutProviderToss)
	require.True(t, errors.Is(err, ErrProfileMissing))

	_, err = svc.Upsert(ctx, UpsertInput{UserID: 5, ProviderSellerID: "seller-5"})
	require.NoError(t, err)
	got, err := svc.RequiredProviderSellerID(ctx, 5, enums.PayoutProviderToss)
	require.NoError(t, err)
	require.Equal(t, "seller-5", got)

	_, err = svc.Get(ctx, 99, "")
	require.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}
