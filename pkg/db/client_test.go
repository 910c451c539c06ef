package db

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/mate-payments/pkg/config"
	"github.com/angelmondragon/mate-payments/pkg/logger"
)

type ledgerRow struct {
	ID     int
	Amount int64
}

func countRows(t *testing.T, conn *gorm.DB) int64 {
	t.Helper()
	var n int64
	require.NoError(t, conn.Model(&ledgerRow{}).Count(&n).Error)
	return n
}

func openMemory(t *testing.T) *Client {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&ledgerRow{}))
	return NewFromConn(conn)
}

func TestWithTxCommitAndRollback(t *testing.T) {
	client := openMemory(t)
	ctx := context.Background()

	require.NoError(t, client.WithTx(ctx, func(tx *gorm.DB) error {
		return tx.Create(&ledgerRow{Amount: 50000}).Error
	}))
	require.EqualValues(t, 1, countRows(t, client.DB()))

	boom := errors.New("gateway said no")
	err := client.WithTx(ctx, func(tx *gorm.DB) error {
		require.NoError(t, tx.Create(&ledgerRow{Amount: 1}).Error)
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.EqualValues(t, 1, countRows(t, client.DB()))
}

func TestWithTxRollsBackOnPanic(t *testing.T) {
	client := openMemory(t)

	require.Panics(t, func() {
		_ = client.WithTx(context.Background(), func(tx *gorm.DB) error {
			tx.Create(&ledgerRow{Amount: 7})
			panic("mid-transaction")
		})
	})
	require.EqualValues(t, 0, countRows(t, client.DB()))
}

func TestNewWithSQLite(t *testing.T) {
	logg := logger.New(logger.Options{ServiceName: "db-test", Output: io.Discard})
	client, err := New(context.Background(), config.DBConfig{
		DSN:          "file:" + t.Name() + "?mode=memory&cache=shared",
		Driver:       DriverSQLite,
		MaxOpenConns: 1,
	}, logg)
	require.NoError(t, err)
	require.NoError(t, client.Ping(context.Background()))
	require.NoError(t, client.Close())
}

func TestNewRequiresDSN(t *testing.T) {
	_, err := New(context.Background(), config.DBConfig{}, nil)
	require.Error(t, err)
}
