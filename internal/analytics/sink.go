package analytics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/sethvargo/go-retry"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	writeRetries   = 4
	writeBaseDelay = 200 * time.Millisecond
	writeMaxDelay  = 5 * time.Second
)

type inserter interface {
	Put(ctx context.Context, table string, rows any) error
}

// BigQuerySink streams rows one at a time. The event id is sent as the
// insert id so BigQuery drops rows replayed within its dedupe window.
type BigQuerySink struct {
	client  inserter
	table   string
	backoff func() retry.Backoff
}

func NewBigQuerySink(client inserter, table string) (*BigQuerySink, error) {
	if client == nil {
		return nil, errors.New("bigquery client is required")
	}
	table = strings.TrimSpace(table)
	if table == "" {
		return nil, errors.New("payment events table is required")
	}
	return &BigQuerySink{
		client: client,
		table:  table,
		backoff: func() retry.Backoff {
			b := retry.NewExponential(writeBaseDelay)
			b = retry.WithJitterPercent(20, b)
			b = retry.WithCappedDuration(writeMaxDelay, b)
			return retry.WithMaxRetries(writeRetries, b)
		},
	}, nil
}

func (s *BigQuerySink) Write(ctx context.Context, row PaymentEventRow) error {
	saver := &bigquery.StructSaver{Struct: row, InsertID: row.EventID}
	err := retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
		err := s.client.Put(ctx, s.table, saver)
		if err != nil && transient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("insert into %s: %w", s.table, err)
	}
	return nil
}

var transientReasons = map[string]bool{
	"backendError":      true,
	"internalError":     true,
	"rateLimitExceeded": true,
	"stopped":           true,
	"timeout":           true,
}

// transient reports whether retrying the same insert can succeed. Row level
// errors are transient only when every reason is a server side one.
func transient(err error) bool {
	var rowErrs bigquery.PutMultiError
	if errors.As(err, &rowErrs) {
		for _, rowErr := range rowErrs {
			for _, e := range rowErr.Errors {
				var bqErr *bigquery.Error
				if !errors.As(e, &bqErr) || !transientReasons[bqErr.Reason] {
					return false
				}
			}
		}
		return len(rowErrs) > 0
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusTooManyRequests, http.StatusInternalServerError,
			http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		for _, item := range apiErr.Errors {
			if transientReasons[item.Reason] {
				return true
			}
		}
		return false
	}

	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted, codes.Internal:
		return true
	}
	return false
}
