package bigquery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"google.golang.org/api/googleapi"

	"github.com/angelmondragon/mate-payments/pkg/config"
)

func TestCredentialsPreferInlineJSON(t *testing.T) {
	opts := credentials(config.GCPConfig{
		CredentialsJSON:        `{"type":"service_account"}`,
		ApplicationCredentials: "/tmp/key.json",
	})
	if len(opts) != 1 {
		t.Fatalf("expected one option, got %d", len(opts))
	}
	if got := credentials(config.GCPConfig{ApplicationCredentials: "/tmp/key.json"}); len(got) != 1 {
		t.Fatalf("expected file option, got %d", len(got))
	}
	if got := credentials(config.GCPConfig{}); got != nil {
		t.Fatalf("expected default credentials, got %d options", len(got))
	}
}

func TestAPICodeClassification(t *testing.T) {
	notFound := fmt.Errorf("metadata: %w", &googleapi.Error{Code: http.StatusNotFound})
	if !isNotFound(notFound) {
		t.Fatal("wrapped 404 should be not found")
	}
	if !isConflict(&googleapi.Error{Code: http.StatusConflict}) {
		t.Fatal("409 should be a conflict")
	}
	if isNotFound(errors.New("dial tcp: timeout")) {
		t.Fatal("plain errors carry no api code")
	}
}

func TestNilClientIsNotInitialized(t *testing.T) {
	var c *Client
	if err := c.Ping(context.Background()); !errors.Is(err, errNotInitialized) {
		t.Fatalf("expected errNotInitialized, got %v", err)
	}
	if err := c.Put(context.Background(), "payment_events", nil); !errors.Is(err, errNotInitialized) {
		t.Fatalf("expected errNotInitialized, got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close on nil client: %v", err)
	}
}
