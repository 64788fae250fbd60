package ig

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"trading-worker/config"
	"trading-worker/internal/broker"
)

// igStub simulates the IG REST API: /session issues header tokens and
// /accounts can be scripted to reject a number of requests first.
type igStub struct {
	mu            sync.Mutex
	logins        int
	accountCalls  int
	rejectFirst   int    // reject this many /accounts calls
	rejectCode    string // errorCode used for the rejections
}

func (s *igStub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.logins++
		s.mu.Unlock()
		w.Header().Set("CST", "cst-token")
		w.Header().Set("X-SECURITY-TOKEN", "sec-token")
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/accounts", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.accountCalls++
		reject := s.accountCalls <= s.rejectFirst
		s.mu.Unlock()

		if reject {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"errorCode": s.rejectCode})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"accounts": []map[string]any{{
				"accountId": "ABC123",
				"currency":  "USD",
				"balance": map[string]float64{
					"balance":    10000,
					"available":  8000,
					"profitLoss": 150,
				},
			}},
		})
	})
	return mux
}

func newTestClient(t *testing.T, stub *igStub) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(stub.handler())
	t.Cleanup(server.Close)

	client := NewClient(config.IGConfig{
		Enabled:  true,
		BaseURL:  server.URL,
		APIKey:   "key",
		Username: "user",
		Password: "pass",
	}, zerolog.Nop())
	return client, server
}

func TestConnectIsIdempotent(t *testing.T) {
	stub := &igStub{}
	client, _ := newTestClient(t, stub)
	ctx := context.Background()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !client.IsConnected() {
		t.Fatal("client not connected after login")
	}
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if got := client.LoginCount(); got != 1 {
		t.Errorf("login count = %d, want 1", got)
	}
}

func TestTokenInvalidTriggersSingleReAuthRetry(t *testing.T) {
	stub := &igStub{rejectFirst: 1, rejectCode: "error.security.client-token-invalid"}
	client, _ := newTestClient(t, stub)
	ctx := context.Background()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	account, err := client.GetAccountState(ctx)
	if err != nil {
		t.Fatalf("GetAccountState after token expiry: %v", err)
	}
	if account.AccountID != "ABC123" || account.Equity != 10150 {
		t.Errorf("account = %+v", account)
	}
	// exactly one re-login on top of the initial one
	if got := client.LoginCount(); got != 2 {
		t.Errorf("login count = %d, want 2", got)
	}
	if stub.accountCalls != 2 {
		t.Errorf("accounts endpoint hit %d times, want 2", stub.accountCalls)
	}
}

func TestPersistentTokenFailureSurfacesAuthError(t *testing.T) {
	stub := &igStub{rejectFirst: 10, rejectCode: "error.security.client-token-invalid"}
	client, _ := newTestClient(t, stub)
	ctx := context.Background()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	_, err := client.GetAccountState(ctx)
	if !errors.Is(err, broker.ErrAuthentication) {
		t.Fatalf("error = %v, want ErrAuthentication", err)
	}
	// retried once and only once
	if stub.accountCalls != 2 {
		t.Errorf("accounts endpoint hit %d times, want 2", stub.accountCalls)
	}
	if client.IsConnected() {
		t.Error("client still reports connected after re-auth failure")
	}
}

func TestNonAuthVenueErrorDoesNotRetry(t *testing.T) {
	stub := &igStub{rejectFirst: 1, rejectCode: "error.request.invalid"}
	client, _ := newTestClient(t, stub)
	ctx := context.Background()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	_, err := client.GetAccountState(ctx)
	var ve *broker.VenueError
	if !errors.As(err, &ve) {
		t.Fatalf("error = %v, want VenueError", err)
	}
	if stub.accountCalls != 1 {
		t.Errorf("non-auth error retried: %d calls", stub.accountCalls)
	}
	if got := client.LoginCount(); got != 1 {
		t.Errorf("non-auth error re-authenticated: %d logins", got)
	}
}

func TestRequestsRequireConnection(t *testing.T) {
	stub := &igStub{}
	client, _ := newTestClient(t, stub)

	_, err := client.GetAccountState(context.Background())
	if !errors.Is(err, broker.ErrNotConnected) {
		t.Fatalf("error = %v, want ErrNotConnected", err)
	}
}
