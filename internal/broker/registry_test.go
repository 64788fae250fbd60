package broker

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
)

type stubClient struct {
	kind        Kind
	connected   bool
	connects    int
	connectErr  error
	disconnects int
}

func (s *stubClient) Kind() Kind { return s.kind }

func (s *stubClient) Connect(ctx context.Context) error {
	s.connects++
	if s.connectErr != nil {
		return s.connectErr
	}
	s.connected = true
	return nil
}

func (s *stubClient) Disconnect(ctx context.Context) error {
	s.disconnects++
	s.connected = false
	return nil
}

func (s *stubClient) IsConnected() bool { return s.connected }

func (s *stubClient) GetAccountState(ctx context.Context) (*AccountState, error) { return nil, nil }
func (s *stubClient) GetOpenPositions(ctx context.Context) ([]Position, error)   { return nil, nil }
func (s *stubClient) GetSymbolPrice(ctx context.Context, symbol string) (*SymbolPrice, error) {
	return nil, nil
}
func (s *stubClient) GetHistoricalPrices(ctx context.Context, symbol string, resolution Resolution, n int) ([]Candle, error) {
	return nil, nil
}
func (s *stubClient) PlaceOrder(ctx context.Context, req *OrderRequest) (*OrderResult, error) {
	return nil, nil
}

func TestRegistryCachesClients(t *testing.T) {
	built := 0
	client := &stubClient{kind: KindIG}
	registry := NewRegistry(func(kind Kind) (Client, error) {
		built++
		return client, nil
	}, zerolog.Nop())
	ctx := context.Background()

	first, err := registry.Get(ctx, KindIG)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	second, err := registry.Get(ctx, KindIG)
	if err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if first != second {
		t.Error("registry handed out different clients for the same kind")
	}
	if built != 1 {
		t.Errorf("factory invoked %d times, want 1", built)
	}
	if client.connects != 1 {
		t.Errorf("client connected %d times, want 1", client.connects)
	}
	if registry.Size() != 1 {
		t.Errorf("registry size = %d", registry.Size())
	}
}

func TestRegistryReconnectsStaleClient(t *testing.T) {
	client := &stubClient{kind: KindMEXC}
	registry := NewRegistry(func(kind Kind) (Client, error) {
		return client, nil
	}, zerolog.Nop())
	ctx := context.Background()

	if _, err := registry.Get(ctx, KindMEXC); err != nil {
		t.Fatalf("Get: %v", err)
	}

	// simulate a dropped session
	client.connected = false
	if _, err := registry.Get(ctx, KindMEXC); err != nil {
		t.Fatalf("Get after drop: %v", err)
	}
	if client.connects != 2 {
		t.Errorf("stale client reconnected %d times, want 2 total connects", client.connects)
	}
}

func TestRegistryPropagatesFactoryErrors(t *testing.T) {
	registry := NewRegistry(func(kind Kind) (Client, error) {
		switch kind {
		case KindIG:
			return nil, fmt.Errorf("%w: IG is not enabled", ErrConfigMissing)
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedBroker, kind)
		}
	}, zerolog.Nop())
	ctx := context.Background()

	if _, err := registry.Get(ctx, KindIG); !errors.Is(err, ErrConfigMissing) {
		t.Errorf("error = %v, want ErrConfigMissing", err)
	}
	if _, err := registry.Get(ctx, KindKraken); !errors.Is(err, ErrUnsupportedBroker) {
		t.Errorf("error = %v, want ErrUnsupportedBroker", err)
	}
	if registry.Size() != 0 {
		t.Errorf("failed builds were cached: size %d", registry.Size())
	}
}

func TestRegistryConnectFailureIsNotCached(t *testing.T) {
	client := &stubClient{kind: KindIG, connectErr: errors.New("boom")}
	built := 0
	registry := NewRegistry(func(kind Kind) (Client, error) {
		built++
		return client, nil
	}, zerolog.Nop())
	ctx := context.Background()

	if _, err := registry.Get(ctx, KindIG); err == nil {
		t.Fatal("expected connect failure")
	}
	client.connectErr = nil
	if _, err := registry.Get(ctx, KindIG); err != nil {
		t.Fatalf("Get after recovery: %v", err)
	}
	if built != 2 {
		t.Errorf("factory invoked %d times, want a fresh build after failure", built)
	}
}

func TestRegistryClearDropsWithoutLogout(t *testing.T) {
	client := &stubClient{kind: KindIG}
	registry := NewRegistry(func(kind Kind) (Client, error) {
		return client, nil
	}, zerolog.Nop())
	ctx := context.Background()

	if _, err := registry.Get(ctx, KindIG); err != nil {
		t.Fatalf("Get: %v", err)
	}
	registry.Clear()
	if registry.Size() != 0 {
		t.Errorf("size after Clear = %d", registry.Size())
	}
	if client.disconnects != 0 {
		t.Errorf("Clear logged out the client %d times", client.disconnects)
	}
}

func TestRegistryDisconnectAll(t *testing.T) {
	clients := map[Kind]*stubClient{
		KindIG:   {kind: KindIG},
		KindMEXC: {kind: KindMEXC},
	}
	registry := NewRegistry(func(kind Kind) (Client, error) {
		return clients[kind], nil
	}, zerolog.Nop())
	ctx := context.Background()

	if _, err := registry.Get(ctx, KindIG); err != nil {
		t.Fatalf("Get IG: %v", err)
	}
	if _, err := registry.Get(ctx, KindMEXC); err != nil {
		t.Fatalf("Get MEXC: %v", err)
	}

	registry.DisconnectAll(ctx)
	if registry.Size() != 0 {
		t.Errorf("size after DisconnectAll = %d", registry.Size())
	}
	for kind, c := range clients {
		if c.disconnects != 1 {
			t.Errorf("%s disconnected %d times, want 1", kind, c.disconnects)
		}
	}
}

func TestParseKindNormalizes(t *testing.T) {
	cases := []struct {
		in   string
		want Kind
		ok   bool
	}{
		{"IG", KindIG, true},
		{"ig", KindIG, true},
		{" mexc ", KindMEXC, true},
		{"Kraken", KindKraken, true},
		{"BINANCE", "", false},
		{"", "", false},
	}
	for _, c := range cases {
		got, ok := ParseKind(c.in)
		if ok != c.ok || got != c.want {
			t.Errorf("ParseKind(%q) = %v, %v", c.in, got, ok)
		}
	}
}
