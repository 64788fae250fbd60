package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"trading-worker/internal/ai/ki"
	"trading-worker/internal/broker"
	"trading-worker/internal/database"
	"trading-worker/internal/risk"
	"trading-worker/internal/strategy"
)

// Session status values
const (
	StatusProposed = "PROPOSED"
	StatusLive     = "LIVE"
	StatusShadow   = "SHADOW"
)

var (
	// ErrUnknownSession is returned when a session id was never proposed
	ErrUnknownSession = errors.New("unknown execution session")
	// ErrSessionConfirmed is returned on a second confirm for the same id
	ErrSessionConfirmed = errors.New("session already confirmed")
)

// pending carries the in-memory order material between propose and
// confirm within one process lifetime.
type pending struct {
	asset *database.TradingAsset
	setup *strategy.SetupCandidate
	order *broker.OrderRequest
}

// Outcome is the result of executing one session
type Outcome struct {
	SessionID uuid.UUID
	Live      *database.TradeRecord
	Shadow    *database.ShadowTrade
	Degraded  bool   // a live attempt fell back to shadow
	Reason    string // why the shadow path was taken, if it was
}

// Service routes approved setups to live orders and everything else to
// shadow trades. A live failure degrades to a shadow trade for the same
// session exactly once; confirmed sessions are never re-executed.
type Service struct {
	registry   *broker.Registry
	store      Store
	shadowOnly bool
	dryRun     bool
	logger     zerolog.Logger

	mu      sync.Mutex
	pending map[uuid.UUID]*pending
}

// NewService creates an execution service
func NewService(registry *broker.Registry, store Store, shadowOnly, dryRun bool, logger zerolog.Logger) *Service {
	return &Service{
		registry:   registry,
		store:      store,
		shadowOnly: shadowOnly,
		dryRun:     dryRun,
		logger:     logger.With().Str("component", "ExecutionService").Logger(),
		pending:    make(map[uuid.UUID]*pending),
	}
}

// ProposeTrade opens a session for one setup. The risk verdict is
// recorded on the session; the order material stays in memory until the
// session is confirmed.
func (s *Service) ProposeTrade(ctx context.Context, asset *database.TradingAsset, setup *strategy.SetupCandidate, kiEval *ki.EvaluationResult, riskEval risk.EvaluationResult, order *broker.OrderRequest) (*database.ExecutionSession, error) {
	session := &database.ExecutionSession{
		ID:          uuid.New(),
		AssetID:     asset.ID,
		Epic:        asset.Epic,
		SetupKind:   string(setup.Kind),
		Direction:   setup.Direction,
		Status:      StatusProposed,
		RiskAllowed: riskEval.Allowed,
		RiskReason:  riskEval.Reason,
		CreatedAt:   time.Now().UTC(),
	}
	if kiEval != nil {
		confidence := kiEval.Confidence
		session.Confidence = &confidence
	}

	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("creating execution session: %w", err)
	}

	s.mu.Lock()
	s.pending[session.ID] = &pending{asset: asset, setup: setup, order: order}
	s.mu.Unlock()

	return session, nil
}

// ExecuteSession routes one proposed session: shadow when shadow-only
// mode is on or risk denied, live otherwise.
func (s *Service) ExecuteSession(ctx context.Context, sessionID uuid.UUID) (*Outcome, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrUnknownSession
	}
	if session.ConfirmedAt != nil {
		return nil, ErrSessionConfirmed
	}

	if s.shadowOnly || !session.RiskAllowed {
		reason := "shadow-only mode"
		if !session.RiskAllowed {
			reason = "risk denied: " + session.RiskReason
		}
		shadow, err := s.ConfirmShadowTrade(ctx, sessionID, reason)
		if err != nil {
			return nil, err
		}
		return &Outcome{SessionID: sessionID, Shadow: shadow, Reason: reason}, nil
	}

	return s.confirmLive(ctx, sessionID)
}

// ConfirmLiveTrade places the session's order on the asset's venue. On
// any failure the session degrades to a shadow trade; it is not retried.
func (s *Service) ConfirmLiveTrade(ctx context.Context, sessionID uuid.UUID) (*database.TradeRecord, error) {
	outcome, err := s.confirmLive(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if outcome.Degraded {
		return nil, fmt.Errorf("live execution degraded to shadow: %s", outcome.Reason)
	}
	return outcome.Live, nil
}

func (s *Service) confirmLive(ctx context.Context, sessionID uuid.UUID) (*Outcome, error) {
	p := s.takePending(sessionID)
	if p == nil {
		return nil, ErrUnknownSession
	}

	result, liveErr := s.placeOrder(ctx, p)
	if liveErr != nil {
		reason := fmt.Sprintf("live execution failed: %v", liveErr)
		s.logger.Warn().Str("session", sessionID.String()).Err(liveErr).
			Msg("live execution failed, recording shadow trade")
		shadow, err := s.recordShadow(ctx, sessionID, p, reason)
		if err != nil {
			return nil, err
		}
		return &Outcome{SessionID: sessionID, Shadow: shadow, Degraded: true, Reason: reason}, nil
	}

	now := time.Now().UTC()
	confirmed, err := s.store.ConfirmSession(ctx, sessionID, StatusLive, now)
	if err != nil {
		return nil, err
	}
	if !confirmed {
		return nil, ErrSessionConfirmed
	}

	trade := &database.TradeRecord{
		SessionID:     sessionID,
		Epic:          p.asset.Epic,
		Direction:     p.setup.Direction,
		Size:          p.order.Size,
		EntryLevel:    result.Level,
		StopLevel:     p.order.StopLevel,
		LimitLevel:    p.order.LimitLevel,
		DealID:        result.DealID,
		DealReference: result.DealReference,
		ExecutedAt:    now,
	}
	if err := s.store.InsertTrade(ctx, trade); err != nil {
		return nil, fmt.Errorf("recording live trade: %w", err)
	}

	s.logger.Info().Str("session", sessionID.String()).Str("epic", p.asset.Epic).
		Str("deal_id", result.DealID).Msg("live trade executed")
	return &Outcome{SessionID: sessionID, Live: trade}, nil
}

func (s *Service) placeOrder(ctx context.Context, p *pending) (*broker.OrderResult, error) {
	if s.dryRun {
		return &broker.OrderResult{
			Status:    "DRY_RUN",
			Level:     p.order.Level,
			Size:      p.order.Size,
			Timestamp: time.Now().UTC(),
		}, nil
	}

	kind, ok := broker.ParseKind(p.asset.BrokerKind)
	if !ok {
		return nil, fmt.Errorf("%w: %s", broker.ErrUnsupportedBroker, p.asset.BrokerKind)
	}
	client, err := s.registry.Get(ctx, kind)
	if err != nil {
		return nil, err
	}
	return client.PlaceOrder(ctx, p.order)
}

// ConfirmShadowTrade records the session as a shadow trade
func (s *Service) ConfirmShadowTrade(ctx context.Context, sessionID uuid.UUID, reason string) (*database.ShadowTrade, error) {
	p := s.takePending(sessionID)
	if p == nil {
		return nil, ErrUnknownSession
	}
	return s.recordShadow(ctx, sessionID, p, reason)
}

func (s *Service) recordShadow(ctx context.Context, sessionID uuid.UUID, p *pending, reason string) (*database.ShadowTrade, error) {
	now := time.Now().UTC()
	confirmed, err := s.store.ConfirmSession(ctx, sessionID, StatusShadow, now)
	if err != nil {
		// the session is still unconfirmed, so keep the order material
		// for a retry
		s.restorePending(sessionID, p)
		return nil, err
	}
	if !confirmed {
		return nil, ErrSessionConfirmed
	}

	shadow := &database.ShadowTrade{
		SessionID:  sessionID,
		Epic:       p.asset.Epic,
		Direction:  p.setup.Direction,
		Size:       p.order.Size,
		EntryLevel: p.order.Level,
		StopLevel:  p.order.StopLevel,
		LimitLevel: p.order.LimitLevel,
		Reason:     reason,
		RecordedAt: now,
	}
	if err := s.store.InsertShadowTrade(ctx, shadow); err != nil {
		return nil, fmt.Errorf("recording shadow trade: %w", err)
	}

	s.logger.Info().Str("session", sessionID.String()).Str("epic", p.asset.Epic).
		Str("reason", reason).Msg("shadow trade recorded")
	return shadow, nil
}

// restorePending re-registers order material after a store failure.
// Only the shadow path restores: a failed live confirm follows a real
// placement, and replaying that would double the order.
func (s *Service) restorePending(sessionID uuid.UUID, p *pending) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[sessionID] = p
}

// takePending removes and returns the in-memory order material
func (s *Service) takePending(sessionID uuid.UUID) *pending {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pending[sessionID]
	delete(s.pending, sessionID)
	return p
}
