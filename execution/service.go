// Package execution submits orders at most once. Every submission passes
// the idempotency ledger first; once created, an order runs to a terminal
// state regardless of the caller. Ambiguous provider failures become
// Unknown and are never retried.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/evdnx/golog"
	"github.com/evdnx/marketgate/audit"
	"github.com/evdnx/marketgate/idempotency"
	"github.com/evdnx/marketgate/internal/logutil"
	"github.com/evdnx/marketgate/models"
	"github.com/evdnx/marketgate/provider"
	"github.com/go-playground/validator/v10"
)

var (
	// ErrInvalidRequest wraps validation failures.
	ErrInvalidRequest = errors.New("invalid order request")
	// ErrNotFound is returned for unknown client order ids.
	ErrNotFound = errors.New("order not found")
)

const executionComponent = "order_execution"

// Config contains configuration for the service.
type Config struct {
	// SubmitTimeout bounds the single provider call of a submission.
	SubmitTimeout time.Duration
	// StatusTimeout bounds provider status lookups.
	StatusTimeout time.Duration
	// Retention is how long orders and their ledger records are kept.
	Retention time.Duration
	// CleanupInterval is how often expired orders are dropped from memory.
	CleanupInterval time.Duration
}

// DefaultConfig returns the default service configuration.
func DefaultConfig() Config {
	return Config{
		SubmitTimeout:   10 * time.Second,
		StatusTimeout:   5 * time.Second,
		Retention:       idempotency.DefaultRetention,
		CleanupInterval: 10 * time.Minute,
	}
}

// Service executes orders through a single brokerage.
type Service struct {
	ledger   idempotency.Ledger
	broker   provider.OrderProvider
	sink     audit.Sink
	validate *validator.Validate
	config   Config

	mu     sync.RWMutex
	orders map[string]*models.Order

	now    func() time.Time
	logger *golog.Logger

	inflight sync.WaitGroup
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewService creates a service. A nil sink discards audit records.
func NewService(config Config, ledger idempotency.Ledger, broker provider.OrderProvider, sink audit.Sink) *Service {
	def := DefaultConfig()
	if config.SubmitTimeout <= 0 {
		config.SubmitTimeout = def.SubmitTimeout
	}
	if config.StatusTimeout <= 0 {
		config.StatusTimeout = def.StatusTimeout
	}
	if config.Retention <= 0 {
		config.Retention = def.Retention
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = def.CleanupInterval
	}
	if sink == nil {
		sink = audit.NoopSink{}
	}
	return &Service{
		ledger:   ledger,
		broker:   broker,
		sink:     sink,
		validate: validator.New(),
		config:   config,
		orders:   make(map[string]*models.Order),
		now:      time.Now,
		logger:   logutil.Default(),
	}
}

// Validate checks req without submitting it.
func (s *Service) Validate(req models.OrderRequest) error {
	if err := s.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if !req.Qty.IsPositive() {
		return fmt.Errorf("%w: qty must be positive", ErrInvalidRequest)
	}
	if req.Type == models.OrderTypeLimit && !req.LimitPrice.IsPositive() {
		return fmt.Errorf("%w: limit orders need a positive limit price", ErrInvalidRequest)
	}
	return nil
}

// Submit executes req at most once per fingerprint. Duplicates wait for and
// return the original outcome with Duplicate set. If ctx ends first the
// order keeps running and its result is available through Status.
func (s *Service) Submit(ctx context.Context, req models.OrderRequest) (models.OrderResult, error) {
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	if err := s.Validate(req); err != nil {
		return models.OrderResult{}, err
	}

	rec := idempotency.NewRecord(req, s.now(), s.config.Retention)
	created, existing, err := s.ledger.CheckOrCreate(ctx, rec)
	if err != nil {
		return models.OrderResult{}, fmt.Errorf("check-or-create %s: %w", req.ClientOrderID, err)
	}

	if !created {
		s.logger.Info(
			fmt.Sprintf("Duplicate submission of %s (ledger status %s)", req.ClientOrderID, existing.Status),
			golog.String("component", executionComponent),
			golog.String("client_order_id", req.ClientOrderID),
		)
		if !existing.Resolved() {
			existing, err = s.ledger.Wait(ctx, rec.Key)
			if err != nil {
				return models.OrderResult{}, fmt.Errorf("wait for %s: %w", req.ClientOrderID, err)
			}
		}
		res := *existing.Result
		res.Duplicate = true
		return res, nil
	}

	s.track(req)
	done := make(chan models.OrderResult, 1)
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		done <- s.execute(context.WithoutCancel(ctx), req, rec.Key)
	}()

	select {
	case res := <-done:
		return res, nil
	case <-ctx.Done():
		return models.OrderResult{}, fmt.Errorf("order %s still executing: %w", req.ClientOrderID, ctx.Err())
	}
}

// execute performs the single provider call and records the outcome.
func (s *Service) execute(ctx context.Context, req models.OrderRequest, key string) models.OrderResult {
	callCtx, cancel := context.WithTimeout(ctx, s.config.SubmitTimeout)
	res, err := s.broker.SubmitOrder(callCtx, req)
	cancel()

	state, reason := outcome(res, err)
	switch state {
	case models.OrderStateUnknown:
		s.logger.Error(
			fmt.Sprintf("Order %s outcome unknown after provider error, needs reconciliation: %v", req.ClientOrderID, err),
			golog.String("component", executionComponent),
			golog.String("client_order_id", req.ClientOrderID),
		)
	case models.OrderStateFailed, models.OrderStateRejected:
		s.logger.Warn(
			fmt.Sprintf("Order %s %s: %s", req.ClientOrderID, state, reason),
			golog.String("component", executionComponent),
			golog.String("client_order_id", req.ClientOrderID),
		)
	default:
		s.logger.Info(
			fmt.Sprintf("Order %s %s by %s", req.ClientOrderID, state, s.broker.Name()),
			golog.String("component", executionComponent),
			golog.String("client_order_id", req.ClientOrderID),
		)
	}

	order, terr := s.transition(req.ClientOrderID, state, res, reason)
	if terr != nil {
		s.logger.Error(
			fmt.Sprintf("Order %s transition to %s refused: %v", req.ClientOrderID, state, terr),
			golog.String("component", executionComponent),
		)
	}
	result := resultOf(order)
	s.record(ctx, key, order, result)
	return result
}

// record advances the ledger and, for terminal orders, writes the audit log.
func (s *Service) record(ctx context.Context, key string, order models.Order, result models.OrderResult) {
	status := idempotency.StatusSubmitted
	if order.State.Terminal() {
		status = idempotency.StatusTerminal
	}
	if _, err := s.ledger.Advance(ctx, key, status, &result); err != nil {
		s.logger.Error(
			fmt.Sprintf("Failed to record %s for order %s: %v", order.State, order.ClientOrderID, err),
			golog.String("component", executionComponent),
			golog.String("client_order_id", order.ClientOrderID),
		)
	}
	if order.State.Terminal() {
		if err := s.sink.Record(ctx, order); err != nil {
			s.logger.Error(
				fmt.Sprintf("Failed to audit order %s: %v", order.ClientOrderID, err),
				golog.String("component", executionComponent),
				golog.String("client_order_id", order.ClientOrderID),
			)
		}
	}
}

func (s *Service) track(req models.OrderRequest) {
	now := s.now()
	s.mu.Lock()
	s.orders[req.ClientOrderID] = &models.Order{
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Qty:           req.Qty,
		Side:          req.Side,
		Type:          req.Type,
		LimitPrice:    req.LimitPrice,
		State:         models.OrderStatePending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.mu.Unlock()
}

// transition applies a state change and returns the resulting order.
func (s *Service) transition(clientOrderID string, to models.OrderState, res models.ProviderResult, reason string) (models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[clientOrderID]
	if !ok {
		return models.Order{}, ErrNotFound
	}
	if err := canTransition(o.State, to); err != nil {
		return *o, err
	}
	o.State = to
	o.Reason = reason
	if res.ProviderOrderID != "" {
		o.ProviderOrderID = res.ProviderOrderID
	}
	if res.FilledPrice.Valid {
		o.FilledPrice = res.FilledPrice
	}
	o.UpdatedAt = s.now()
	return *o, nil
}

// Status returns the order, refreshing submitted orders from the provider.
// Orders submitted by another instance are rebuilt from the ledger.
func (s *Service) Status(ctx context.Context, clientOrderID string) (models.Order, error) {
	s.mu.RLock()
	o, ok := s.orders[clientOrderID]
	var order models.Order
	if ok {
		order = *o
	}
	s.mu.RUnlock()

	var key string
	if !ok {
		rec, err := s.ledger.GetByClientOrderID(ctx, clientOrderID)
		if errors.Is(err, idempotency.ErrNotFound) {
			return models.Order{}, fmt.Errorf("%w: %s", ErrNotFound, clientOrderID)
		}
		if err != nil {
			return models.Order{}, err
		}
		key = rec.Key
		order = orderFromRecord(rec)
		if order.State == models.OrderStateSubmitted {
			s.adopt(order)
		}
	}

	if order.State != models.OrderStateSubmitted {
		return order, nil
	}
	return s.refresh(ctx, order, key)
}

// adopt tracks an order first seen through the ledger so it can be refreshed.
func (s *Service) adopt(order models.Order) {
	s.mu.Lock()
	if _, ok := s.orders[order.ClientOrderID]; !ok {
		o := order
		s.orders[order.ClientOrderID] = &o
	}
	s.mu.Unlock()
}

func (s *Service) refresh(ctx context.Context, order models.Order, key string) (models.Order, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.config.StatusTimeout)
	res, err := s.broker.OrderStatus(callCtx, order.ClientOrderID)
	cancel()
	if err != nil {
		// The last known state is still accurate.
		s.logger.Warn(
			fmt.Sprintf("Status refresh for %s failed: %v", order.ClientOrderID, err),
			golog.String("component", executionComponent),
			golog.String("client_order_id", order.ClientOrderID),
		)
		return order, nil
	}

	state, reason := outcome(res, nil)
	if state == models.OrderStateSubmitted {
		return order, nil
	}
	updated, err := s.transition(order.ClientOrderID, state, res, reason)
	if err != nil {
		// Another caller resolved it first.
		return updated, nil
	}

	if key == "" {
		rec, gerr := s.ledger.GetByClientOrderID(ctx, order.ClientOrderID)
		if gerr != nil {
			s.logger.Error(
				fmt.Sprintf("Ledger lookup for %s failed: %v", order.ClientOrderID, gerr),
				golog.String("component", executionComponent),
			)
			return updated, nil
		}
		key = rec.Key
	}
	s.logger.Info(
		fmt.Sprintf("Order %s resolved to %s", order.ClientOrderID, state),
		golog.String("component", executionComponent),
		golog.String("client_order_id", order.ClientOrderID),
	)
	s.record(context.WithoutCancel(ctx), key, updated, resultOf(updated))
	return updated, nil
}

// Unresolved lists orders whose outcome is unknown, oldest first.
func (s *Service) Unresolved() []models.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Order
	for _, o := range s.orders {
		if o.State == models.OrderStateUnknown {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Start starts dropping expired orders from memory.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.config.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.prune()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the cleanup loop and waits for in-flight submissions.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.inflight.Wait()
}

func (s *Service) prune() {
	cutoff := s.now().Add(-s.config.Retention)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, o := range s.orders {
		if o.State.Terminal() && o.UpdatedAt.Before(cutoff) {
			delete(s.orders, id)
		}
	}
}

func resultOf(o models.Order) models.OrderResult {
	return models.OrderResult{
		ClientOrderID:   o.ClientOrderID,
		State:           o.State,
		ProviderOrderID: o.ProviderOrderID,
		FilledPrice:     o.FilledPrice,
		Reason:          o.Reason,
	}
}

func orderFromRecord(rec idempotency.Record) models.Order {
	o := models.Order{
		ClientOrderID: rec.ClientOrderID,
		State:         models.OrderStatePending,
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
	}
	if rec.Result != nil {
		o.State = rec.Result.State
		o.ProviderOrderID = rec.Result.ProviderOrderID
		o.FilledPrice = rec.Result.FilledPrice
		o.Reason = rec.Result.Reason
	}
	return o
}
