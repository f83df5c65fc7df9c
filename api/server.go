// Package api exposes the gateway over HTTP and websockets.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/evdnx/golog"
	"github.com/evdnx/marketgate"
	"github.com/evdnx/marketgate/internal/logutil"
	"github.com/evdnx/marketgate/models"
	"github.com/evdnx/marketgate/security"
	"github.com/evdnx/marketgate/stream"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const apiComponent = "api"

// maxBodyBytes bounds order request bodies.
const maxBodyBytes = 64 << 10

// Gateway is the part of *marketgate.Gateway the API serves.
type Gateway interface {
	GetQuote(ctx context.Context, symbol string, tol *models.Tolerance) (models.QuoteResult, error)
	GetQuotes(ctx context.Context, symbols []string, tol *models.Tolerance) (map[string]models.QuoteResult, error)
	SubmitOrder(ctx context.Context, req models.OrderRequest) (models.OrderResult, error)
	GetOrderStatus(ctx context.Context, clientOrderID string) (models.Order, error)
	UnresolvedOrders() []models.Order
	Subscribe(ctx context.Context, symbols []string) (*stream.Subscription, error)
	Providers() []marketgate.ProviderStatus
	Health() map[string]interface{}
}

// Server serves the gateway API.
type Server struct {
	gw     Gateway
	tokens *security.TokenManager
	logger *golog.Logger

	// WriteTimeout bounds each websocket frame write.
	WriteTimeout time.Duration
}

// NewServer creates a server. A nil token manager leaves every route open.
func NewServer(gw Gateway, tokens *security.TokenManager) *Server {
	return &Server{
		gw:           gw,
		tokens:       tokens,
		logger:       logutil.Default(),
		WriteTimeout: 5 * time.Second,
	}
}

// Handler returns a router with every route mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	s.Mount(r)
	return r
}

// Mount registers the routes on r.
func (s *Server) Mount(r chi.Router) {
	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		if s.tokens != nil {
			r.Use(security.NewTokenMiddleware(s.tokens).Middleware)
		}

		r.Group(func(r chi.Router) {
			r.Use(security.RequireScope(security.ScopeRead))
			r.Get("/quotes", s.handleQuotes)
			r.Get("/quotes/{symbol}", s.handleQuote)
			r.Get("/orders/unresolved", s.handleUnresolved)
			r.Get("/orders/{clientOrderID}", s.handleOrderStatus)
			r.Get("/providers", s.handleProviders)
			r.Get("/stream", s.handleStream)
		})

		r.With(security.RequireScope(security.ScopeTrade)).Post("/orders", s.handleSubmitOrder)
	})
}

type errorBody struct {
	Error *marketgate.Error `json:"error"`
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	ge := marketgate.Sanitize(err)
	writeJSON(w, statusFor(ge.Kind), errorBody{Error: ge})
}

func statusFor(kind marketgate.ErrorKind) int {
	switch kind {
	case marketgate.KindInvalidRequest:
		return http.StatusBadRequest
	case marketgate.KindInvalidSymbol, marketgate.KindNotFound:
		return http.StatusNotFound
	case marketgate.KindConflict:
		return http.StatusConflict
	case marketgate.KindRateLimited:
		return http.StatusTooManyRequests
	case marketgate.KindAuthFailure:
		return http.StatusBadGateway
	case marketgate.KindTimeout:
		return http.StatusGatewayTimeout
	case marketgate.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func badRequest(message string) error {
	return &marketgate.Error{Kind: marketgate.KindInvalidRequest, Message: message}
}

// parseTolerance reads allowSynthetic and maxStaleness. It returns nil when
// neither is present so the gateway default applies.
func parseTolerance(r *http.Request) (*models.Tolerance, error) {
	q := r.URL.Query()
	allow, stale := q.Get("allowSynthetic"), q.Get("maxStaleness")
	if allow == "" && stale == "" {
		return nil, nil
	}

	var tol models.Tolerance
	if allow != "" {
		v, err := strconv.ParseBool(allow)
		if err != nil {
			return nil, badRequest("allowSynthetic must be a boolean")
		}
		tol.AllowSynthetic = v
	}
	if stale != "" {
		d, err := time.ParseDuration(stale)
		if err != nil || d < 0 {
			return nil, badRequest("maxStaleness must be a non-negative duration")
		}
		tol.MaxStaleness = d
	}
	return &tol, nil
}

func splitSymbols(raw []string) []string {
	var out []string
	for _, v := range raw {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gw.Health())
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	tol, err := parseTolerance(r)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.gw.GetQuote(r.Context(), chi.URLParam(r, "symbol"), tol)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type quotesResponse struct {
	Quotes map[string]models.QuoteResult `json:"quotes"`
	Errors map[string]*marketgate.Error  `json:"errors,omitempty"`
}

func (s *Server) handleQuotes(w http.ResponseWriter, r *http.Request) {
	tol, err := parseTolerance(r)
	if err != nil {
		writeError(w, err)
		return
	}

	results, err := s.gw.GetQuotes(r.Context(), splitSymbols(r.URL.Query()["symbols"]), tol)
	var batch *marketgate.BatchError
	switch {
	case errors.As(err, &batch):
		if len(results) == 0 {
			writeError(w, firstError(batch))
			return
		}
		writeJSON(w, http.StatusOK, quotesResponse{Quotes: results, Errors: batch.Errors})
	case err != nil:
		writeError(w, err)
	default:
		writeJSON(w, http.StatusOK, quotesResponse{Quotes: results})
	}
}

// firstError picks the error of the alphabetically first failed symbol.
func firstError(batch *marketgate.BatchError) error {
	symbols := make([]string, 0, len(batch.Errors))
	for s := range batch.Errors {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return batch.Errors[symbols[0]]
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req models.OrderRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeError(w, badRequest(err.Error()))
		return
	}

	res, err := s.gw.SubmitOrder(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusOK
	if !res.Duplicate {
		status = http.StatusCreated
		s.logOrder(r, res)
	}
	if res.State == models.OrderStateUnknown {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %v", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("request body must contain a single JSON object")
	}
	return nil
}

func (s *Server) handleOrderStatus(w http.ResponseWriter, r *http.Request) {
	order, err := s.gw.GetOrderStatus(r.Context(), chi.URLParam(r, "clientOrderID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleUnresolved(w http.ResponseWriter, r *http.Request) {
	orders := s.gw.UnresolvedOrders()
	if orders == nil {
		orders = []models.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gw.Providers())
}

func (s *Server) subject(r *http.Request) string {
	if claims, ok := security.ClaimsFromContext(r.Context()); ok {
		return claims.Subject
	}
	return "anonymous"
}

func (s *Server) logOrder(r *http.Request, res models.OrderResult) {
	s.logger.Info(
		fmt.Sprintf("Order %s submitted by %s: %s", res.ClientOrderID, s.subject(r), res.State),
		golog.String("component", apiComponent),
		golog.String("client_order_id", res.ClientOrderID),
	)
}
