// Package idempotency records order fingerprints so that equivalent
// submissions execute at most once within the retention window.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/evdnx/marketgate/models"
)

// DefaultRetention is how long a record suppresses duplicates.
const DefaultRetention = 24 * time.Hour

var (
	// ErrConflict is returned when a clientOrderId is reused with different parameters.
	ErrConflict = errors.New("client order id reused with different parameters")
	// ErrTerminal is returned when advancing a record that is already terminal.
	ErrTerminal = errors.New("record is terminal")
	// ErrInvalidTransition is returned when a status would move backwards.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrNotFound is returned for unknown or expired keys.
	ErrNotFound = errors.New("record not found")
)

// Status is the lifecycle stage of a record. Values only increase.
type Status int

const (
	StatusPending Status = iota + 1
	StatusSubmitted
	StatusTerminal
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSubmitted:
		return "submitted"
	case StatusTerminal:
		return "terminal"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Record is one fingerprinted submission.
type Record struct {
	Key           string              `json:"key"`
	RequestHash   string              `json:"requestHash"`
	ClientOrderID string              `json:"clientOrderId"`
	Status        Status              `json:"status"`
	Result        *models.OrderResult `json:"result,omitempty"`
	CreatedAt     time.Time           `json:"createdAt"`
	UpdatedAt     time.Time           `json:"updatedAt"`
	ExpiresAt     time.Time           `json:"expiresAt"`
}

// Resolved reports whether the record carries an outcome duplicates can return.
func (r Record) Resolved() bool {
	return r.Status >= StatusSubmitted && r.Result != nil
}

// Ledger is the atomic store of records.
type Ledger interface {
	// CheckOrCreate creates rec as Pending unless its key already exists.
	// Exactly one concurrent caller per key observes created=true.
	CheckOrCreate(ctx context.Context, rec Record) (created bool, existing Record, err error)
	// Advance moves a record forward. The result of a terminal record never changes.
	Advance(ctx context.Context, key string, status Status, result *models.OrderResult) (Record, error)
	Get(ctx context.Context, key string) (Record, error)
	GetByClientOrderID(ctx context.Context, clientOrderID string) (Record, error)
	// Wait blocks until the record is resolved or ctx ends.
	Wait(ctx context.Context, key string) (Record, error)
}

// RequestHash hashes the normalized order parameters.
func RequestHash(req models.OrderRequest) string {
	limit := ""
	if req.Type == models.OrderTypeLimit {
		limit = req.LimitPrice.String()
	}
	sum := sha256.Sum256([]byte(strings.Join([]string{
		strings.ToUpper(strings.TrimSpace(req.Symbol)),
		strings.ToLower(string(req.Side)),
		strings.ToLower(string(req.Type)),
		req.Qty.String(),
		limit,
	}, "|")))
	return hex.EncodeToString(sum[:])
}

// Fingerprint derives the record key from the client order id and parameters.
func Fingerprint(req models.OrderRequest) string {
	sum := sha256.Sum256([]byte(req.ClientOrderID + "\x00" + RequestHash(req)))
	return hex.EncodeToString(sum[:])
}

// NewRecord builds the Pending record for req.
func NewRecord(req models.OrderRequest, now time.Time, retention time.Duration) Record {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return Record{
		Key:           Fingerprint(req),
		RequestHash:   RequestHash(req),
		ClientOrderID: req.ClientOrderID,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(retention),
	}
}

func checkAdvance(current, next Status) error {
	if current == StatusTerminal {
		return ErrTerminal
	}
	if next < current || next < StatusPending || next > StatusTerminal {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
	}
	return nil
}
