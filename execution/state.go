package execution

import (
	"errors"
	"fmt"

	"github.com/evdnx/marketgate/models"
	"github.com/evdnx/marketgate/provider"
)

// ErrInvalidTransition is returned when an order state would move backwards
// or leave a terminal state.
var ErrInvalidTransition = errors.New("invalid order state transition")

var transitions = map[models.OrderState][]models.OrderState{
	models.OrderStatePending: {
		models.OrderStateSubmitted,
		models.OrderStateFilled,
		models.OrderStateRejected,
		models.OrderStateFailed,
		models.OrderStateUnknown,
	},
	models.OrderStateSubmitted: {
		models.OrderStateFilled,
		models.OrderStateRejected,
		models.OrderStateFailed,
	},
}

func canTransition(from, to models.OrderState) error {
	if from.Terminal() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, from)
	}
	for _, s := range transitions[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// outcome maps a provider response to the order state it implies.
func outcome(res models.ProviderResult, err error) (models.OrderState, string) {
	if err == nil {
		switch res.Status {
		case models.ProviderOrderFilled:
			return models.OrderStateFilled, res.Reason
		case models.ProviderOrderRejected:
			return models.OrderStateRejected, res.Reason
		default:
			return models.OrderStateSubmitted, res.Reason
		}
	}

	switch {
	case provider.IsLocalBudget(err):
		return models.OrderStateFailed, "rate budget exhausted, order not sent"
	case provider.KindOf(err) == provider.KindAuthFailure:
		return models.OrderStateFailed, "provider authentication failed, order not sent"
	case provider.KindOf(err) == provider.KindRateLimited:
		return models.OrderStateFailed, "provider rate limit, order not accepted"
	case provider.KindOf(err) == provider.KindRejected, provider.KindOf(err) == provider.KindInvalidSymbol:
		return models.OrderStateRejected, rejectionReason(err)
	case provider.KindOf(err) == provider.KindInvalidResponse, provider.IsAmbiguous(err):
		return models.OrderStateUnknown, "outcome unknown, requires reconciliation"
	default:
		return models.OrderStateFailed, "provider unreachable, order not sent"
	}
}

func rejectionReason(err error) string {
	var pe *provider.Error
	if errors.As(err, &pe) && pe.Code != "" {
		return "rejected by provider: " + pe.Code
	}
	return "rejected by provider"
}
