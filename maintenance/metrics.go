package maintenance

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Billing metrics ────────────────────────────────────────────────────────
// Exposed on /metrics by the api package.

var BillsGenerated = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "maintenance",
	Name:      "bills_generated_total",
	Help:      "Bills materialised, by scope of the rule that priced them.",
}, []string{"scope"})

var BillGenerationRejected = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "maintenance",
	Name:      "bill_generation_rejected_total",
	Help:      "Bill generation attempts refused, by reason.",
}, []string{"reason"})

var BillRefreshWrites = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "maintenance",
	Name:      "bill_refresh_writes_total",
	Help:      "Lazy refreshes that changed a bill, by outcome of persisting it.",
}, []string{"outcome"})

var PaymentsSettled = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "maintenance",
	Name:      "payments_settled_total",
	Help:      "Payments that settled a bill.",
})

var PaymentsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "maintenance",
	Name:      "payments_rejected_total",
	Help:      "Payment attempts refused, by reason.",
}, []string{"reason"})

var RuleConflicts = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "maintenance",
	Name:      "rule_conflicts_total",
	Help:      "Rule writes refused because the scope already had an active rule.",
})

// rejectionReason buckets an engine error into a low-cardinality label.
func rejectionReason(err error) string {
	switch {
	case err == nil:
		return "none"
	case IsNotFound(err):
		return "not_found"
	case errors.Is(err, ErrBillAlreadyPaid), errors.Is(err, ErrDuplicatePayment), errors.Is(err, ErrDuplicateBill):
		return "duplicate"
	case errors.Is(err, ErrConcurrentModification):
		return "concurrent"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrInsufficientAmount):
		return "insufficient_amount"
	case errors.Is(err, ErrRuleMismatch):
		return "rule_mismatch"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	default:
		return "internal"
	}
}
