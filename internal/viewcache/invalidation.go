package viewcache

import "fmt"

// Operation identifies one orchestrator operation for invalidation purposes.
// Confirmation is split by outcome because the two paths touch different
// views.
type Operation string

const (
	OpCreateOrder             Operation = "order.create"
	OpInitiateCheckout        Operation = "order.checkout.initiate"
	OpConfirmPaymentSucceeded Operation = "order.payment.confirm.succeeded"
	OpConfirmPaymentFailed    Operation = "order.payment.confirm.failed"
	OpCancelOrder             Operation = "order.cancel"
	OpRefund                  Operation = "order.refund"
)

// keyKind names one family of cache keys.
type keyKind string

const (
	kindOrderList        keyKind = "order-list"
	kindOrderDetail      keyKind = "order-detail"
	kindEnrollmentList   keyKind = "enrollment-list"
	kindEnrollmentDetail keyKind = "enrollment-detail"
	kindPaymentList      keyKind = "payment-list"
)

// OrderListKey returns the cache key for a user's order list view.
func OrderListKey(userID string) string { return key(kindOrderList, userID) }

// OrderDetailKey returns the cache key for one order's detail view.
func OrderDetailKey(orderID string) string { return key(kindOrderDetail, orderID) }

// EnrollmentListKey returns the cache key for a user's enrollment list view.
func EnrollmentListKey(userID string) string { return key(kindEnrollmentList, userID) }

// EnrollmentDetailKey returns the cache key for one enrollment's detail view.
func EnrollmentDetailKey(enrollmentID string) string { return key(kindEnrollmentDetail, enrollmentID) }

// PaymentListKey returns the cache key for a user's payment list view.
func PaymentListKey(userID string) string { return key(kindPaymentList, userID) }

func key(kind keyKind, id string) string {
	return fmt.Sprintf("%s:%s", kind, id)
}

// invalidationTable is the static operation to key-kind dependency table.
// Every operation declares its full invalidation set here; the router never
// derives keys ad hoc at call sites.
var invalidationTable = map[Operation][]keyKind{
	OpCreateOrder:             {kindOrderList, kindOrderDetail, kindEnrollmentDetail},
	OpInitiateCheckout:        {kindOrderDetail, kindOrderList},
	OpConfirmPaymentSucceeded: {kindOrderDetail, kindOrderList, kindEnrollmentList, kindPaymentList},
	OpConfirmPaymentFailed:    {kindOrderDetail, kindPaymentList},
	OpCancelOrder:             {kindOrderDetail, kindOrderList},
	OpRefund:                  {kindOrderDetail, kindOrderList, kindPaymentList},
}

// Target carries the identifiers the key builders need for one invalidation.
type Target struct {
	UserID        string
	OrderID       string
	EnrollmentIDs []string
}

// Router applies the static invalidation table to a cache.
type Router struct {
	cache *Cache
}

// NewRouter binds a Router to the cache it invalidates.
func NewRouter(cache *Cache) *Router {
	return &Router{cache: cache}
}

// Keys resolves the concrete key set an operation invalidates for a target.
func (r *Router) Keys(op Operation, target Target) []string {
	kinds, ok := invalidationTable[op]
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(kinds)+len(target.EnrollmentIDs))
	for _, kind := range kinds {
		switch kind {
		case kindOrderList:
			keys = append(keys, OrderListKey(target.UserID))
		case kindOrderDetail:
			keys = append(keys, OrderDetailKey(target.OrderID))
		case kindEnrollmentList:
			keys = append(keys, EnrollmentListKey(target.UserID))
		case kindEnrollmentDetail:
			for _, id := range target.EnrollmentIDs {
				keys = append(keys, EnrollmentDetailKey(id))
			}
		case kindPaymentList:
			keys = append(keys, PaymentListKey(target.UserID))
		}
	}
	return keys
}

// OnSuccess marks every key the operation depends on stale. Callers invoke it
// only after the underlying mutation is durably committed and always before
// returning the operation result, which gives read-your-writes to the caller.
func (r *Router) OnSuccess(op Operation, target Target) {
	if r == nil || r.cache == nil {
		return
	}
	keys := r.Keys(op, target)
	if len(keys) > 0 {
		r.cache.Invalidate(keys...)
	}
}
