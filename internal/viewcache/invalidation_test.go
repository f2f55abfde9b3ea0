package viewcache

import (
	"sort"
	"testing"
)

func TestKeysPerOperation(t *testing.T) {
	router := NewRouter(New())
	target := Target{
		UserID:        "u1",
		OrderID:       "ord_1",
		EnrollmentIDs: []string{"enr_1", "enr_2"},
	}

	cases := []struct {
		op   Operation
		want []string
	}{
		{
			op: OpCreateOrder,
			want: []string{
				OrderListKey("u1"),
				OrderDetailKey("ord_1"),
				EnrollmentDetailKey("enr_1"),
				EnrollmentDetailKey("enr_2"),
			},
		},
		{
			op:   OpInitiateCheckout,
			want: []string{OrderDetailKey("ord_1"), OrderListKey("u1")},
		},
		{
			op: OpConfirmPaymentSucceeded,
			want: []string{
				OrderDetailKey("ord_1"),
				OrderListKey("u1"),
				EnrollmentListKey("u1"),
				PaymentListKey("u1"),
			},
		},
		{
			op:   OpConfirmPaymentFailed,
			want: []string{OrderDetailKey("ord_1"), PaymentListKey("u1")},
		},
		{
			op:   OpCancelOrder,
			want: []string{OrderDetailKey("ord_1"), OrderListKey("u1")},
		},
		{
			op:   OpRefund,
			want: []string{OrderDetailKey("ord_1"), OrderListKey("u1"), PaymentListKey("u1")},
		},
	}

	for _, tc := range cases {
		got := router.Keys(tc.op, target)
		sort.Strings(got)
		want := append([]string(nil), tc.want...)
		sort.Strings(want)
		if len(got) != len(want) {
			t.Fatalf("%s: got %v want %v", tc.op, got, want)
		}
		for i := range got {
			if got[i] != want[i] {
				t.Fatalf("%s: got %v want %v", tc.op, got, want)
			}
		}
	}
}

func TestOnSuccessMarksAllKeysStale(t *testing.T) {
	cache := New()
	router := NewRouter(cache)

	target := Target{UserID: "u1", OrderID: "ord_1"}
	keys := []string{
		OrderDetailKey("ord_1"),
		OrderListKey("u1"),
		EnrollmentListKey("u1"),
		PaymentListKey("u1"),
	}
	for _, key := range keys {
		cache.Put(key, []byte("fresh"))
	}
	// An unrelated user's view stays fresh.
	cache.Put(OrderListKey("u2"), []byte("fresh"))

	router.OnSuccess(OpConfirmPaymentSucceeded, target)

	for _, key := range keys {
		if _, ok := cache.Get(key); ok {
			t.Fatalf("key %s should be stale", key)
		}
	}
	if _, ok := cache.Get(OrderListKey("u2")); !ok {
		t.Fatal("unrelated key was invalidated")
	}
}
