package order

import (
	"sort"
	"strings"
)

// PaymentMethod names a settlement rail accepted by an order (CRYPTO, USDT, SEPA, UPI...).
type PaymentMethod string

const (
	PaymentCrypto PaymentMethod = "CRYPTO"
	PaymentUSDT   PaymentMethod = "USDT"
	PaymentBTC    PaymentMethod = "BTC"
	PaymentETH    PaymentMethod = "ETH"
)

// settlementPreference is the fixed order used to pick one method out of a common set.
var settlementPreference = []PaymentMethod{PaymentCrypto, PaymentUSDT, PaymentBTC, PaymentETH}

// NormalizePaymentMethods upper-cases, trims, de-duplicates and sorts methods.
// Blank entries are dropped.
func NormalizePaymentMethods(methods []PaymentMethod) []PaymentMethod {
	seen := make(map[PaymentMethod]struct{}, len(methods))
	out := make([]PaymentMethod, 0, len(methods))
	for _, m := range methods {
		m = PaymentMethod(strings.ToUpper(strings.TrimSpace(string(m))))
		if m == "" {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IntersectPaymentMethods returns the sorted methods present in both sets.
func IntersectPaymentMethods(a, b []PaymentMethod) []PaymentMethod {
	in := make(map[PaymentMethod]struct{}, len(a))
	for _, m := range a {
		in[m] = struct{}{}
	}
	var out []PaymentMethod
	for _, m := range b {
		if _, ok := in[m]; ok {
			out = append(out, m)
			delete(in, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// UnionPaymentMethods merges method sets into a sorted set.
func UnionPaymentMethods(sets ...[]PaymentMethod) []PaymentMethod {
	var all []PaymentMethod
	for _, s := range sets {
		all = append(all, s...)
	}
	return NormalizePaymentMethods(all)
}

// PreferredPaymentMethod picks the settlement method from a common set:
// CRYPTO, then USDT, BTC, ETH, then the alphabetically first remaining one.
func PreferredPaymentMethod(common []PaymentMethod) (PaymentMethod, bool) {
	if len(common) == 0 {
		return "", false
	}
	for _, p := range settlementPreference {
		for _, m := range common {
			if m == p {
				return p, true
			}
		}
	}
	sorted := append([]PaymentMethod(nil), common...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[0], true
}
