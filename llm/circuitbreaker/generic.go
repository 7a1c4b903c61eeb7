package circuitbreaker

import "context"

// CallWithResultTyped 是 CallWithResult 的泛型版本。
// 熔断打开时返回 ErrCircuitOpen，fn 不会被调用。
func CallWithResultTyped[T any](cb CircuitBreaker, ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	out, err := cb.CallWithResult(ctx, func() (any, error) { return fn() })
	if err != nil {
		return zero, err
	}
	if v, ok := out.(T); ok {
		return v, nil
	}
	return zero, nil
}
