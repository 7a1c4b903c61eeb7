package retry

import "context"

// DoWithResultTyped 是 DoWithResult 的泛型版本，invoker 用它包裹单次 provider 调用。
// fn 返回零值且无错误时结果同样为零值。
func DoWithResultTyped[T any](r Retryer, ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	out, err := r.DoWithResult(ctx, func() (any, error) { return fn() })
	if err != nil {
		return zero, err
	}
	if v, ok := out.(T); ok {
		return v, nil
	}
	return zero, nil
}
