package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/spf13/cast"
)

// Builtin kinds
const (
	KindStatsDescribe = "stats.describe"
	KindDebugSleep    = "debug.sleep"
	KindDebugFail     = "debug.fail"
)

// ErrInvalidParams executor 參數格式錯誤
var ErrInvalidParams = errors.New("invalid params")

// RegisterBuiltins 註冊內建的 executor
func RegisterBuiltins(r *Registry) {
	r.MustRegister(KindStatsDescribe, StatsDescribe)
	r.MustRegister(KindDebugSleep, DebugSleep)
	r.MustRegister(KindDebugFail, DebugFail)
}

// Description stats.describe 的結果
type Description struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	Std    float64 `json:"std"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Median float64 `json:"median"`
}

// StatsDescribe 計算 params["data"] 的基本統計量
func StatsDescribe(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	data, err := floats(params, "data")
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: data must not be empty", ErrInvalidParams)
	}

	sorted := append([]float64(nil), data...)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	mean := sum / float64(len(sorted))

	var sq float64
	for _, v := range sorted {
		sq += (v - mean) * (v - mean)
	}

	n := len(sorted)
	median := sorted[n/2]
	if n%2 == 0 {
		median = (sorted[n/2-1] + sorted[n/2]) / 2
	}

	return Description{
		Count:  n,
		Mean:   mean,
		Std:    math.Sqrt(sq / float64(n)),
		Min:    sorted[0],
		Max:    sorted[n-1],
		Median: median,
	}, nil
}

// DebugSleep 睡眠 params["ms"] 毫秒，尊重 ctx 取消
func DebugSleep(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	ms, err := number(params, "ms")
	if err != nil {
		return nil, err
	}
	if ms < 0 {
		return nil, fmt.Errorf("%w: ms must be >= 0", ErrInvalidParams)
	}

	timer := time.NewTimer(time.Duration(ms * float64(time.Millisecond)))
	defer timer.Stop()

	select {
	case <-timer.C:
		return map[string]interface{}{"slept_ms": ms}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// DebugFail 永遠失敗，訊息取自 params["message"]
func DebugFail(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	msg, _ := params["message"].(string)
	if msg == "" {
		msg = "debug failure"
	}
	return nil, errors.New(msg)
}

// number 讀取數值參數，JSON 解出來的是 float64，程式內呼叫可能是 int
func number(params map[string]interface{}, name string) (float64, error) {
	raw, ok := params[name]
	if !ok {
		return 0, fmt.Errorf("%w: missing %q", ErrInvalidParams, name)
	}
	return toFloat(name, raw)
}

// toFloat 接受任何數值型別、json.Number 與數字字串；bool 和 nil 不算數字
func toFloat(name string, raw interface{}) (float64, error) {
	switch raw.(type) {
	case nil, bool:
		return 0, fmt.Errorf("%w: %q is %T, want number", ErrInvalidParams, name, raw)
	}
	f, err := cast.ToFloat64E(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is %T, want number", ErrInvalidParams, name, raw)
	}
	return f, nil
}

func floats(params map[string]interface{}, name string) ([]float64, error) {
	raw, ok := params[name]
	if !ok {
		return nil, fmt.Errorf("%w: missing %q", ErrInvalidParams, name)
	}

	switch v := raw.(type) {
	case []float64:
		return v, nil
	case []int:
		out := make([]float64, len(v))
		for i, x := range v {
			out[i] = float64(x)
		}
		return out, nil
	case []interface{}:
		out := make([]float64, len(v))
		for i, x := range v {
			f, err := toFloat(name, x)
			if err != nil {
				return nil, fmt.Errorf("%s[%d]: %w", name, i, err)
			}
			out[i] = f
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %q is %T, want array of numbers", ErrInvalidParams, name, raw)
	}
}
