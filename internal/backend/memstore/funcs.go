package memstore

import (
	"regexp"
	"strings"
	"sync"

	"github.com/mapgrid/wfserver/internal/backend"
	"github.com/mapgrid/wfserver/internal/ows"
)

var (
	rxMu    sync.Mutex
	rxCache = map[string]*regexp.Regexp{}
)

func regexpQuote(s string) string { return regexp.QuoteMeta(s) }

func regexpMatch(pattern, s string) bool {
	rxMu.Lock()
	rx, ok := rxCache[pattern]
	if !ok {
		rx = regexp.MustCompile(pattern)
		rxCache[pattern] = rx
	}
	rxMu.Unlock()
	return rx.MatchString(s)
}

// evalFunc mirrors the SQL functions the PostGIS backend delegates to.
func evalFunc(call backend.FuncCall, row backend.Row) (any, error) {
	args := make([]any, len(call.Args))
	for i, arg := range call.Args {
		v, err := evalExpr(arg, row)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}

	switch call.Name {
	case "abs":
		return mapFloat1(args, func(f float64) float64 {
			if f < 0 {
				return -f
			}
			return f
		})
	case "ceil":
		return mapFloat1(args, ceil)
	case "floor":
		return mapFloat1(args, floor)
	case "round":
		return mapFloat1(args, round)
	case "least":
		return mapFloat2(args, func(a, b float64) float64 {
			if a < b {
				return a
			}
			return b
		})
	case "greatest":
		return mapFloat2(args, func(a, b float64) float64 {
			if a > b {
				return a
			}
			return b
		})
	case "length":
		s, _ := args[0].(string)
		return int64(len(s)), nil
	case "lower":
		s, _ := args[0].(string)
		return strings.ToLower(s), nil
	case "upper":
		s, _ := args[0].(string)
		return strings.ToUpper(s), nil
	case "btrim":
		s, _ := args[0].(string)
		return strings.TrimSpace(s), nil
	case "concat":
		a, _ := args[0].(string)
		b, _ := args[1].(string)
		return a + b, nil
	case "substr":
		s, _ := args[0].(string)
		start, _ := toFloat(args[1])
		count, _ := toFloat(args[2])
		return substr(s, int(start), int(count)), nil
	default:
		return nil, ows.NewProcessingFailed(nil, "unknown function %q", call.Name)
	}
}

func mapFloat1(args []any, fn func(float64) float64) (any, error) {
	f, ok := toFloat(args[0])
	if !ok {
		return nil, nil
	}
	return fn(f), nil
}

func mapFloat2(args []any, fn func(a, b float64) float64) (any, error) {
	a, aok := toFloat(args[0])
	b, bok := toFloat(args[1])
	if !aok || !bok {
		return nil, nil
	}
	return fn(a, b), nil
}

func ceil(f float64) float64 {
	i := float64(int64(f))
	if f > i {
		return i + 1
	}
	return i
}

func floor(f float64) float64 {
	i := float64(int64(f))
	if f < i {
		return i - 1
	}
	return i
}

func round(f float64) float64 {
	if f >= 0 {
		return floor(f + 0.5)
	}
	return ceil(f - 0.5)
}

// substr follows the SQL convention: 1-based start, length-bounded.
func substr(s string, start, count int) string {
	if start < 1 {
		start = 1
	}
	if start > len(s) {
		return ""
	}
	end := start - 1 + count
	if count <= 0 || end > len(s) {
		end = len(s)
	}
	return s[start-1 : end]
}
