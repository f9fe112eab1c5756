// Package logging holds the zap plumbing shared by the engine, the loader and instances. This is in an independent
// package to avoid dependency cycles.
package logging

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/and3k5/wasmer/api"
)

var (
	logger     *zap.Logger
	loggerOnce sync.Once
)

// Logger returns the package default logger. It uses a no-op logger by default.
func Logger() *zap.Logger {
	loggerOnce.Do(func() {
		if logger == nil {
			logger = zap.NewNop()
		}
	})
	return logger
}

// SetLogger sets the package default logger. It has no effect once Logger was called.
func SetLogger(l *zap.Logger) {
	loggerOnce.Do(func() {
		logger = l
		if logger == nil {
			logger = zap.NewNop()
		}
	})
}

type LogScopes uint64

const (
	LogScopeNone              = LogScopes(0)
	LogScopeCompile LogScopes = 1 << iota
	LogScopeLoad
	LogScopeInstance
	LogScopeTrap
	LogScopeHost
	LogScopeAll = LogScopes(0xffffffffffffffff)
)

func scopeName(s LogScopes) string {
	switch s {
	case LogScopeCompile:
		return "compile"
	case LogScopeLoad:
		return "load"
	case LogScopeInstance:
		return "instance"
	case LogScopeTrap:
		return "trap"
	case LogScopeHost:
		return "host"
	default:
		return fmt.Sprintf("<unknown=%d>", s)
	}
}

// IsEnabled returns true if the scope (or group of scopes) is enabled.
func (f LogScopes) IsEnabled(scope LogScopes) bool {
	return f&scope != 0
}

// String implements fmt.Stringer by returning each enabled log scope.
func (f LogScopes) String() string {
	if f == LogScopeAll {
		return "all"
	}
	var builder strings.Builder
	for i := 0; i <= 63; i++ { // cycle through all bits to reduce code and maintenance
		target := LogScopes(1 << i)
		if f.IsEnabled(target) {
			if name := scopeName(target); name != "" {
				if builder.Len() > 0 {
					builder.WriteByte('|')
				}
				builder.WriteString(name)
			}
		}
	}
	return builder.String()
}

// ParseLogScopes parses a '|' or ',' separated list of scope names, as produced by LogScopes.String.
func ParseLogScopes(s string) (LogScopes, error) {
	var ret LogScopes
	for _, name := range strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ',' }) {
		switch strings.TrimSpace(name) {
		case "all":
			return LogScopeAll, nil
		case "compile":
			ret |= LogScopeCompile
		case "load":
			ret |= LogScopeLoad
		case "instance":
			ret |= LogScopeInstance
		case "trap":
			ret |= LogScopeTrap
		case "host":
			ret |= LogScopeHost
		case "", "none":
		default:
			return 0, fmt.Errorf("unknown log scope %q", name)
		}
	}
	return ret, nil
}

// Scoped hands out a named child of a zap.Logger for each enabled scope, and a no-op logger otherwise.
type Scoped struct {
	base   *zap.Logger
	scopes LogScopes
}

// NewScoped returns a Scoped logger. A nil base uses Logger.
func NewScoped(base *zap.Logger, scopes LogScopes) *Scoped {
	if base == nil {
		base = Logger()
	}
	return &Scoped{base: base, scopes: scopes}
}

// For returns the logger for the scope.
func (s *Scoped) For(scope LogScopes) *zap.Logger {
	if s == nil || !s.scopes.IsEnabled(scope) {
		return zap.NewNop()
	}
	return s.base.Named(scopeName(scope))
}

// Enabled is true when the scope is enabled and the base logger would write at the given level.
func (s *Scoped) Enabled(scope LogScopes, lvl zapcore.Level) bool {
	return s != nil && s.scopes.IsEnabled(scope) && s.base.Core().Enabled(lvl)
}

// FormatValue renders a raw stack value the way the text format writes constants: integers signed, floats
// decoded.
func FormatValue(vt api.ValueType, v uint64) string {
	switch vt {
	case api.ValueTypeI32:
		return strconv.FormatInt(int64(int32(v)), 10)
	case api.ValueTypeI64:
		return strconv.FormatInt(int64(v), 10)
	case api.ValueTypeF32:
		return strconv.FormatFloat(float64(api.DecodeF32(v)), 'g', -1, 32)
	case api.ValueTypeF64:
		return strconv.FormatFloat(api.DecodeF64(v), 'g', -1, 64)
	}
	return "0x" + strconv.FormatUint(v, 16)
}

// Values is a zap field rendering vals by their types, for example "(1,-2.5)".
func Values(key string, types []api.ValueType, vals []uint64) zap.Field {
	var builder strings.Builder
	builder.WriteByte('(')
	for i, v := range vals {
		if i > 0 {
			builder.WriteByte(',')
		}
		var vt api.ValueType
		if i < len(types) {
			vt = types[i]
		}
		builder.WriteString(FormatValue(vt, v))
	}
	builder.WriteByte(')')
	return zap.String(key, builder.String())
}
