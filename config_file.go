package wasmer

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/and3k5/wasmer/internal/logging"
)

// LoadEngineConfig reads an EngineConfig from a YAML file, then from environment variables starting with envPrefix,
// which take precedence. Either source is skipped when its argument is empty.
//
// The keys are:
//
//	compiler: singlepass
//	memory_max_pages: 256
//	max_stack_bytes: 1048576
//	max_call_depth: 0
//	compile_concurrency: 4
//	artifact_dir: /var/cache/wasmer
//	log_scopes: compile,trap
//	metering:
//	  limit: 1000000
//	  default_cost: 1
//	  max_operators: 0
//	  costs:
//	    "0x10": 10
//
// An environment variable names a key in upper case after the prefix, with "__" between nesting levels. For example
// WASMER_METERING__LIMIT with the prefix "WASMER_".
//
// Metering is enabled when metering.limit is set. Logs go to the process logger, see WithLogger to change it.
func LoadEngineConfig(path, envPrefix string) (*EngineConfig, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}
	if envPrefix != "" {
		if err := k.Load(env.Provider(envPrefix, ".", envKey(envPrefix)), nil); err != nil {
			return nil, fmt.Errorf("load environment: %w", err)
		}
	}
	return engineConfigFrom(k)
}

func envKey(prefix string) func(string) string {
	return func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, prefix))
		return strings.ReplaceAll(s, "__", ".")
	}
}

func engineConfigFrom(k *koanf.Koanf) (*EngineConfig, error) {
	c := NewEngineConfig()
	if k.Exists("compiler") {
		c = c.WithCompiler(k.String("compiler"))
	}
	if k.Exists("memory_max_pages") {
		v, err := parseUint(k, "memory_max_pages", 32)
		if err != nil {
			return nil, err
		}
		c = c.WithMemoryMaxPages(uint32(v))
	}
	if k.Exists("max_stack_bytes") {
		v, err := parseInt(k, "max_stack_bytes")
		if err != nil {
			return nil, err
		}
		c = c.WithMaxStackBytes(v)
	}
	if k.Exists("max_call_depth") {
		v, err := parseInt(k, "max_call_depth")
		if err != nil {
			return nil, err
		}
		c = c.WithMaxCallDepth(int(v))
	}
	if k.Exists("compile_concurrency") {
		v, err := parseInt(k, "compile_concurrency")
		if err != nil {
			return nil, err
		}
		c = c.WithCompileConcurrency(int(v))
	}
	if dir := k.String("artifact_dir"); dir != "" {
		store, err := NewFileArtifactStore(dir)
		if err != nil {
			return nil, err
		}
		c = c.WithArtifactStore(store)
	}
	if k.Exists("log_scopes") {
		scopes, err := ParseLogScopes(k.String("log_scopes"))
		if err != nil {
			return nil, err
		}
		c.logScopes = scopes
	}
	if k.Exists("metering.limit") {
		mc, err := meteringConfigFrom(k)
		if err != nil {
			return nil, err
		}
		c = c.WithMetering(mc)
	}
	return c, nil
}

func meteringConfigFrom(k *koanf.Koanf) (mc MeteringConfig, err error) {
	if mc.Limit, err = parseUint(k, "metering.limit", 64); err != nil {
		return
	}
	if k.Exists("metering.default_cost") {
		if mc.DefaultCost, err = parseUint(k, "metering.default_cost", 64); err != nil {
			return
		}
	}
	if k.Exists("metering.max_operators") {
		var n int64
		if n, err = parseInt(k, "metering.max_operators"); err != nil {
			return
		}
		mc.MaxOperators = int(n)
	}
	ops := k.MapKeys("metering.costs")
	if len(ops) == 0 {
		return
	}
	sort.Strings(ops)
	mc.Costs = make(map[byte]uint64, len(ops))
	for _, op := range ops {
		code, perr := strconv.ParseUint(op, 0, 8)
		if perr != nil {
			return mc, fmt.Errorf("metering.costs: invalid opcode %q", op)
		}
		if mc.Costs[byte(code)], err = parseUint(k, "metering.costs."+op, 64); err != nil {
			return
		}
	}
	return
}

func parseUint(k *koanf.Koanf, key string, bitSize int) (uint64, error) {
	v, err := strconv.ParseUint(k.String(key), 0, bitSize)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid value %q", key, k.String(key))
	}
	return v, nil
}

func parseInt(k *koanf.Koanf, key string) (int64, error) {
	v, err := strconv.ParseInt(k.String(key), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid value %q", key, k.String(key))
	}
	return v, nil
}

// ParseLogScopes parses a "," or "|" separated list of scope names: compile, load, instance, trap, host, all or
// none.
func ParseLogScopes(s string) (LogScopes, error) {
	return logging.ParseLogScopes(s)
}
