package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// LogLevel returns the log level for the application.
// Values are 0 or false INFO (Default), 1 or true DEBUG, 2 TRACE
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("DECODER_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

func BoolWithDefault(k string) func(defaultValue bool) bool {
	return func(defaultValue bool) bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return defaultValue
	}
}

func Bool(k string) func() bool {
	withDefault := BoolWithDefault(k)
	return func() bool {
		return withDefault(false)
	}
}

func String(s string) func() string {
	return func() string {
		return Var(s)
	}
}

func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}
		return defaultValue
	}
}

var (
	// Parallel enables multi-threaded attention. Defaults to true.
	Parallel = BoolWithDefault("DECODER_PARALLEL")
	// NumThreads caps compute goroutines. 0 means one per CPU.
	NumThreads = Uint("DECODER_NUM_THREADS", 0)
	// Sharding selects the default sharding profile.
	Sharding = String("DECODER_SHARDING")
	// DType selects the default working precision.
	DType = String("DECODER_DTYPE")
	// Mesh overrides the default device mesh, e.g. "dp=1,fsdp=4,mp=2".
	Mesh = String("DECODER_MESH")
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"DECODER_DEBUG":       {"DECODER_DEBUG", LogLevel(), "Show additional debug information (e.g. DECODER_DEBUG=1, DECODER_DEBUG=2 for trace)"},
		"DECODER_PARALLEL":    {"DECODER_PARALLEL", Parallel(true), "Run attention heads on multiple goroutines (default true)"},
		"DECODER_NUM_THREADS": {"DECODER_NUM_THREADS", NumThreads(), "Maximum compute goroutines (default: one per CPU)"},
		"DECODER_SHARDING":    {"DECODER_SHARDING", Sharding(), "Sharding profile: balanced or fully-sharded (default: balanced)"},
		"DECODER_DTYPE":       {"DECODER_DTYPE", DType(), "Working precision: float32, bfloat16 or float16 (default: float32)"},
		"DECODER_MESH":        {"DECODER_MESH", Mesh(), "Logical device mesh (default: dp=1,fsdp=1,mp=1)"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// Var returns an environment variable stripped of leading and trailing quotes or spaces
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}
