// Package sandbox is the thin Go binding to the policy sandbox
// (spec.md §1 lists the sandbox itself — policy ABI, artifact
// fetching/precompilation/caching — as an external collaborator that is
// out of scope here). What this package does own is the lifecycle the
// dispatch core depends on directly: a single, cheaply shared
// wasmtime.Engine, and a PolicyEvaluator interface the worker pool can
// construct one instance of per policy per worker (spec.md §3, §4.4).
package sandbox

import (
	"fmt"

	"github.com/bytecodealliance/wasmtime-go/v25"
)

// Engine wraps a wasmtime.Engine. Per spec.md §4.4 build protocol step
// 1 and §11 (original_source/src/worker.rs), it is constructed exactly
// once by the worker pool and handed, by value, to every worker: the
// handle is safe to share and cheap to pass around, only the
// PolicyEvaluator instances built from it are per-worker.
type Engine struct {
	inner *wasmtime.Engine
}

// NewEngine constructs the shared sandbox engine. A failure here is an
// engine-level build error, reported under the reserved "*" key of
// workerpool.BuildErrors.
func NewEngine() (Engine, error) {
	cfg := wasmtime.NewConfig()
	cfg.SetConsumeFuel(false)
	cfg.SetEpochInterruption(true)

	engine := wasmtime.NewEngineWithConfig(cfg)
	if engine == nil {
		return Engine{}, fmt.Errorf("cannot create wasmtime engine")
	}
	return Engine{inner: engine}, nil
}
