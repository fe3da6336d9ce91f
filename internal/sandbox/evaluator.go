package sandbox

import (
	"encoding/json"
	"fmt"

	"github.com/bytecodealliance/wasmtime-go/v25"

	"github.com/kubewarden/policy-server/internal/admissionreview"
)

// PolicyEvaluator is the contract the Worker depends on: exactly the
// "sandboxed compute engine that ... exposes validate(json) →
// AdmissionResponse" of spec.md §1. It is single-threaded: a Worker
// must never call Validate on the same instance concurrently from two
// goroutines (spec.md §3, "PolicyEvaluator (runtime entity)").
//
// Validate takes the already-serialized request payload rather than
// the admissionreview.Request itself: serializing the request and
// reacting to a failure there is the Worker's own responsibility
// (spec.md §4.3 step 3), not the evaluator's.
type PolicyEvaluator interface {
	Validate(payload []byte, uid string) admissionreview.Response
	Close()
}

// wasmEvaluator is the wasmtime-backed PolicyEvaluator. The guest ABI
// implemented here (JSON in, JSON out, through a pair of exported
// "allocate"/"validate" functions and shared linear memory) is a
// deliberate simplification of Kubewarden's real waPC-based protocol:
// the actual policy ABI is explicitly out of scope (spec.md §1), this
// exists only so the engine/instance lifecycle has somewhere concrete
// to attach to.
type wasmEvaluator struct {
	store    *wasmtime.Store
	instance *wasmtime.Instance
	memory   *wasmtime.Memory
	allocate *wasmtime.Func
	validate *wasmtime.Func
}

// newWasmEvaluator compiles and instantiates the artifact bytes
// against engine, ready to serve Validate calls.
func newWasmEvaluator(engine Engine, artifact []byte, settings json.RawMessage) (*wasmEvaluator, error) {
	module, err := wasmtime.NewModule(engine.inner, artifact)
	if err != nil {
		return nil, fmt.Errorf("compiling policy module: %w", err)
	}

	store := wasmtime.NewStore(engine.inner)
	linker := wasmtime.NewLinker(engine.inner)

	instance, err := linker.Instantiate(store, module)
	if err != nil {
		return nil, fmt.Errorf("instantiating policy module: %w", err)
	}

	memoryExport := instance.GetExport(store, "memory")
	if memoryExport == nil || memoryExport.Memory() == nil {
		return nil, fmt.Errorf("policy module does not export linear memory")
	}

	allocate := instance.GetFunc(store, "allocate")
	validate := instance.GetFunc(store, "validate")
	if allocate == nil || validate == nil {
		return nil, fmt.Errorf("policy module does not export the validate ABI (allocate/validate)")
	}

	eval := &wasmEvaluator{
		store:    store,
		instance: instance,
		memory:   memoryExport.Memory(),
		allocate: allocate,
		validate: validate,
	}

	if len(settings) > 0 {
		if err := eval.init(settings); err != nil {
			return nil, fmt.Errorf("initializing policy with settings: %w", err)
		}
	}

	return eval, nil
}

func (e *wasmEvaluator) init(settings json.RawMessage) error {
	_, err := e.writeGuestBytes(settings)
	return err
}

// writeGuestBytes allocates len(payload) bytes inside the guest and
// copies payload into them, returning the guest pointer.
func (e *wasmEvaluator) writeGuestBytes(payload []byte) (int32, error) {
	raw, err := e.allocate.Call(e.store, int32(len(payload)))
	if err != nil {
		return 0, fmt.Errorf("guest allocate: %w", err)
	}
	ptr, ok := raw.(int32)
	if !ok {
		return 0, fmt.Errorf("guest allocate: unexpected return type %T", raw)
	}

	data := e.memory.UnsafeData(e.store)
	copy(data[ptr:], payload)
	return ptr, nil
}

// Validate passes the already-serialized request payload to the
// guest's exported "validate" function and decodes the guest's JSON
// response. This is the only method a Worker calls during its dequeue
// loop (spec.md §4.3 step 4); it may block for an unbounded time and
// must never be called concurrently on the same instance.
func (e *wasmEvaluator) Validate(payload []byte, uid string) admissionreview.Response {
	resp, err := e.callValidate(payload)
	if err != nil {
		code := int32(500)
		return admissionreview.Response{
			UID:     uid,
			Allowed: false,
			Status:  &admissionreview.Status{Code: &code, Message: fmt.Sprintf("policy evaluation failed: %v", err)},
		}
	}
	resp.UID = uid
	return resp
}

func (e *wasmEvaluator) callValidate(payload []byte) (admissionreview.Response, error) {
	ptr, err := e.writeGuestBytes(payload)
	if err != nil {
		return admissionreview.Response{}, err
	}

	raw, err := e.validate.Call(e.store, ptr, int32(len(payload)))
	if err != nil {
		return admissionreview.Response{}, fmt.Errorf("calling guest validate: %w", err)
	}

	packed, ok := raw.(int64)
	if !ok {
		return admissionreview.Response{}, fmt.Errorf("guest validate: unexpected return type %T", raw)
	}
	resultPtr := int32(packed >> 32)
	resultLen := int32(packed & 0xFFFFFFFF)

	data := e.memory.UnsafeData(e.store)
	if int(resultPtr)+int(resultLen) > len(data) || resultPtr < 0 || resultLen < 0 {
		return admissionreview.Response{}, fmt.Errorf("guest validate: result out of bounds")
	}

	var resp admissionreview.Response
	if err := json.Unmarshal(data[resultPtr:resultPtr+resultLen], &resp); err != nil {
		return admissionreview.Response{}, fmt.Errorf("decoding guest response: %w", err)
	}
	return resp, nil
}

func (e *wasmEvaluator) Close() {
	// wasmtime.Store has no explicit Close in v25; it is reclaimed by
	// the garbage collector once unreferenced. Nothing to release
	// eagerly here, the method exists so PolicyEvaluator has a single
	// teardown hook regardless of backing implementation.
}
