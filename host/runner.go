// Package host services guest host calls: it owns the registry of host
// functions, drives suspended executions to completion, and converts values
// across the guest/host boundary.
package host

import (
	"context"
	"sort"
	"sync"

	"github.com/tliron/commonlog"

	"github.com/chazu/capsule/vm"
)

// Func handles one host call against a suspended execution. It may read the
// call's arguments through the execution's heap and must return the result
// value, allocated in that same heap. Returning a *vm.GuestError injects
// that exception at the guest call site; any other error is injected as a
// RuntimeError.
type Func func(x *vm.Execution, call *vm.HostCall) (vm.Value, error)

// Registry maps host function names to handlers.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register binds a handler to a name, replacing any previous binding.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	r.funcs[name] = fn
	r.mu.Unlock()
}

// Lookup returns the handler bound to name.
func (r *Registry) Lookup(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Runner drives an execution to a terminal state, answering every
// suspension from its registry. The guest decides when to suspend; the
// runner only ever acts at the host-call boundary.
type Runner struct {
	reg    *Registry
	log    commonlog.Logger
	policy func(name string) bool
}

// NewRunner creates a runner over a registry.
func NewRunner(reg *Registry) *Runner {
	return &Runner{
		reg: reg,
		log: commonlog.GetLogger("capsule.host"),
	}
}

// Restrict installs an allowlist policy consulted before every dispatch.
// A call the policy rejects is answered with a guest NameError without
// reaching the registry. A nil policy permits every registered function.
func (r *Runner) Restrict(policy func(name string) bool) {
	r.policy = policy
}

// Run resumes x until it completes or fails. Cancelling ctx stops the loop
// between host-call round trips; the execution is left suspended and can be
// checkpointed or driven further later.
func (r *Runner) Run(ctx context.Context, x *vm.Execution) (vm.Result, error) {
	res := x.Run()
	for res.State == vm.Suspended {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res = r.dispatch(x, res.Call)
	}
	return res, nil
}

func (r *Runner) dispatch(x *vm.Execution, call *vm.HostCall) vm.Result {
	r.log.Debugf("host call %q: %d args, %d kwargs", call.Name, len(call.Args), len(call.Kwargs))

	if r.policy != nil && !r.policy(call.Name) {
		r.log.Errorf("host call %q: not permitted", call.Name)
		res, err := x.ResumeWithError(vm.ExcNameError, "host function '"+call.Name+"' is not defined")
		if err != nil {
			panic("resume of suspended execution rejected: " + err.Error())
		}
		return res
	}

	fn, ok := r.reg.Lookup(call.Name)
	if !ok {
		r.log.Errorf("host call %q: no such function", call.Name)
		res, err := x.ResumeWithError(vm.ExcNameError, "host function '"+call.Name+"' is not defined")
		if err != nil {
			panic("resume of suspended execution rejected: " + err.Error())
		}
		return res
	}

	result, fnErr := fn(x, call)
	if fnErr != nil {
		kind, msg := vm.ExcRuntimeError, fnErr.Error()
		if ge, isGuest := fnErr.(*vm.GuestError); isGuest {
			kind, msg = ge.Kind, ge.Msg
		}
		r.log.Errorf("host call %q failed: %s", call.Name, fnErr)
		res, err := x.ResumeWithError(kind, msg)
		if err != nil {
			panic("resume of suspended execution rejected: " + err.Error())
		}
		return res
	}

	res, err := x.Resume(result)
	if err != nil {
		panic("resume of suspended execution rejected: " + err.Error())
	}
	return res
}
