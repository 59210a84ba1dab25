package vm

import "context"

// ToolDispatcher executes tool effect operations on behalf of the VM.
// The dispatcher owns transport, retries, and policy; the VM only
// enforces grants and shapes results back into values.
type ToolDispatcher interface {
	Dispatch(ctx context.Context, name string, args []Value) (Value, error)
}

// ToolFunc adapts a function to ToolDispatcher.
type ToolFunc func(ctx context.Context, name string, args []Value) (Value, error)

func (f ToolFunc) Dispatch(ctx context.Context, name string, args []Value) (Value, error) {
	return f(ctx, name, args)
}

// ToolTable routes by tool name over a fixed set of handlers.
type ToolTable map[string]ToolFunc

func (t ToolTable) Dispatch(ctx context.Context, name string, args []Value) (Value, error) {
	f, ok := t[name]
	if !ok {
		return Null, &ToolFailure{Tool: name, Code: "unknown_tool", Message: "no handler registered"}
	}
	return f(ctx, name, args)
}

// dispatchTool re-validates the process's grant set and crosses the host
// boundary. Grants are declared per process; a nil set denies everything,
// so an ungranted tool never reaches the dispatcher.
func (mach *Machine) dispatchTool(p *Proc, name string, args []Value) (Value, error) {
	if !p.Grants[name] && !p.Grants["*"] {
		err := runtimeErr(ErrTool, "tool %s not granted", name)
		if mach.Tracer != nil {
			mach.Tracer.ToolDispatched(p.ID, name, args, Null, err)
		}
		return Null, err
	}
	if mach.Tools == nil {
		return Null, runtimeErr(ErrTool, "no tool dispatcher attached")
	}
	ctx := mach.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	v, err := mach.Tools.Dispatch(ctx, name, args)
	if mach.Tracer != nil {
		mach.Tracer.ToolDispatched(p.ID, name, args, v, err)
	}
	if err != nil {
		if tf, ok := err.(*ToolFailure); ok {
			return Null, tf
		}
		return Null, &ToolFailure{Tool: name, Code: "tool_error", Message: err.Error()}
	}
	return v, nil
}
