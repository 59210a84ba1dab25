// Package vm implements the Lumen virtual machine.
//
// This package contains:
//   - Tagged value representation with copy-on-write composites
//   - Bytecode module layout and wire format
//   - Register-file interpreter loop with fuel accounting
//   - Algebraic effects with one-shot continuations
//   - Built-in process runtime extensions (memory, machine, pipeline)
package vm
