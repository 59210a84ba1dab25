package vm

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// cborEncMode uses canonical encoding so a module re-encodes to identical
// bytes regardless of the producing platform.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// MarshalModule serializes a bytecode module to canonical CBOR bytes.
func MarshalModule(m *Module) ([]byte, error) {
	return cborEncMode.Marshal(m)
}

// UnmarshalModule deserializes a bytecode module from CBOR bytes and
// builds its cell index.
func UnmarshalModule(data []byte) (*Module, error) {
	var m Module
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("vm: unmarshal module: %w", err)
	}
	m.Index()
	return &m, nil
}
