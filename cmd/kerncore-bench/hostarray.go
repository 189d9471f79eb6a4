package main

import (
	"unsafe"

	"github.com/eriklupander/kerncore/internal/core"
)

// hostFloatArray adapts a plain []float32 slice to core.HostArray, the
// demo CLI's only concrete array binding.
type hostFloatArray struct {
	name string
	data []float32
}

func (a *hostFloatArray) Name() string         { return a.name }
func (a *hostFloatArray) Type() core.ArrayType { return core.TypeFloat }
func (a *hostFloatArray) Len() int             { return len(a.data) }

func (a *hostFloatArray) Pointer() (unsafe.Pointer, bool) {
	if len(a.data) == 0 {
		return nil, false
	}
	return unsafe.Pointer(&a.data[0]), true
}

func (a *hostFloatArray) NativeView() (any, bool) { return nil, false }
