// Package ocltest provides an in-memory fake of the internal/ocl
// collaborator interfaces, letting the balancer/worker/pipeline/core
// packages be exercised without a real OpenCL runtime.
package ocltest

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/eriklupander/kerncore/internal/ocl"
)

// Device is a fake ocl.Device that records every enqueue for assertions.
type Device struct {
	mu sync.Mutex

	NameVal string
	KindVal ocl.Kind
	Policy  ocl.MemoryPolicy
	Queues  int

	Programs []string
	Kernels  map[string]bool

	// EnqueueLog records one entry per enqueue call and per kernel SetArg
	// call, in issue order, across all queues and kernels of this device.
	EnqueueLog []string
}

func NewDevice(name string, kind ocl.Kind) *Device {
	return &Device{NameVal: name, KindVal: kind, Policy: ocl.MemoryStreaming, Queues: 16, Kernels: map[string]bool{}}
}

func (d *Device) Name() string                  { return d.NameVal }
func (d *Device) Kind() ocl.Kind                { return d.KindVal }
func (d *Device) MemoryPolicy() ocl.MemoryPolicy { return d.Policy }
func (d *Device) MaxComputeQueues() int         { return d.Queues }

func (d *Device) CreateCommandQueue() (ocl.Queue, error) {
	return &Queue{dev: d}, nil
}

func (d *Device) CreateEmptyBuffer(flags ocl.MemFlags, size int) (ocl.Buffer, error) {
	return &Buffer{size: size}, nil
}

func (d *Device) BuildProgram(source string) (ocl.Program, error) {
	d.mu.Lock()
	d.Programs = append(d.Programs, source)
	d.mu.Unlock()
	return &Program{dev: d}, nil
}

func (d *Device) Release() {}

func (d *Device) logf(format string, args ...any) {
	d.mu.Lock()
	d.EnqueueLog = append(d.EnqueueLog, fmt.Sprintf(format, args...))
	d.mu.Unlock()
}

// Program is a fake ocl.Program.
type Program struct {
	dev *Device
}

func (p *Program) CreateKernel(name string) (ocl.Kernel, error) {
	p.dev.mu.Lock()
	p.dev.Kernels[name] = true
	p.dev.mu.Unlock()
	return &Kernel{dev: p.dev, name: name}, nil
}

func (p *Program) Release() {}

// Kernel is a fake ocl.Kernel.
type Kernel struct {
	dev  *Device
	name string
}

func (k *Kernel) Name() string { return k.name }
func (k *Kernel) SetArg(index int, value any) error {
	k.dev.logf("setarg:%s:%d", k.name, index)
	return nil
}
func (k *Kernel) Release() {}

// Buffer is a fake ocl.Buffer.
type Buffer struct {
	size int
}

func (b *Buffer) Size() int { return b.size }
func (b *Buffer) Release()  {}

// Event is a fake ocl.Event that is immediately "complete".
type Event struct{}

func (e *Event) Wait() error { return nil }

// Queue is a fake ocl.Queue recording every enqueue into its device's log.
type Queue struct {
	dev *Device
}

func (q *Queue) EnqueueWriteBuffer(buf ocl.Buffer, blocking bool, offset, size int, ptr unsafe.Pointer, waitFor []ocl.Event) (ocl.Event, error) {
	q.dev.logf("write:off=%d:size=%d", offset, size)
	return &Event{}, nil
}

func (q *Queue) EnqueueReadBuffer(buf ocl.Buffer, blocking bool, offset, size int, ptr unsafe.Pointer, waitFor []ocl.Event) (ocl.Event, error) {
	q.dev.logf("read:off=%d:size=%d", offset, size)
	return &Event{}, nil
}

func (q *Queue) EnqueueNDRangeKernel(k ocl.Kernel, offset, globalSize, localSize int, waitFor []ocl.Event) (ocl.Event, error) {
	q.dev.logf("kernel:%s:off=%d:global=%d:local=%d", k.Name(), offset, globalSize, localSize)
	return &Event{}, nil
}

func (q *Queue) EnqueueMarker(waitFor []ocl.Event) (ocl.Event, error) {
	q.dev.logf("marker:n=%d", len(waitFor))
	return &Event{}, nil
}

func (q *Queue) Flush() error  { return nil }
func (q *Queue) Finish() error { return nil }
func (q *Queue) Release()      {}

// HostArray is a fake ocl.HostArray backed by a plain Go slice of
// float32, exposing a real unsafe.Pointer so transfer math can be
// exercised against offsets.
type HostArray struct {
	NameVal string
	Data    []float32
}

func (h *HostArray) Name() string        { return h.NameVal }
func (h *HostArray) Type() ocl.ArrayType { return ocl.TypeFloat }
func (h *HostArray) Len() int            { return len(h.Data) }
func (h *HostArray) Pointer() (unsafe.Pointer, bool) {
	if len(h.Data) == 0 {
		return nil, false
	}
	return unsafe.Pointer(&h.Data[0]), true
}
func (h *HostArray) NativeView() (any, bool) { return nil, false }
