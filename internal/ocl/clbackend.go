package ocl

import (
	"fmt"
	"unsafe"

	"github.com/jgillich/go-opencl/cl"
)

// clDiscoverer discovers OpenCL 1.2 platforms/devices via go-opencl/cl. It
// is the only file in this package that imports cl directly; everything
// above (types.go) is cl-agnostic so the core never sees a *cl.Device.
type clDiscoverer struct{}

// NewDiscoverer returns the default OpenCL-backed Discoverer.
func NewDiscoverer() Discoverer {
	return clDiscoverer{}
}

func (clDiscoverer) Discover(kinds KindSet, numGPU int) ([]Device, error) {
	platforms, err := cl.GetPlatforms()
	if err != nil {
		return nil, fmt.Errorf("get platforms: %w", err)
	}
	if len(platforms) == 0 {
		return nil, fmt.Errorf("ocl: no platforms found")
	}

	var out []Device
	gpuCount := 0
	for _, p := range platforms {
		devices, err := p.GetDevices(cl.DeviceTypeAll)
		if err != nil {
			continue
		}
		for _, d := range devices {
			kind := classify(d)
			if !kinds.Contains(kind) {
				continue
			}
			if kind == KindGPU {
				if numGPU == 0 {
					continue
				}
				if numGPU > 0 && gpuCount >= numGPU {
					continue
				}
				gpuCount++
			}
			ctx, err := cl.CreateContext([]*cl.Device{d})
			if err != nil {
				continue
			}
			out = append(out, &clDevice{device: d, ctx: ctx, kind: kind})
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("ocl: %w", ErrNoDevice)
	}
	return out, nil
}

func classify(d *cl.Device) Kind {
	switch d.Type() {
	case cl.DeviceTypeGPU:
		return KindGPU
	case cl.DeviceTypeAccelerator:
		return KindACC
	default:
		return KindCPU
	}
}

type clDevice struct {
	device *cl.Device
	ctx    *cl.Context
	kind   Kind
}

func (d *clDevice) Name() string { return d.device.Name() }
func (d *clDevice) Kind() Kind   { return d.kind }

func (d *clDevice) MemoryPolicy() MemoryPolicy {
	if d.kind == KindGPU && !d.device.HostUnifiedMemory() {
		return MemoryStreaming
	}
	return MemoryPinned
}

func (d *clDevice) MaxComputeQueues() int { return 16 }

func (d *clDevice) CreateCommandQueue() (Queue, error) {
	q, err := d.ctx.CreateCommandQueue(d.device, 0)
	if err != nil {
		return nil, err
	}
	return &clQueue{q: q}, nil
}

func (d *clDevice) CreateEmptyBuffer(flags MemFlags, size int) (Buffer, error) {
	var clFlags cl.MemFlag
	switch flags {
	case MemReadOnly:
		clFlags = cl.MemReadOnly
	case MemWriteOnly:
		clFlags = cl.MemWriteOnly
	default:
		clFlags = cl.MemReadWrite
	}
	buf, err := d.ctx.CreateEmptyBuffer(clFlags, size)
	if err != nil {
		return nil, err
	}
	return &clBuffer{buf: buf, size: size}, nil
}

func (d *clDevice) BuildProgram(source string) (Program, error) {
	prog, err := d.ctx.CreateProgramWithSource([]string{source})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompile, err)
	}
	if err := prog.BuildProgram([]*cl.Device{d.device}, ""); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompile, err)
	}
	return &clProgram{program: prog}, nil
}

func (d *clDevice) Release() { d.ctx.Release() }

type clQueue struct{ q *cl.CommandQueue }

func (q *clQueue) EnqueueWriteBuffer(buf Buffer, blocking bool, offset, size int, ptr unsafe.Pointer, waitFor []Event) (Event, error) {
	ev, err := q.q.EnqueueWriteBuffer(buf.(*clBuffer).buf, blocking, offset, size, ptr, toCLEvents(waitFor))
	if err != nil {
		return nil, err
	}
	return &clEvent{ev: ev}, nil
}

func (q *clQueue) EnqueueReadBuffer(buf Buffer, blocking bool, offset, size int, ptr unsafe.Pointer, waitFor []Event) (Event, error) {
	ev, err := q.q.EnqueueReadBuffer(buf.(*clBuffer).buf, blocking, offset, size, ptr, toCLEvents(waitFor))
	if err != nil {
		return nil, err
	}
	return &clEvent{ev: ev}, nil
}

func (q *clQueue) EnqueueNDRangeKernel(k Kernel, offset, globalSize, localSize int, waitFor []Event) (Event, error) {
	ev, err := q.q.EnqueueNDRangeKernel(k.(*clKernel).kernel, []int{offset}, []int{globalSize}, []int{localSize}, toCLEvents(waitFor))
	if err != nil {
		return nil, err
	}
	return &clEvent{ev: ev}, nil
}

func (q *clQueue) EnqueueMarker(waitFor []Event) (Event, error) {
	ev, err := q.q.EnqueueMarkerWithWaitList(toCLEvents(waitFor))
	if err != nil {
		return nil, err
	}
	return &clEvent{ev: ev}, nil
}

func (q *clQueue) Flush() error  { return q.q.Flush() }
func (q *clQueue) Finish() error { return q.q.Finish() }
func (q *clQueue) Release()      { q.q.Release() }

func toCLEvents(evs []Event) []*cl.Event {
	if len(evs) == 0 {
		return nil
	}
	out := make([]*cl.Event, 0, len(evs))
	for _, e := range evs {
		if ce, ok := e.(*clEvent); ok && ce != nil {
			out = append(out, ce.ev)
		}
	}
	return out
}

type clEvent struct{ ev *cl.Event }

func (e *clEvent) Wait() error {
	if e == nil || e.ev == nil {
		return nil
	}
	return e.ev.Wait()
}

type clBuffer struct {
	buf  *cl.MemObject
	size int
}

func (b *clBuffer) Size() int { return b.size }
func (b *clBuffer) Release()  { b.buf.Release() }

type clProgram struct{ program *cl.Program }

func (p *clProgram) CreateKernel(name string) (Kernel, error) {
	k, err := p.program.CreateKernel(name)
	if err != nil {
		return nil, err
	}
	return &clKernel{kernel: k, name: name}, nil
}

func (p *clProgram) Release() { p.program.Release() }

type clKernel struct {
	kernel *cl.Kernel
	name   string
}

func (k *clKernel) Name() string { return k.name }
func (k *clKernel) SetArg(index int, value any) error {
	if buf, ok := value.(Buffer); ok {
		return k.kernel.SetArg(index, buf.(*clBuffer).buf)
	}
	return k.kernel.SetArg(index, value)
}
func (k *clKernel) Release() { k.kernel.Release() }
