// Package core implements the orchestrator's hard part: the job
// dispatcher, its per-compute-id scheduling state, and the enqueue-mode
// controller. It composes internal/balancer, internal/pipeline and
// internal/worker, all driven against the internal/ocl collaborator
// interfaces.
package core

import (
	"github.com/eriklupander/kerncore/internal/ocl"
	"github.com/eriklupander/kerncore/internal/pipeline"
)

// Default constants from the external interface contract.
const (
	// DefaultLocalRange is the default OpenCL work-group size.
	DefaultLocalRange = 256
	// HistoryDepth is the number of recent benchmarks kept per device for
	// smoothing (H in the spec).
	HistoryDepth = 10
	// MaxQueues is the maximum number of auxiliary command queues a
	// device worker may hold, plus the one primary compute queue.
	MaxQueues = ocl.MaxQueues
	// AffinityRefreshPeriod is how often (in calls) the dispatcher
	// reasserts the process' CPU affinity mask.
	AffinityRefreshPeriod = 255
	// SyncKernelComputeID is the compute-id reserved for sync-kernel
	// barrier invocations; it is never counted into load-balance stats.
	SyncKernelComputeID = ocl.SyncKernelComputeID
)

// PipelineDiscipline selects how PipelineEngine overlaps read/compute/write
// phases for a device's sub-range. The type is owned by internal/pipeline
// (which core depends on); these are re-exported under the core's
// established naming.
type PipelineDiscipline = pipeline.Discipline

const (
	// PipelineEvent drives two interleaved read->compute->write
	// pipelines via an explicit event DAG across 6 logical queues.
	PipelineEvent = pipeline.Event
	// PipelineDriver places each segment's read/compute/write triple on
	// one of up to 16 command queues and trusts the driver to overlap
	// independent queues.
	PipelineDriver = pipeline.Driver
)

// ArrayType is the host element type of an array binding. Owned by
// internal/ocl so internal/worker and internal/pipeline can use it
// without importing internal/core back.
type ArrayType = ocl.ArrayType

const (
	TypeByte   = ocl.TypeByte
	TypeChar   = ocl.TypeChar
	TypeInt    = ocl.TypeInt
	TypeUint   = ocl.TypeUint
	TypeLong   = ocl.TypeLong
	TypeFloat  = ocl.TypeFloat
	TypeDouble = ocl.TypeDouble
)

// RWPolicy is the per-array, per-call read/write contract a device
// observes when transferring data for a compute call.
type RWPolicy = ocl.RWPolicy

const (
	// PolicyPartialRead: the device reads only its own [offset, offset+range).
	PolicyPartialRead = ocl.PolicyPartialRead
	// PolicyRead: the device reads the entire host array.
	PolicyRead = ocl.PolicyRead
	// PolicyWrite: the device writes back only its own slice.
	PolicyWrite = ocl.PolicyWrite
	// PolicyWriteAll: a single device writes the entire array unchecked.
	// Rejected at dispatch time if more than one device would participate.
	PolicyWriteAll = ocl.PolicyWriteAll
)

// HostArray is the strong-reference / pinning surface a caller's array
// must expose. NativeView optionally exposes a device-native companion
// object (e.g. an existing device buffer) that must also be registered
// against the strong-reference registry so it isn't reclaimed mid-flight.
type HostArray = ocl.HostArray

// ArrayBinding pairs a host array with its per-call read/write policy.
type ArrayBinding = ocl.ArrayBinding

// Kernel names a compiled entry point. Kernels are grouped by name across
// devices; argument binding is cached per (device, kernel, compute-id).
type Kernel struct {
	Name string
}

// DeviceSpec is the static description of one participating device,
// resolved once at dispatcher construction time from the ocl.Discoverer.
type DeviceSpec struct {
	Device       ocl.Device
	Kind         ocl.Kind
	MemoryPolicy ocl.MemoryPolicy
	QueueCount   int // 1 (primary) + up to MaxQueues auxiliary
}
