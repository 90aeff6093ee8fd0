package trace

import (
	"fmt"
	"sync"
)

// RawBlock is one block reported by a hardware branch tracer: the address
// of its first and last executed instruction.
type RawBlock struct {
	First, Last uint64
}

// Collector drives a platform's hardware branch tracer (e.g. Intel PT).
// It is supplied by the embedder; this package owns only the recorder
// life cycle and the raw-block buffering around it.
type Collector interface {
	// Start begins collecting on the calling OS thread.
	Start() error
	// Stop ends collection and returns the raw blocks observed, in
	// execution order.
	Stop() ([]RawBlock, error)
}

// unsupportedCollector is used when no platform Collector has been wired
// in; every call fails cleanly rather than panicking.
type unsupportedCollector struct{}

func (unsupportedCollector) Start() error { return fmt.Errorf("trace: no hardware trace collector configured for this platform") }
func (unsupportedCollector) Stop() ([]RawBlock, error) {
	return nil, fmt.Errorf("trace: no hardware trace collector configured for this platform")
}

// HardwareTracer is the hardware branch-tracer back end. It delegates the
// actual collection to a Collector and is responsible for turning the
// resulting raw blocks into an AOTTraceIterator once a RawBlockMapper is
// attached (see the blockmapper package, which implements that interface).
type HardwareTracer struct {
	newCollector func() Collector
	mapper       RawBlockMapper

	mu     sync.Mutex
	active bool
}

// RawBlockMapper turns a hardware recording's raw blocks into the
// deduplicated TraceAction sequence the block mapper (C4) produces. It is
// satisfied by *blockmapper.Mapper; defined here to avoid an import cycle.
type RawBlockMapper interface {
	Map(blocks []RawBlock) AOTTraceIterator
}

// NewHardwareTracer returns a Tracer backed by newCollector (invoked once
// per StartRecorder call, so a fresh Collector can be constructed per
// recording if the platform requires it) and mapper. A nil newCollector
// yields a tracer whose recordings always fail, useful for platforms
// without a PT-equivalent facility.
func NewHardwareTracer(newCollector func() Collector, mapper RawBlockMapper) *HardwareTracer {
	if newCollector == nil {
		newCollector = func() Collector { return unsupportedCollector{} }
	}
	return &HardwareTracer{newCollector: newCollector, mapper: mapper}
}

func (t *HardwareTracer) StartRecorder() (TraceRecorder, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active {
		return nil, fmt.Errorf("trace: a hardware recording is already in progress")
	}
	c := t.newCollector()
	if err := c.Start(); err != nil {
		return nil, err
	}
	t.active = true
	return &hardwareRecorder{owner: t, collector: c}, nil
}

type hardwareRecorder struct {
	owner     *HardwareTracer
	collector Collector
	stopped   bool
}

func (r *hardwareRecorder) Stop() (AOTTraceIterator, error) {
	if r.stopped {
		return nil, fmt.Errorf("trace: recorder already stopped")
	}
	r.stopped = true
	r.owner.mu.Lock()
	r.owner.active = false
	r.owner.mu.Unlock()

	blocks, err := r.collector.Stop()
	if err != nil {
		return nil, err
	}
	if r.owner.mapper == nil {
		return nil, fmt.Errorf("trace: hardware tracer has no block mapper attached")
	}
	return r.owner.mapper.Map(blocks), nil
}
