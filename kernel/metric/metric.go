// Package metric exposes counters and gauges describing the state of the
// memory managers.
package metric

import (
	"io"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

const namespace = "nanoos"

var (
	// Registry holds every collector defined by this package.
	Registry = prometheus.NewRegistry()

	// FramesAllocated counts frames handed out by the physical allocator.
	FramesAllocated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pmm",
		Name:      "frames_allocated_total",
		Help:      "Number of physical frames handed out by the frame allocator.",
	})

	// FramesFreed counts frames returned to the physical allocator.
	FramesFreed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pmm",
		Name:      "frames_freed_total",
		Help:      "Number of physical frames returned to the frame allocator.",
	})

	// AllocFailures counts frame requests that could not be satisfied.
	AllocFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pmm",
		Name:      "alloc_failures_total",
		Help:      "Number of frame allocation requests that failed.",
	})

	// TablesCreated counts page tables allocated while walking the hierarchy.
	TablesCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "vmm",
		Name:      "tables_created_total",
		Help:      "Number of intermediate page tables created.",
	})

	// PagesMapped counts successful page mappings.
	PagesMapped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "vmm",
		Name:      "pages_mapped_total",
		Help:      "Number of virtual pages mapped to a physical frame.",
	})

	// TranslateMisses counts translations of unmapped pages.
	TranslateMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "vmm",
		Name:      "translate_misses_total",
		Help:      "Number of translations that hit an unmapped page.",
	})

	freeBytesSource atomic.Pointer[func() float64]
)

func init() {
	Registry.MustRegister(
		FramesAllocated,
		FramesFreed,
		AllocFailures,
		TablesCreated,
		PagesMapped,
		TranslateMisses,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pmm",
			Name:      "free_bytes",
			Help:      "Number of bytes currently tracked as free physical memory.",
		}, freeBytes),
	)
}

// SetFreeBytesSource installs the function sampled by the free_bytes gauge.
// Passing nil makes the gauge report zero.
func SetFreeBytesSource(fn func() uint64) {
	if fn == nil {
		freeBytesSource.Store(nil)
		return
	}

	sample := func() float64 { return float64(fn()) }
	freeBytesSource.Store(&sample)
}

func freeBytes() float64 {
	if fn := freeBytesSource.Load(); fn != nil {
		return (*fn)()
	}
	return 0
}

// WriteText renders every registered metric family to w using the
// Prometheus text exposition format.
func WriteText(w io.Writer) error {
	families, err := Registry.Gather()
	if err != nil {
		return errors.Wrap(err, "gathering metrics")
	}

	for _, mf := range families {
		if _, err = expfmt.MetricFamilyToText(w, mf); err != nil {
			return errors.Wrapf(err, "writing metric family %s", mf.GetName())
		}
	}

	return nil
}
