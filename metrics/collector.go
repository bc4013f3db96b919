// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package metrics exports runtime statistics as Prometheus metrics.
//
// A [Collector] reads pool, reference map and loop statistics at scrape
// time, so it adds nothing to the hot paths it reports on.
package metrics

import (
	"slices"
	"strconv"
	"sync"

	"github.com/joeycumines/go-devrt/eventloop"
	"github.com/joeycumines/go-devrt/mempool"
	"github.com/joeycumines/go-devrt/saferef"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultNamespace is used when NewCollector is given an empty namespace.
const DefaultNamespace = "devrt"

// Collector implements [prometheus.Collector].
type Collector struct {
	pools *mempool.Registry
	maps  *saferef.Registry

	poolElementSize *prometheus.Desc
	poolBlocks      *prometheus.Desc
	poolFree        *prometheus.Desc
	poolInUse       *prometheus.Desc
	poolMaxInUse    *prometheus.Desc
	poolAllocs      *prometheus.Desc
	poolGrowths     *prometheus.Desc

	mapExpected *prometheus.Desc
	mapLive     *prometheus.Desc
	mapMaxLive  *prometheus.Desc
	mapCapacity *prometheus.Desc
	mapCreated  *prometheus.Desc
	mapRemoved  *prometheus.Desc

	loopState      *prometheus.Desc
	loopQueued     *prometheus.Desc
	loopFDs        *prometheus.Desc
	loopHandlers   *prometheus.Desc
	loopProcessed  *prometheus.Desc
	loopDeliveries *prometheus.Desc
	loopFDEvents   *prometheus.Desc
	loopSkipped    *prometheus.Desc
	loopDropped    *prometheus.Desc
	loopPanics     *prometheus.Desc

	loops []*eventloop.Loop
	mu    sync.Mutex
}

// Option configures a Collector.
type Option interface {
	applyCollector(*Collector)
}

type collectorOptionImpl struct {
	applyCollectorFunc func(*Collector)
}

func (o *collectorOptionImpl) applyCollector(c *Collector) {
	o.applyCollectorFunc(c)
}

// WithPools reports the pools of r instead of [mempool.Default]. A nil
// registry disables pool metrics.
func WithPools(r *mempool.Registry) Option {
	return &collectorOptionImpl{func(c *Collector) {
		c.pools = r
	}}
}

// WithMaps reports the maps of r instead of [saferef.Default]. A nil
// registry disables reference map metrics.
func WithMaps(r *saferef.Registry) Option {
	return &collectorOptionImpl{func(c *Collector) {
		c.maps = r
	}}
}

// NewCollector returns a collector whose metric names are prefixed by
// namespace.
func NewCollector(namespace string, opts ...Option) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	c := &Collector{
		pools: mempool.Default,
		maps:  saferef.Default,
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyCollector(c)
		}
	}

	pool := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "pool", name), help, []string{"pool"}, nil)
	}
	c.poolElementSize = pool("element_size_bytes", "Size of each block in the pool.")
	c.poolBlocks = pool("blocks", "Blocks owned by the pool, free or in use.")
	c.poolFree = pool("free_blocks", "Blocks available for allocation.")
	c.poolInUse = pool("in_use", "Blocks currently allocated.")
	c.poolMaxInUse = pool("max_in_use", "High-water mark of allocated blocks.")
	c.poolAllocs = pool("allocs_total", "Successful allocations.")
	c.poolGrowths = pool("growths_total", "Times the pool grew to satisfy an allocation.")

	refMap := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "refmap", name), help, []string{"map"}, nil)
	}
	c.mapExpected = refMap("expected", "Expected number of live references.")
	c.mapLive = refMap("live", "Live references.")
	c.mapMaxLive = refMap("max_live", "High-water mark of live references.")
	c.mapCapacity = refMap("capacity", "Slots allocated for references.")
	c.mapCreated = refMap("created_total", "References created.")
	c.mapRemoved = refMap("removed_total", "References removed.")

	loop := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "loop", name), help, []string{"loop", "id"}, nil)
	}
	c.loopState = loop("state", "Loop state (0=awake, 1=terminated, 2=sleeping, 3=running, 4=terminating).")
	c.loopQueued = loop("queued", "Units waiting to run.")
	c.loopFDs = loop("fds", "Registered file descriptors.")
	c.loopHandlers = loop("handlers", "Event handlers owned by the loop.")
	c.loopProcessed = loop("processed_total", "Units run.")
	c.loopDeliveries = loop("deliveries_total", "Event deliveries run.")
	c.loopFDEvents = loop("fd_events_total", "File descriptor readiness notifications run.")
	c.loopSkipped = loop("skipped_total", "Units skipped because their target was removed.")
	c.loopDropped = loop("dropped_total", "Units discarded at teardown.")
	c.loopPanics = loop("panics_total", "Units that panicked.")

	return c
}

// AddLoop adds loop to the collector. Adding a loop twice has no effect.
func (c *Collector) AddLoop(loop *eventloop.Loop) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !slices.Contains(c.loops, loop) {
		c.loops = append(c.loops, loop)
	}
}

// RemoveLoop stops reporting loop.
func (c *Collector) RemoveLoop(loop *eventloop.Loop) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := slices.Index(c.loops, loop); i >= 0 {
		c.loops = slices.Delete(c.loops, i, i+1)
	}
}

// Describe implements [prometheus.Collector].
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.poolElementSize, c.poolBlocks, c.poolFree, c.poolInUse, c.poolMaxInUse, c.poolAllocs, c.poolGrowths,
		c.mapExpected, c.mapLive, c.mapMaxLive, c.mapCapacity, c.mapCreated, c.mapRemoved,
		c.loopState, c.loopQueued, c.loopFDs, c.loopHandlers, c.loopProcessed, c.loopDeliveries,
		c.loopFDEvents, c.loopSkipped, c.loopDropped, c.loopPanics,
	} {
		ch <- d
	}
}

// Collect implements [prometheus.Collector].
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.collectPools(ch)
	c.collectMaps(ch)
	c.collectLoops(ch)
}

func (c *Collector) collectPools(ch chan<- prometheus.Metric) {
	if c.pools == nil {
		return
	}
	for _, p := range c.pools.Pools() {
		s := p.Stats()
		gauge := func(d *prometheus.Desc, v int) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v), s.Name)
		}
		gauge(c.poolElementSize, s.ElementSize)
		gauge(c.poolBlocks, s.TotalBlocks)
		gauge(c.poolFree, s.FreeBlocks)
		gauge(c.poolInUse, s.InUse)
		gauge(c.poolMaxInUse, s.MaxInUse)
		ch <- prometheus.MustNewConstMetric(c.poolAllocs, prometheus.CounterValue, float64(s.Allocs), s.Name)
		ch <- prometheus.MustNewConstMetric(c.poolGrowths, prometheus.CounterValue, float64(s.Growths), s.Name)
	}
}

// collectMaps sums maps sharing a name, which the registry allows.
func (c *Collector) collectMaps(ch chan<- prometheus.Metric) {
	if c.maps == nil {
		return
	}
	var (
		order  []string
		byName = make(map[string]*saferef.Stats)
	)
	for _, m := range c.maps.Maps() {
		s := m.Stats()
		acc, ok := byName[s.Name]
		if !ok {
			order = append(order, s.Name)
			byName[s.Name] = &s
			continue
		}
		acc.ExpectedCount += s.ExpectedCount
		acc.Live += s.Live
		acc.MaxLive += s.MaxLive
		acc.Capacity += s.Capacity
		acc.Created += s.Created
		acc.Removed += s.Removed
	}
	for _, name := range order {
		s := byName[name]
		gauge := func(d *prometheus.Desc, v int) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v), name)
		}
		gauge(c.mapExpected, s.ExpectedCount)
		gauge(c.mapLive, s.Live)
		gauge(c.mapMaxLive, s.MaxLive)
		gauge(c.mapCapacity, s.Capacity)
		ch <- prometheus.MustNewConstMetric(c.mapCreated, prometheus.CounterValue, float64(s.Created), name)
		ch <- prometheus.MustNewConstMetric(c.mapRemoved, prometheus.CounterValue, float64(s.Removed), name)
	}
}

func (c *Collector) collectLoops(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	loops := slices.Clone(c.loops)
	c.mu.Unlock()

	for _, l := range loops {
		s := l.Stats()
		labels := []string{s.Name, strconv.FormatUint(s.ID, 10)}
		gauge := func(d *prometheus.Desc, v float64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
		}
		counter := func(d *prometheus.Desc, v uint64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
		}
		gauge(c.loopState, float64(s.State))
		gauge(c.loopQueued, float64(s.Queued))
		gauge(c.loopFDs, float64(s.FDs))
		gauge(c.loopHandlers, float64(s.Handlers))
		counter(c.loopProcessed, s.Processed)
		counter(c.loopDeliveries, s.Deliveries)
		counter(c.loopFDEvents, s.FDEvents)
		counter(c.loopSkipped, s.Skipped)
		counter(c.loopDropped, s.Dropped)
		counter(c.loopPanics, s.Panics)
	}
}
