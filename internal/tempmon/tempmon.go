// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package tempmon is a temperature monitoring service built on the runtime.
//
// Clients request sensors by name and get back a [SensorRef]. While
// monitoring, the service samples every requested sensor on a timer and
// reports threshold crossings, through a reference counted event, to every
// handler added with [Service.AddThresholdHandler].
//
// Thresholds are named. A name starting with "HI_" is crossed when the
// temperature rises to or above it, one starting with "LO_" when it falls to
// or below it. A crossing is reported once, and again only after the
// temperature has returned inside the threshold.
package tempmon

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/joeycumines/go-devrt/diag"
	"github.com/joeycumines/go-devrt/eventloop"
	"github.com/joeycumines/go-devrt/mempool"
	"github.com/joeycumines/go-devrt/saferef"
	"github.com/joeycumines/go-devrt/timer"
	"github.com/joeycumines/logiface"
)

const component = "tempmon"

const (
	// MaxSensors is the expected number of requested sensors.
	MaxSensors = 10

	// MaxNameLen bounds sensor and threshold names, in bytes.
	MaxNameLen = 99

	// DefaultPollInterval is the sampling interval unless configured.
	DefaultPollInterval = time.Second
)

var (
	// ErrUnknownSensor is returned when requesting a sensor the source does
	// not have.
	ErrUnknownSensor = errors.New("tempmon: unknown sensor")

	// ErrInvalidName is returned for empty, over-long, or (for thresholds)
	// unprefixed names.
	ErrInvalidName = errors.New("tempmon: invalid name")

	// ErrNoThreshold is returned when reading a threshold that was never set.
	ErrNoThreshold = errors.New("tempmon: threshold not set")

	// ErrMonitoring is returned when starting monitoring that is already
	// started.
	ErrMonitoring = errors.New("tempmon: already monitoring")
)

type (
	// Source is the platform adaptor sensors are read through.
	Source interface {
		// Lookup reports whether the source has the named sensor.
		Lookup(name string) bool
		// Temperature returns the sensor's temperature, in degrees Celsius.
		Temperature(name string) (int32, error)
	}

	// SensorRef is an opaque reference to a requested sensor.
	SensorRef saferef.Ref

	// HandlerRef is an opaque reference to a threshold handler.
	HandlerRef eventloop.HandlerRef

	// ThresholdHandler is called, on the loop it was added for, each time a
	// threshold is crossed.
	ThresholdHandler func(sensor SensorRef, threshold string, celsius int32, ctx any)

	// Service monitors temperature sensors. It belongs to the loop it was
	// created on; the monitoring methods must be called from that loop. The
	// other methods are safe for concurrent use.
	Service struct {
		loop    *eventloop.Loop
		source  Source
		logger  *logiface.Logger[diag.Event]
		sensors *saferef.Map[*mempool.Object[sensor]]
		byName  map[string]*mempool.Object[sensor]
		events  *eventloop.EventID
		poll    *timer.Timer
		mu      sync.Mutex
	}

	// Option configures a Service.
	Option interface {
		applyService(*serviceOptions) error
	}

	serviceOptions struct {
		logger       *logiface.Logger[diag.Event]
		registry     *saferef.Registry
		pollInterval time.Duration
	}

	serviceOptionImpl struct {
		applyServiceFunc func(*serviceOptions) error
	}

	sensor struct {
		svc        *Service
		thresholds map[string]int32
		crossed    map[string]bool
		name       string
		ref        SensorRef
	}

	report struct {
		threshold string
		sensor    SensorRef
		celsius   int32
	}
)

var (
	sensorPool = mempool.MustNew[sensor](nil, "tempmon.Sensor",
		mempool.WithDestructor(func(s *sensor) { s.svc.forget(s) }))
	reportPool = mempool.MustNew[report](nil, "tempmon.ThresholdReport")
)

func (o *serviceOptionImpl) applyService(opts *serviceOptions) error {
	return o.applyServiceFunc(opts)
}

// WithPollInterval sets the sampling interval.
func WithPollInterval(d time.Duration) Option {
	return &serviceOptionImpl{func(opts *serviceOptions) error {
		if d <= 0 {
			return fmt.Errorf("tempmon: poll interval must be positive, got %v", d)
		}
		opts.pollInterval = d
		return nil
	}}
}

// WithLogger sets the service's logger. Defaults to the diag logger.
func WithLogger(logger *logiface.Logger[diag.Event]) Option {
	return &serviceOptionImpl{func(opts *serviceOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithRegistry registers the sensor reference map in r, instead of
// [saferef.Default].
func WithRegistry(r *saferef.Registry) Option {
	return &serviceOptionImpl{func(opts *serviceOptions) error {
		opts.registry = r
		return nil
	}}
}

// New creates a service reading source, owned by loop. It must be called on
// loop, or before loop runs.
func New(loop *eventloop.Loop, source Source, opts ...Option) (*Service, error) {
	if source == nil {
		diag.Fatalf(component, "nil source")
	}
	cfg := &serviceOptions{
		registry:     saferef.Default,
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyService(cfg); err != nil {
			return nil, err
		}
	}

	s := &Service{
		loop:    loop,
		source:  source,
		logger:  cfg.logger,
		sensors: saferef.CreateMap[*mempool.Object[sensor]]("tempmon.sensors", MaxSensors, saferef.WithRegistry(cfg.registry)),
		byName:  make(map[string]*mempool.Object[sensor]),
		events:  eventloop.CreateEventIDWithRefCounting("tempmon.threshold"),
		poll:    timer.New(loop, "tempmon.poll"),
	}
	if err := s.poll.SetInterval(cfg.pollInterval); err != nil {
		return nil, err
	}
	if err := s.poll.SetRepeat(0); err != nil {
		return nil, err
	}
	if err := s.poll.SetHandler(func(*timer.Timer) { s.sample() }); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) log() *logiface.Logger[diag.Event] {
	if s.logger != nil {
		return s.logger
	}
	return diag.Logger()
}

// Loop returns the service's loop.
func (s *Service) Loop() *eventloop.Loop { return s.loop }

// Request returns a reference to the named sensor. Requesting a sensor
// already requested returns the same reference, which must then be released
// once more.
func (s *Service) Request(name string) (SensorRef, error) {
	if err := checkName(name); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if obj, ok := s.byName[name]; ok {
		obj.AddRef()
		return obj.Ptr().ref, nil
	}
	if !s.source.Lookup(name) {
		return 0, fmt.Errorf("%w: %q", ErrUnknownSensor, name)
	}
	obj := sensorPool.Alloc()
	v := obj.Ptr()
	v.svc = s
	v.name = name
	v.thresholds = make(map[string]int32)
	v.crossed = make(map[string]bool)
	v.ref = SensorRef(s.sensors.CreateRef(obj))
	s.byName[name] = obj
	s.log().Debug().
		Str("sensor", name).
		Str("ref", saferef.Ref(v.ref).String()).
		Log("tempmon: sensor requested")
	return v.ref, nil
}

// Release drops a reference obtained from Request. The sensor is forgotten
// once every request is released. An invalid reference is fatal.
func (s *Service) Release(ref SensorRef) {
	obj := s.lookup(ref, "release")
	s.mu.Lock()
	defer s.mu.Unlock()
	obj.Release()
}

// forget is the sensor destructor, called with mu held.
func (s *Service) forget(v *sensor) {
	delete(s.byName, v.name)
	s.sensors.Remove(saferef.Ref(v.ref))
}

func (s *Service) lookup(ref SensorRef, op string) *mempool.Object[sensor] {
	obj, ok := s.sensors.Lookup(saferef.Ref(ref))
	if !ok {
		diag.Fatalf(component, "%s: invalid sensor reference %v", op, saferef.Ref(ref))
	}
	return obj
}

// SensorName returns the name the sensor was requested by.
func (s *Service) SensorName(ref SensorRef) string {
	return s.lookup(ref, "sensor name").Ptr().name
}

// Temperature reads the sensor, in degrees Celsius.
func (s *Service) Temperature(ref SensorRef) (int32, error) {
	name := s.SensorName(ref)
	return s.source.Temperature(name)
}

// SetThreshold sets, or replaces, the named threshold. A replaced threshold
// may be reported again.
func (s *Service) SetThreshold(ref SensorRef, threshold string, celsius int32) error {
	if err := checkThresholdName(threshold); err != nil {
		return err
	}
	v := s.lookup(ref, "set threshold").Ptr()
	s.mu.Lock()
	defer s.mu.Unlock()
	v.thresholds[threshold] = celsius
	delete(v.crossed, threshold)
	return nil
}

// Threshold returns the named threshold.
func (s *Service) Threshold(ref SensorRef, threshold string) (int32, error) {
	if err := checkThresholdName(threshold); err != nil {
		return 0, err
	}
	v := s.lookup(ref, "threshold").Ptr()
	s.mu.Lock()
	defer s.mu.Unlock()
	celsius, ok := v.thresholds[threshold]
	if !ok {
		return 0, fmt.Errorf("%w: %q on %q", ErrNoThreshold, threshold, v.name)
	}
	return celsius, nil
}

// AddThresholdHandler registers fn, called on loop with ctx for every
// threshold crossing. A nil fn is fatal.
func (s *Service) AddThresholdHandler(loop *eventloop.Loop, fn ThresholdHandler, ctx any) HandlerRef {
	if fn == nil {
		diag.Fatalf(component, "nil threshold handler")
	}
	ref := eventloop.AddLayeredHandler(loop, s.events, dispatchThreshold, fn)
	eventloop.SetContext(ref, ctx)
	return HandlerRef(ref)
}

// RemoveThresholdHandler unregisters a handler added by AddThresholdHandler.
func (s *Service) RemoveThresholdHandler(ref HandlerRef) {
	eventloop.RemoveHandler(eventloop.HandlerRef(ref))
}

func dispatchThreshold(payload, secondLayer, ctx any) {
	r := payload.(*mempool.Object[report]).Ptr()
	secondLayer.(ThresholdHandler)(r.sensor, r.threshold, r.celsius, ctx)
}

// StartMonitoring starts sampling the requested sensors.
func (s *Service) StartMonitoring() error {
	if s.poll.IsRunning() {
		return ErrMonitoring
	}
	s.poll.Start()
	s.log().Info().
		Str("loop", s.loop.Name()).
		Dur("interval", s.poll.Interval()).
		Log("tempmon: monitoring started")
	return nil
}

// StopMonitoring stops sampling. Stopping twice has no effect.
func (s *Service) StopMonitoring() {
	s.poll.Stop()
}

// Monitoring reports whether sampling is started.
func (s *Service) Monitoring() bool { return s.poll.IsRunning() }

// Close stops monitoring and deletes the polling timer. Requested sensors
// remain valid.
func (s *Service) Close() {
	s.poll.Delete()
}

// sample reads every sensor, reporting the thresholds newly crossed.
func (s *Service) sample() {
	type reading struct {
		obj     *mempool.Object[sensor]
		celsius int32
	}
	s.mu.Lock()
	var held []*mempool.Object[sensor]
	for _, obj := range s.sensors.All() {
		obj.AddRef()
		held = append(held, obj)
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, obj := range held {
			obj.Release()
		}
	}()

	var readings []reading
	for _, obj := range held {
		v := obj.Ptr()
		celsius, err := s.source.Temperature(v.name)
		if err != nil {
			diag.Warn(s).
				Str("sensor", v.name).
				Err(err).
				Log("tempmon: read failed")
			continue
		}
		readings = append(readings, reading{obj: obj, celsius: celsius})
	}

	var reports []*mempool.Object[report]
	s.mu.Lock()
	for _, rd := range readings {
		v := rd.obj.Ptr()
		names := make([]string, 0, len(v.thresholds))
		for name := range v.thresholds {
			names = append(names, name)
		}
		slices.Sort(names)
		for _, name := range names {
			crossed := isCrossed(name, v.thresholds[name], rd.celsius)
			if crossed == v.crossed[name] {
				continue
			}
			v.crossed[name] = crossed
			if !crossed {
				continue
			}
			obj := reportPool.Alloc()
			*obj.Ptr() = report{threshold: name, sensor: v.ref, celsius: rd.celsius}
			reports = append(reports, obj)
		}
	}
	s.mu.Unlock()

	for _, obj := range reports {
		r := obj.Ptr()
		s.log().Info().
			Str("threshold", r.threshold).
			Int64("celsius", int64(r.celsius)).
			Str("sensor", saferef.Ref(r.sensor).String()).
			Log("tempmon: threshold crossed")
		eventloop.ReportWithRefCounting(s.events, obj)
	}
}

func isCrossed(name string, threshold, celsius int32) bool {
	if strings.HasPrefix(name, "LO_") {
		return celsius <= threshold
	}
	return celsius >= threshold
}

func checkName(name string) error {
	if name == "" || len(name) > MaxNameLen {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

func checkThresholdName(name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	if !strings.HasPrefix(name, "HI_") && !strings.HasPrefix(name, "LO_") {
		return fmt.Errorf("%w: threshold %q must start with HI_ or LO_", ErrInvalidName, name)
	}
	return nil
}
