// USB device-side protocol stack
// https://github.com/f-secure-foundry/usbcore
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package usbcore

import "github.com/prometheus/client_golang/prometheus"

// MetricsDriver is an optional FunctionDriver that exposes bus activity as
// Prometheus counters and gauges: SOF ticks, bus resets, suspend/resume
// transitions and SET_CONFIGURATION requests. It demonstrates a second,
// real function driver exercising the dispatch chain's all-notified hooks
// (on_sof, on_bus_reset, on_state_change, on_set_conf) alongside the
// standard-request driver, without implementing any particular USB class.
type MetricsDriver struct {
	sofTotal      prometheus.Counter
	busResetTotal prometheus.Counter
	suspendTotal  prometheus.Counter
	resumeTotal   prometheus.Counter
	setConfTotal  prometheus.Counter
	state         prometheus.Gauge

	suspended bool
}

// NewMetricsDriver registers its metrics on reg (e.g.
// prometheus.DefaultRegisterer) and returns the FunctionDriver to pass to
// Core.RegisterFunctionDriver.
func NewMetricsDriver(reg prometheus.Registerer) (*FunctionDriver, error) {
	m := &MetricsDriver{
		sofTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "usbcore",
			Name:      "sof_total",
			Help:      "Total number of start-of-frame ticks observed.",
		}),
		busResetTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "usbcore",
			Name:      "bus_reset_total",
			Help:      "Total number of bus resets observed.",
		}),
		suspendTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "usbcore",
			Name:      "suspend_total",
			Help:      "Total number of transitions into the suspended state.",
		}),
		resumeTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "usbcore",
			Name:      "resume_total",
			Help:      "Total number of transitions out of the suspended state.",
		}),
		setConfTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "usbcore",
			Name:      "set_configuration_total",
			Help:      "Total number of SET_CONFIGURATION requests observed.",
		}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "usbcore",
			Name:      "state",
			Help:      "Current device state, as the State enum's integer value.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.sofTotal, m.busResetTotal, m.suspendTotal, m.resumeTotal,
		m.setConfTotal, m.state,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return &FunctionDriver{
		Name:          "metrics",
		OnSOF:         m.onSOF,
		OnBusReset:    m.onBusReset,
		OnStateChange: m.onStateChange,
		OnSetConfiguration: func(conf *ConfigurationDescriptor) Result {
			return m.onSetConfiguration(conf)
		},
	}, nil
}

func (m *MetricsDriver) onSOF() {
	m.sofTotal.Inc()
}

func (m *MetricsDriver) onBusReset() {
	m.busResetTotal.Inc()
}

func (m *MetricsDriver) onStateChange(state State) {
	m.state.Set(float64(state))

	if state == StateSuspended {
		m.suspendTotal.Inc()
		m.suspended = true
	} else if m.suspended {
		m.resumeTotal.Inc()
		m.suspended = false
	}
}

// onSetConfiguration only counts the request: it never itself claims
// endpoints, so it always reports Continue (recorded as Success for
// counting purposes since it never fails).
func (m *MetricsDriver) onSetConfiguration(conf *ConfigurationDescriptor) Result {
	m.setConfTotal.Inc()
	return Continue
}
