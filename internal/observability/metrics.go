// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 VRCX Plugin System Contributors

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the runtime's Prometheus metrics. Label cardinality is
// bounded: transitions and hook paths come from finite sets the runtime
// declares, never from plugin input.
type Metrics struct {
	ModuleLoads          *prometheus.CounterVec
	LifecycleTransitions *prometheus.CounterVec
	HookCalls            *prometheus.CounterVec
	EventDeliveries      prometheus.Counter
	SettingsSaves        prometheus.Counter
	SettingsCoalesced    prometheus.Counter
}

// NewMetrics creates and registers the runtime metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ModuleLoads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pluginhost_module_loads_total",
				Help: "Total number of module load attempts by outcome",
			},
			[]string{"outcome"},
		),
		LifecycleTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pluginhost_lifecycle_transitions_total",
				Help: "Total number of plugin lifecycle transitions by kind",
			},
			[]string{"transition"},
		),
		HookCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pluginhost_hook_calls_total",
				Help: "Total number of interception point invocations by path",
			},
			[]string{"path"},
		),
		EventDeliveries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pluginhost_event_deliveries_total",
				Help: "Total number of event bus listener deliveries",
			},
		),
		SettingsSaves: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pluginhost_settings_saves_total",
				Help: "Total number of settings documents written to disk",
			},
		),
		SettingsCoalesced: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pluginhost_settings_saves_coalesced_total",
				Help: "Total number of save requests absorbed by an in-flight save",
			},
		),
	}

	reg.MustRegister(
		m.ModuleLoads,
		m.LifecycleTransitions,
		m.HookCalls,
		m.EventDeliveries,
		m.SettingsSaves,
		m.SettingsCoalesced,
	)

	return m
}
