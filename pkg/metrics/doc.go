/*
Package metrics provides Prometheus metrics and the component health
registry for the engine.

Every metric is a package-level variable registered with the default
Prometheus registry at init, so any package can record into it without
plumbing a registry around:

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.NFVIRequestDuration, "sysinv", "get_hosts")

# Metric Families

	Fleet       vim_hosts_total{personality,admin_state}
	            vim_instances_total
	Strategy    vim_strategy_state{kind,state}
	            vim_strategies_completed_total{kind,state}
	            vim_strategy_completion_percentage
	Steps       vim_step_duration_seconds{step}
	            vim_step_results_total{step,result}
	            vim_step_retries_total{step}
	NFVI        vim_nfvi_request_duration_seconds{service,call}
	            vim_nfvi_requests_total{service,call,outcome}
	            vim_token_refreshes_total{outcome}
	Event bus   vim_events_dispatched_total{type}
	            vim_audit_ticks_total
	API         vim_api_requests_total{method,status}
	            vim_api_request_duration_seconds{method}

The fleet gauges are refreshed by a Collector reading the fleet table on
its own ticker; everything else is recorded inline where it happens.

# Health

The health registry tracks named components (store, executor, api,
fleet). A component registers with RegisterComponent and reports changes
with UpdateComponent. GetHealth backs /health: healthy only while every
registered component is. GetReadiness backs /ready: ready once every
critical component (SetCriticalComponents) is registered and healthy.
Readiness listeners (OnReadinessChange) let the gRPC health service follow
readiness without polling.

# Usage

	http.Handle("/metrics", metrics.Handler())

	metrics.RegisterComponent("store", true, "")
	metrics.UpdateComponent("fleet", false, "audit incomplete")
*/
package metrics
