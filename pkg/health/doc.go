/*
Package health probes the platform services the engine calls.

Each configured endpoint (keystone, the per-service endpoint overrides, the
notification listener) gets a Checker. A Monitor probes every target on an
interval and folds the results into a Status: a target turns unreachable
only after Retries consecutive failures, and reachable again on the first
success.

	m := health.NewMonitor(health.Config{Interval: 30 * time.Second, Retries: 3})
	m.Add("keystone", health.NewHTTPChecker("http://controller:5000/v3"))
	m.Add("notify", health.NewListenerChecker("127.0.0.1:30001"))
	m.Start()
	defer m.Stop()

Transitions are logged and written to the metrics component registry as
"endpoint:<name>", so they show on /health. They are not critical
components and never affect /ready.

HTTP probes accept any status below 500: services answer 401 to an
unauthenticated request, which still proves they are serving.
*/
package health
