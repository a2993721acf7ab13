/*
Package api serves the engine's inbound interfaces.

Three route groups share one gin engine:

	/nfvi-plugins/v1/hosts       host notifications from the platform
	/nfvi-plugins/v1/sw-update   is an update strategy running
	/api/orchestration/...       strategy create, show, apply, abort, delete

plus /health, /ready, /live and /metrics.

# Host notifications

GET, PATCH, POST and DELETE on /nfvi-plugins/v1/hosts carry a HostRequest.
PATCH accepts exactly one of an action (lock, unlock, force-lock), a
state-change or an upgrade block. Every listener registered in Hooks for
the matching Hook is told first; any listener returning false vetoes the
notification and the response is 400. Accepted notifications are published
to the bus as host events and applied to the fleet table by its handler.

	200  accepted
	204  accepted, nothing to return
	400  malformed, unknown host or vetoed

# Orchestration

	POST   /api/orchestration/{kind}/strategy          body: strategy.Intent
	GET    /api/orchestration/{kind}/strategy
	DELETE /api/orchestration/{kind}/strategy?force=true
	POST   /api/orchestration/{kind}/strategy/actions  {"action":"apply","stage-id":0}
	GET    /api/orchestration/history

Errors map to 400 (invalid intent), 404 (no strategy), 409 (strategy
exists, action not allowed) and 503 (engine stopping).

# gRPC health

GRPCHealth serves grpc.health.v1 on its own listener. Its status is
SERVING while metrics.IsReady holds and NOT_SERVING otherwise.
*/
package api
