/*
Package nfvi is the client layer between the engine and the platform
services it orchestrates: system inventory, maintenance, fault management,
the software manager, compute and kubernetes.

Every call returns a Response rather than an error:

	resp := client.Infrastructure.LockHost(ctx, host.UUID, false)
	if !resp.Completed {
		// resp.ErrorCode and resp.Reason say why
	}

Calls go through one middleware that applies the per-service rate limit,
the per-call timeout from the nfvi-timeouts configuration and a cached
keystone token. A 401 invalidates the token and the call is retried once
with a fresh one; a second 401 surfaces as ErrorCodeTokenExpired.

Calls block, so code running on the event bus loop issues them through a
Dispatcher, which runs the call elsewhere and posts the callback back to
the loop.
*/
package nfvi
