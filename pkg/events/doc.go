/*
Package events is the engine's single logical scheduler.

Fleet change notifications (from the REST plugin surface, the notification
listener and the fleet auditor), NFVI completion continuations and periodic
audit ticks all enter one queue and are run in arrival order by one loop
goroutine:

	 REST / notify / auditor      NFVI helper goroutines      ticker
	          │                            │                     │
	       Publish(e)                   Post(fn)               Tick()
	          └──────────────┬─────────────┴─────────────────────┘
	                         ▼
	                ┌─────────────────┐
	                │   queue (FIFO)  │
	                └────────┬────────┘
	                         ▼
	                    loop goroutine
	            handlers in registration order:
	            fleet table first, executor second

Because every handler, tick handler and continuation runs on the loop, the
fleet table and the active strategy are single-writer and need no locks
across suspension points. Code running on the loop must never block on the
loop (Call from inside a handler deadlocks).

# Usage

	bus := events.NewBus(10 * time.Second)
	bus.Subscribe(fleetTable.HandleEvent)
	bus.Subscribe(exec.HandleEvent)
	bus.OnTick(exec.HandleTick)
	bus.Start()
	defer bus.Stop()

	bus.Publish(&events.Event{Type: events.EventHostStateChanged, Host: h})
*/
package events
