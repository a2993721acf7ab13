// Package executor runs strategies.
//
// The Executor owns at most one strategy. Everything it does happens on
// the events bus loop: API calls are marshalled onto the loop with
// Bus.Call, fleet events are offered to the active step, and audit ticks
// poll the active step and enforce its deadline.
//
// A phase is walked with a (stage, step) cursor. Apply either finishes a
// step or leaves it waiting for a callback, an event or a poll. A step
// that does not succeed stops the phase; when the apply phase stops, an
// abort phase is composed from the abort steps of everything that ran
// and executed in its place.
//
// The strategy is written to the store after every material change, so a
// restarted engine resumes at the saved cursor. A step that was waiting
// is applied again and keeps its original deadline.
//
// Lifecycle:
//
//	initial -> building -> ready-to-apply -> applying -> applied
//	              |                             |
//	              v                             v
//	        build-failed               aborting -> aborted
//	                                            -> abort-failed
package executor
