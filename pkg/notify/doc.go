// Package notify implements the host notification channel.
//
// A sender opens a TCP connection and writes one frame: a 4-byte
// big-endian length followed by a JSON Message
//
//	{"version": 1, "notify-type": "host-state-change", "notify-data": {...}}
//
// The server passes notify-data to every Callback registered for the
// notify-type, writes back a Reply framed the same way and closes the
// connection. A message of another version, or of a type nobody
// registered for, is rejected without running any callback.
package notify
