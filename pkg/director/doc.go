// Package director issues the state-changing NFVI calls of the engine.
//
// Each verb takes a set of host names or instance uuids, resolves them in
// the fleet table, sends one request per entity through the dispatcher
// and returns an Operation. The Done callback runs on the bus loop once
// every request has been answered. A completed operation means the
// backends accepted the requests; steps confirm the effect through the
// fleet table, which the director refreshes after each accepted request.
package director
