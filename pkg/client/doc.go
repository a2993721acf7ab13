// Package client is the HTTP client the vim CLI uses to drive the
// orchestration API of a running engine.
//
//	c, err := client.NewClient("127.0.0.1:4545")
//	s, err := c.CreateStrategy(ctx, strategy.KindFwUpdate, strategy.Intent{})
//	s, err = c.ApplyStrategy(ctx, strategy.KindFwUpdate, nil)
//
// Non-2xx responses come back as *APIError carrying the status code and
// the engine's error message.
package client
