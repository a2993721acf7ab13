package health

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// ListenerChecker reports whether a socket still accepts connections. It
// only dials and hangs up, so one-shot listeners such as the notification
// channel see an empty connection and no message.
type ListenerChecker struct {
	Address string
	Timeout time.Duration
}

// NewListenerChecker creates a checker for a host:port address, or for a
// URL that names its port
func NewListenerChecker(target string) *ListenerChecker {
	return &ListenerChecker{
		Address: dialAddress(target),
		Timeout: 5 * time.Second,
	}
}

func dialAddress(target string) string {
	if !strings.Contains(target, "://") {
		return target
	}
	u, err := url.Parse(target)
	if err != nil || u.Port() == "" {
		return target
	}
	return u.Host
}

func (l *ListenerChecker) Check(ctx context.Context) Result {
	start := time.Now()
	dialer := net.Dialer{Timeout: l.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", l.Address)
	if err != nil {
		return Result{
			Message:   fmt.Sprintf("%s not accepting connections: %v", l.Address, err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	_ = conn.Close()
	return Result{
		Healthy:   true,
		Message:   fmt.Sprintf("%s accepting connections", l.Address),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

func (l *ListenerChecker) Type() CheckType { return CheckTypeTCP }
