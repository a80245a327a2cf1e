package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glimte/amqplink/internal/rabbitmq"
)

// StateSource is anything backed by a link: publishers, consumers, RPC
// clients and responders
type StateSource interface {
	State() rabbitmq.State
}

// LinkChecker maps a link's state to a health status. A ready link is
// healthy, a link reconnecting or still setting up is degraded and a stopped
// link is unhealthy.
type LinkChecker struct {
	name   string
	source StateSource
}

// NewLinkChecker creates a checker named name for source
func NewLinkChecker(name string, source StateSource) *LinkChecker {
	return &LinkChecker{name: name, source: source}
}

func (c *LinkChecker) Name() string {
	return c.name
}

func (c *LinkChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	state := c.source.State()

	result := CheckResult{
		Name:      c.name,
		Timestamp: start,
		Details:   map[string]interface{}{"state": state.String()},
	}

	switch state {
	case rabbitmq.StateReady:
		result.Status = StatusHealthy
		result.Message = "link is ready"
	case rabbitmq.StateStopped:
		result.Status = StatusUnhealthy
		result.Message = "link is stopped"
	default:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("link is %s", state)
	}

	result.Duration = time.Since(start)
	return result
}

// StatsSource reports confirmation statistics
type StatsSource interface {
	Stats(ctx context.Context) (rabbitmq.DeliveryStats, error)
}

// ConfirmChecker turns degraded when too many publishes await a broker
// confirmation
type ConfirmChecker struct {
	name       string
	source     StatsSource
	maxPending int
}

// NewConfirmChecker creates a checker that degrades above maxPending
// unconfirmed publishes
func NewConfirmChecker(name string, source StatsSource, maxPending int) *ConfirmChecker {
	return &ConfirmChecker{name: name, source: source, maxPending: maxPending}
}

func (c *ConfirmChecker) Name() string {
	return c.name
}

func (c *ConfirmChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.name,
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	stats, err := c.source.Stats(ctx)
	if errors.Is(err, rabbitmq.ErrLinkStopped) {
		// nothing published since the link last ran; its state is the
		// link checker's concern
		result.Status = StatusHealthy
		result.Message = "publisher not running"
		result.Details["pending"] = 0
		result.Duration = time.Since(start)
		return result
	}
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "failed to read confirmation stats"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Details["acked"] = stats.Acked
	result.Details["nacked"] = stats.Nacked
	result.Details["pending"] = stats.Pending

	if stats.Pending > c.maxPending {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d publishes awaiting confirmation", stats.Pending)
	} else {
		result.Status = StatusHealthy
		result.Message = "confirmations are keeping up"
	}

	result.Duration = time.Since(start)
	return result
}
