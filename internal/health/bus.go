// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"fmt"
	"time"

	"github.com/evergrid/evbus/pkg/evbus"
)

// BusChecker reports the event bus adapter's health as a component check.
// It takes a getter instead of a bus handle because the daemon swaps the
// shared bus on config reload.
type BusChecker struct {
	getBus func() evbus.EventBus
}

// NewBusChecker creates a checker backed by the given bus getter.
func NewBusChecker(getBus func() evbus.EventBus) *BusChecker {
	return &BusChecker{
		getBus: getBus,
	}
}

func (c *BusChecker) Name() string {
	return "bus"
}

func (c *BusChecker) Check(ctx context.Context) CheckResult {
	bus := c.getBus()
	if bus == nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: "bus not created yet",
		}
	}

	h := bus.Health(ctx)
	result := CheckResult{
		Status:  Status(h.Status),
		Message: fmt.Sprintf("%s adapter, uptime %s", h.Adapter, h.Uptime.Round(time.Second)),
	}
	if reason, ok := h.Details["reason"]; ok {
		result.Error = fmt.Sprint(reason)
	}
	return result
}
