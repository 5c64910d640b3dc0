package system

import (
	"context"
	"log/slog"
	"time"

	"github.com/loomworks/fabric/pkg/realm"
	"github.com/loomworks/fabric/pkg/runtime"
	"github.com/loomworks/fabric/pkg/smartcity"
)

// DefaultPurgeInterval is how often the collector sweeps each tenant.
const DefaultPurgeInterval = 15 * time.Minute

// Collector periodically submits purge intents for the configured tenants.
// Each sweep is a real execution: admitted, logged, observable, and
// cancellable like any other intent.
type Collector struct {
	rt       *runtime.Runtime
	tenants  []string
	interval time.Duration
	logger   *slog.Logger
}

// NewCollector builds a collector over the runtime.
func NewCollector(rt *runtime.Runtime, tenants []string, interval time.Duration, logger *slog.Logger) *Collector {
	if interval <= 0 {
		interval = DefaultPurgeInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		rt:       rt,
		tenants:  tenants,
		interval: interval,
		logger:   logger.With("component", "system.collector"),
	}
}

// Run sweeps until the context is cancelled.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

// sweep submits one purge intent per tenant.
func (c *Collector) sweep(ctx context.Context) {
	identity := smartcity.Identity{
		UserID:   "system",
		Roles:    []string{RolePlatformOperator},
		TenantID: "",
	}
	for _, tenantID := range c.tenants {
		identity.TenantID = tenantID
		exec, err := c.rt.Admit(ctx, realm.Intent{
			IntentType: IntentPurgeExpired,
			TenantID:   tenantID,
			UserID:     "system",
		}, &identity)
		if err != nil {
			c.logger.Warn("purge submission failed", "tenant_id", tenantID, "error", err)
			continue
		}
		c.logger.Debug("purge submitted", "tenant_id", tenantID, "execution_id", exec.ExecutionID)
	}
}
