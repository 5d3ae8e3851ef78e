package main

import (
	"time"

	"github.com/autoweaved/autoweaved/internal/boundary"
	"github.com/autoweaved/autoweaved/internal/db"
	"github.com/autoweaved/autoweaved/internal/enforcer"
	"github.com/autoweaved/autoweaved/internal/eventbus"
	"github.com/autoweaved/autoweaved/internal/logger"
)

// persistAuditAndViolations flushes the Security Boundary's in-memory
// audit ring to the plugin registry on a fixed interval, and records every
// limit-violation/plugin-blocked event the bus delivers. Both are capped,
// in-memory-only signals elsewhere in the process; this is the only place
// they survive a restart.
func persistAuditAndViolations(bus *eventbus.Bus, b *boundary.Boundary, database *db.Database, flushInterval time.Duration, done <-chan struct{}) {
	log := logger.Lifecycle()

	violations := bus.Subscribe(enforcer.EventLimitViolation)
	blocked := bus.Subscribe(eventbus.PluginBlocked)
	defer bus.Unsubscribe(violations)
	defer bus.Unsubscribe(blocked)

	var lastFlush time.Time
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	flush := func() {
		entries := b.AuditLog("", 0)
		var fresh []db.AuditRecord
		for _, e := range entries {
			if !e.Timestamp.After(lastFlush) {
				continue
			}
			fresh = append(fresh, db.AuditRecord{
				PluginID:  e.PluginID,
				ChannelID: e.ChannelID,
				Direction: string(e.Direction),
				Type:      e.Type,
				Size:      e.Size,
				Timestamp: e.Timestamp,
			})
		}
		lastFlush = time.Now()
		if len(fresh) == 0 {
			return
		}
		if err := database.AppendAuditLog(fresh); err != nil {
			log.Error().Err(err).Msg("failed to flush audit log")
		}
	}

	for {
		select {
		case <-done:
			flush()
			return
		case <-ticker.C:
			flush()
		case ev, ok := <-violations.Events():
			if !ok {
				continue
			}
			pluginID, _ := ev.Fields["pluginId"].(string)
			severity, _ := ev.Fields["severity"].(string)
			reason, _ := ev.Fields["reason"].(string)
			if err := database.RecordViolation(pluginID, severity, reason); err != nil {
				log.Error().Err(err).Msg("failed to record violation")
			}
		case ev, ok := <-blocked.Events():
			if !ok {
				continue
			}
			pluginID, _ := ev.Fields["pluginId"].(string)
			reason, _ := ev.Fields["reason"].(string)
			if err := database.RecordViolation(pluginID, "critical", reason); err != nil {
				log.Error().Err(err).Msg("failed to record plugin-blocked violation")
			}
		}
	}
}
