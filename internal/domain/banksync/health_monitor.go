package banksync

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"finsync/internal/domain/account"
	"finsync/internal/domain/activity"
	"finsync/internal/domain/connection"
	"finsync/internal/domain/notification"
	"finsync/internal/domain/team"
	"finsync/internal/shared/logging"
)

const day = 24 * time.Hour

// Sweep thresholds.
const (
	DisconnectedCooldown    = 3 * day
	ExpiringCooldown        = 7 * day
	DisableAfter            = 30 * day
	DisableMinNotifications = 5
	ExpiringAfter           = 20 * day
	AttentionAfter          = 30 * day
	ExpiryDays              = 30
)

// DisconnectedSweepResult aggregates one disconnected pass.
type DisconnectedSweepResult struct {
	Skipped    bool
	Candidates int
	Notified   int
	Disabled   int
	Failed     int
}

// ExpiringSweepResult aggregates one expiring pass.
type ExpiringSweepResult struct {
	Skipped    bool
	Candidates int
	Notified   int
	Flagged    int
	Failed     int
}

// HealthMonitor runs the daily notification and escalation sweeps.
// Sweeps only act in production.
type HealthMonitor struct {
	connections connection.Repository
	accounts    account.Repository
	teams       team.Repository
	notifier    notification.Dispatcher
	activity    activity.Repository
	production  bool
	log         *logrus.Entry
	now         func() time.Time
}

func NewHealthMonitor(
	connections connection.Repository,
	accounts account.Repository,
	teams team.Repository,
	notifier notification.Dispatcher,
	activityRepo activity.Repository,
	production bool,
) *HealthMonitor {
	return &HealthMonitor{
		connections: connections,
		accounts:    accounts,
		teams:       teams,
		notifier:    notifier,
		activity:    activityRepo,
		production:  production,
		log:         logging.WithComponent("health_monitor"),
		now:         time.Now,
	}
}

// RunDisconnectedSweep notifies connections in the error family at most
// once per cooldown and disables the ones that have been failing for a
// month despite repeated notifications.
func (m *HealthMonitor) RunDisconnectedSweep(ctx context.Context) (*DisconnectedSweepResult, error) {
	if !m.production {
		m.log.Debug("Skipping disconnected sweep outside production")
		return &DisconnectedSweepResult{Skipped: true}, nil
	}

	now := m.now().UTC()
	enabled := true
	notifiedBefore := now.Add(-DisconnectedCooldown)

	conns, err := m.connections.List(ctx, connection.Filter{
		Statuses:       connection.ErrorStatuses,
		Enabled:        &enabled,
		NotifiedBefore: &notifiedBefore,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list disconnected connections: %w", err)
	}

	result := &DisconnectedSweepResult{Candidates: len(conns)}

	for _, c := range conns {
		if connection.NotifiedWithin(c.LastNotifiedAt, now, DisconnectedCooldown) {
			continue
		}
		log := m.log.WithField("connection_id", c.ID)

		data := notificationData(c)
		if c.ErrorMessage != nil {
			data["errorMessage"] = *c.ErrorMessage
		}
		err := m.notifier.Send(ctx, notification.Request{
			Kind:      notification.KindDisconnected,
			Recipient: resolveRecipient(ctx, m.teams, c, log),
			Data:      data,
		})
		if err != nil {
			log.WithError(err).Warn("Failed to send disconnected notification")
			result.Failed++
			continue
		}
		if err := m.connections.MarkNotified(ctx, c.ID, now); err != nil {
			log.WithError(err).Warn("Failed to stamp notification")
			result.Failed++
			continue
		}
		m.record(ctx, c, activity.ActionDisconnectedNotified, map[string]any{
			"status":            string(c.Status),
			"notificationCount": c.NotificationCount + 1,
		}, log)
		result.Notified++
	}

	disabled, failed, err := m.disableAbandoned(ctx, now)
	if err != nil {
		return result, err
	}
	result.Disabled = disabled
	result.Failed += failed

	m.log.WithFields(logrus.Fields{
		"candidates": result.Candidates,
		"notified":   result.Notified,
		"disabled":   result.Disabled,
		"failed":     result.Failed,
	}).Info("Disconnected sweep complete")

	return result, nil
}

func (m *HealthMonitor) disableAbandoned(ctx context.Context, now time.Time) (int, int, error) {
	enabled := true
	errorSince := now.Add(-DisableAfter)

	conns, err := m.connections.List(ctx, connection.Filter{
		Statuses:             connection.ErrorStatuses,
		Enabled:              &enabled,
		ErrorSinceBefore:     &errorSince,
		MinNotificationCount: DisableMinNotifications,
	})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list abandoned connections: %w", err)
	}

	disabled, failed := 0, 0
	for _, c := range conns {
		if c.ErrorSince == nil || c.ErrorSince.After(errorSince) || c.NotificationCount < DisableMinNotifications {
			continue
		}
		log := m.log.WithField("connection_id", c.ID)

		days := int(now.Sub(*c.ErrorSince) / day)
		upd, err := c.Transition(connection.StatusDisconnected, fmt.Sprintf("disabled after %d days in error", days), now)
		if err != nil {
			log.WithError(err).Warn("Cannot disable connection")
			failed++
			continue
		}
		// Accounts go first: a connection still enabled is picked up again
		// by the next sweep, a disabled one is not.
		n, err := m.accounts.DisableByConnection(ctx, c.ID)
		if err != nil {
			log.WithError(err).Warn("Failed to disable accounts")
			failed++
			continue
		}

		off := false
		upd.Enabled = &off
		if err := m.connections.UpdateStatus(ctx, c.ID, upd); err != nil {
			log.WithError(err).Warn("Failed to disable connection")
			failed++
			continue
		}

		m.record(ctx, c, activity.ActionDisabled, map[string]any{
			"previousStatus":    string(c.Status),
			"daysInError":       days,
			"notificationCount": c.NotificationCount,
			"accountsDisabled":  n,
		}, log)
		disabled++
	}
	return disabled, failed, nil
}

// RunExpiringSweep warns users about connections nobody has used for a
// while and flags the ones past the expiry window.
func (m *HealthMonitor) RunExpiringSweep(ctx context.Context) (*ExpiringSweepResult, error) {
	if !m.production {
		m.log.Debug("Skipping expiring sweep outside production")
		return &ExpiringSweepResult{Skipped: true}, nil
	}

	now := m.now().UTC()
	enabled := true
	accessedBefore := now.Add(-ExpiringAfter)
	notifiedBefore := now.Add(-ExpiringCooldown)

	conns, err := m.connections.List(ctx, connection.Filter{
		Statuses:             []connection.Status{connection.StatusActive},
		Enabled:              &enabled,
		AccessedBefore:       &accessedBefore,
		ExpiryNotifiedBefore: &notifiedBefore,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring connections: %w", err)
	}

	result := &ExpiringSweepResult{Candidates: len(conns)}

	for _, c := range conns {
		if c.LastAccessedAt == nil || connection.NotifiedWithin(c.LastExpiryNotifiedAt, now, ExpiringCooldown) {
			continue
		}
		log := m.log.WithField("connection_id", c.ID)

		daysInactive, daysUntilExpiry := ExpiryMetrics(*c.LastAccessedAt, now)
		data := notificationData(c)
		data["daysInactive"] = strconv.Itoa(daysInactive)
		data["daysUntilExpiry"] = strconv.Itoa(daysUntilExpiry)

		err := m.notifier.Send(ctx, notification.Request{
			Kind:      notification.KindExpiring,
			Recipient: resolveRecipient(ctx, m.teams, c, log),
			Data:      data,
		})
		if err != nil {
			log.WithError(err).Warn("Failed to send expiring notification")
			result.Failed++
			continue
		}
		if err := m.connections.MarkExpiryNotified(ctx, c.ID, now); err != nil {
			log.WithError(err).Warn("Failed to stamp expiry notification")
			result.Failed++
			continue
		}
		m.record(ctx, c, activity.ActionExpiringNotified, map[string]any{
			"daysInactive":    daysInactive,
			"daysUntilExpiry": daysUntilExpiry,
		}, log)
		result.Notified++
	}

	flagged, failed, err := m.flagInactive(ctx, now)
	if err != nil {
		return result, err
	}
	result.Flagged = flagged
	result.Failed += failed

	m.log.WithFields(logrus.Fields{
		"candidates": result.Candidates,
		"notified":   result.Notified,
		"flagged":    result.Flagged,
		"failed":     result.Failed,
	}).Info("Expiring sweep complete")

	return result, nil
}

func (m *HealthMonitor) flagInactive(ctx context.Context, now time.Time) (int, int, error) {
	enabled := true
	accessedBefore := now.Add(-AttentionAfter)

	conns, err := m.connections.List(ctx, connection.Filter{
		Statuses:       []connection.Status{connection.StatusActive},
		Enabled:        &enabled,
		AccessedBefore: &accessedBefore,
	})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list inactive connections: %w", err)
	}

	flagged, failed := 0, 0
	for _, c := range conns {
		if c.LastAccessedAt == nil || now.Sub(*c.LastAccessedAt) < AttentionAfter {
			continue
		}
		log := m.log.WithField("connection_id", c.ID)

		daysInactive, _ := ExpiryMetrics(*c.LastAccessedAt, now)
		upd, err := c.Transition(connection.StatusRequiresAttention, fmt.Sprintf("inactive for %d days", daysInactive), now)
		if err != nil {
			log.WithError(err).Warn("Cannot flag connection")
			failed++
			continue
		}
		upd.CheckedAt = &now
		if err := m.connections.UpdateStatus(ctx, c.ID, upd); err != nil {
			log.WithError(err).Warn("Failed to flag connection")
			failed++
			continue
		}

		m.record(ctx, c, activity.ActionFlaggedAttention, map[string]any{"daysInactive": daysInactive}, log)
		flagged++
	}
	return flagged, failed, nil
}

// ExpiryMetrics returns whole days since lastAccessed and the days left in
// the expiry window, floored at zero.
func ExpiryMetrics(lastAccessed, now time.Time) (daysInactive, daysUntilExpiry int) {
	daysInactive = int(now.Sub(lastAccessed) / day)
	daysUntilExpiry = max(0, ExpiryDays-daysInactive)
	return daysInactive, daysUntilExpiry
}

func (m *HealthMonitor) record(ctx context.Context, c *connection.Connection, action string, metadata map[string]any, log *logrus.Entry) {
	if !c.HasTeam() {
		return
	}
	err := m.activity.Append(ctx, activity.Entry{
		TeamID:       *c.TeamID,
		ConnectionID: c.ID,
		Action:       action,
		Metadata:     metadata,
	})
	if err != nil {
		log.WithError(err).Warn("Failed to write activity entry")
	}
}
