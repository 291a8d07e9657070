// Package banksync implements the connection synchronization pipeline:
// health checks and account fan-out, per-account refresh, transaction
// ingestion, recovery, health sweeps and balance refresh.
//
// Every entry point is invoked by a job handler and is safe to retry.
// Nothing here sleeps; delays are expressed as delayed jobs.
package banksync

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"finsync/internal/domain/connection"
	"finsync/internal/domain/notification"
	"finsync/internal/domain/team"
)

// Fan-out spacing between account jobs of one connection.
const (
	ManualStagger = 2 * time.Second
	AutoStagger   = 30 * time.Second
)

// StaggerDelay is the dispatch delay of the index-th account job.
func StaggerDelay(index int, manual bool) time.Duration {
	if manual {
		return time.Duration(index) * ManualStagger
	}
	return time.Duration(index) * AutoStagger
}

func lockKey(connectionID string) string {
	return "finsync:connection:" + connectionID
}

// resolveRecipient addresses a notification about c to the connection's
// user and the owning team's contact email.
func resolveRecipient(ctx context.Context, teams team.Repository, c *connection.Connection, log *logrus.Entry) notification.Recipient {
	r := notification.Recipient{UserID: c.UserID}
	if !c.HasTeam() {
		return r
	}
	r.TeamID = *c.TeamID
	t, err := teams.GetByID(ctx, *c.TeamID)
	if err != nil {
		log.WithError(err).WithField("team_id", *c.TeamID).Warn("Failed to load team for notification")
		return r
	}
	r.Email = t.Email
	r.Name = t.Name
	return r
}

func notificationData(c *connection.Connection) map[string]string {
	return map[string]string{
		"connectionId":    c.ID,
		"provider":        string(c.Provider),
		"institutionName": c.DisplayName(),
		"status":          string(c.Status),
	}
}
