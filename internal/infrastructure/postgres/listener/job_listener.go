// Package listener turns PostgreSQL NOTIFY events into dispatcher wake-ups.
package listener

import (
	"context"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"finsync/internal/shared/logging"
)

const (
	reconnectInterval = 5 * time.Second
	pingInterval      = 90 * time.Second
)

// JobListener signals Wake whenever the jobs channel is notified. Signals
// coalesce: a dispatcher that is busy sees at most one pending wake-up.
type JobListener struct {
	connStr string
	channel string
	wake    chan struct{}
	done    chan struct{}
	log     *logrus.Entry
}

func NewJobListener(connStr, channel string) *JobListener {
	return &JobListener{
		connStr: connStr,
		channel: channel,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		log:     logging.WithComponent("job-listener").WithField("channel", channel),
	}
}

// Wake is readable after at least one notification since the last read.
func (l *JobListener) Wake() <-chan struct{} {
	return l.wake
}

// Start listens until ctx is cancelled.
func (l *JobListener) Start(ctx context.Context) {
	go l.listen(ctx)
	l.log.Info("Job notification listener started")
}

// Done is closed once the listener has stopped.
func (l *JobListener) Done() <-chan struct{} {
	return l.done
}

func (l *JobListener) listen(ctx context.Context) {
	defer close(l.done)

	for {
		l.connectAndListen(ctx)

		select {
		case <-ctx.Done():
			l.log.Info("Job notification listener stopped")
			return
		case <-time.After(reconnectInterval):
			l.log.Info("Reconnecting job notification listener")
		}
	}
}

func (l *JobListener) connectAndListen(ctx context.Context) {
	pl := pq.NewListener(l.connStr, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnected:
			l.log.Debug("Connected to notification channel")
		case pq.ListenerEventDisconnected:
			l.log.WithError(err).Warn("Disconnected from notification channel")
		case pq.ListenerEventReconnected:
			l.log.Info("Reconnected to notification channel")
			l.signal()
		case pq.ListenerEventConnectionAttemptFailed:
			l.log.WithError(err).Warn("Notification channel connection attempt failed")
		}
	})
	defer pl.Close()

	if err := pl.Listen(l.channel); err != nil {
		l.log.WithError(err).Error("Failed to listen on channel")
		return
	}

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case n := <-pl.Notify:
			// nil means the connection dropped; pq reconnects and fires
			// ListenerEventReconnected, which also signals.
			if n != nil {
				l.signal()
			}
		case <-ping.C:
			if err := pl.Ping(); err != nil {
				l.log.WithError(err).Warn("Listener ping failed")
				return
			}
		}
	}
}

func (l *JobListener) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}
