package main

import (
	"testing"
	"time"

	"finsync/internal/domain/job"
	"finsync/internal/shared/config"
)

func TestScheduleEntries(t *testing.T) {
	cfg := &config.Config{
		Scheduler: config.SchedulerConfig{
			HealthSweepTimes:    []string{"09:00"},
			BalanceRefreshTimes: []string{"06:00", "18:00"},
			ScheduleTickEvery:   time.Minute,
		},
	}

	entries := scheduleEntries(cfg)

	want := []job.Kind{job.KindHealthDisconnected, job.KindBalanceRefresh, job.KindScheduleTick}
	if len(entries) != len(want) {
		t.Fatalf("got %d entries, want %d", len(entries), len(want))
	}
	for i, kind := range want {
		if entries[i].Kind != kind {
			t.Errorf("entries[%d].Kind = %s, want %s", i, entries[i].Kind, kind)
		}
	}
	if entries[2].Every != time.Minute {
		t.Errorf("tick interval = %s, want 1m", entries[2].Every)
	}
}

func TestScheduleEntries_NoTick(t *testing.T) {
	cfg := &config.Config{
		Scheduler: config.SchedulerConfig{HealthSweepTimes: []string{"09:00"}},
	}
	for _, e := range scheduleEntries(cfg) {
		if e.Kind == job.KindScheduleTick {
			t.Error("schedule.tick should be omitted when interval is zero")
		}
	}
}
