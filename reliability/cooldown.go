package reliability

import (
	"strconv"
	"time"

	"github.com/inkforge/pipeline/domain/classify"
)

// CheckCooldown returns a classify.Error of kind cooldown if the
// (project, step) pair has a future next-allowed timestamp, nil otherwise.
func (l *Layer) CheckCooldown(key CooldownKey, now time.Time) *classify.Error {
	entry, ok := l.cooldowns.Get(key)
	if !ok || !now.Before(entry.NextAllowedAt) {
		return nil
	}
	return &classify.Error{
		Kind:          classify.KindCooldown,
		Message:       "step is in cooldown",
		NextAllowedAt: entry.NextAllowedAt,
	}
}

// RecordStepFailure advances the failure streak for a (project, step) pair
// and schedules its next-allowed time per the fixed cooldown schedule
// (spec §4.E "5s, 15s, 1m, 5m, 15m, 1h, 6h, 24h").
func (l *Layer) RecordStepFailure(key CooldownKey, now time.Time) CooldownEntry {
	entry, ok := l.cooldowns.Get(key)
	if !ok {
		entry = &CooldownEntry{}
	}
	entry.FailureStreak++
	entry.NextAllowedAt = now.Add(classify.CooldownDelay(entry.FailureStreak))
	l.cooldowns.Add(key, entry)
	if l.metrics != nil {
		l.metrics.RecordCooldownEntered(l.service, strconv.Itoa(key.StepIndex))
	}
	return *entry
}

// ResetCooldown clears the failure streak for a (project, step) pair after
// a successful run.
func (l *Layer) ResetCooldown(key CooldownKey) {
	l.cooldowns.Remove(key)
}
