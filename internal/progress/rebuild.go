package progress

import (
	"go.uber.org/zap"

	"github.com/chmlfrp/frplauncher/internal/tunnel"
)

// Rebuild derives per-tunnel progress from a buffered record sequence. For
// each tunnel the newest milestone other than RemoteDuplicate wins. Tunnels
// with no spawn line at or before that milestone are left out, as live
// processing ignores their records. A rebuilt success carries no flash.
func Rebuild(records []tunnel.LogRecord) map[tunnel.Key]tunnel.Progress {
	byKey := make(map[tunnel.Key][]string)
	for _, rec := range records {
		k := rec.Key()
		byKey[k] = append(byKey[k], rec.Message)
	}

	out := make(map[tunnel.Key]tunnel.Progress, len(byKey))
	for key, messages := range byKey {
		newest := -1
		var found Milestone
		for i := len(messages) - 1; i >= 0; i-- {
			m, ok := Classify(messages[i])
			if !ok || m == RemoteDuplicate {
				continue
			}
			if newest < 0 {
				newest, found = i, m
			}
			if m == ProcessSpawned {
				out[key] = tunnel.Progress{Percent: found.Percent()}
				break
			}
		}
	}
	return out
}

// Restore installs the rebuilt state into the store. Tunnels that are not
// running are reset to zero; running ones join the running set and, when
// their start had not finished, get a fresh stall timer.
func (e *Engine) Restore(records []tunnel.LogRecord, running []tunnel.Key) {
	isRunning := make(map[tunnel.Key]struct{}, len(running))
	for _, k := range running {
		isRunning[k] = struct{}{}
	}

	rebuilt := Rebuild(records)
	for key, p := range rebuilt {
		if _, ok := isRunning[key]; !ok {
			e.store.ResetProgress(key)
			continue
		}
		e.store.Restore(key, p)
		if entry, ok := e.store.Entry(key); ok && entry.Percent < 100 {
			e.armStall(key, entry.Attempt)
		}
	}
	for _, key := range running {
		e.store.AddRunning(key)
	}

	e.logger.Info("Restored tunnel progress from log buffer",
		zap.Int("records", len(records)),
		zap.Int("tunnels", len(rebuilt)),
		zap.Int("running", len(running)))
}
