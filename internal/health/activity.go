// Package health converts raw per-device activity history into a 0-100 score,
// a status, and a go/no-go verdict consumed before risky sends.
package health

import (
	"context"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Action string

const (
	ActionMessageSent   Action = "message_sent"
	ActionMessageFailed Action = "message_failed"
	ActionConnected     Action = "connected"
	ActionDisconnected  Action = "disconnected"
	ActionQRGenerated   Action = "qr_generated"
	ActionAuthenticated Action = "authenticated"
)

// Entry is one append-only activity record. The per-device log is capped at
// activityLogCap entries, newest first.
type Entry struct {
	Timestamp      int64  `json:"timestamp"`
	Action         Action `json:"action"`
	Success        bool   `json:"success"`
	ResponseTimeMs int64  `json:"response_time_ms,omitempty"`
	Error          string `json:"error,omitempty"`
}

const activityLogCap = 100

// LogActivity appends an entry to the device's activity log. It never returns
// an error: telemetry failures are logged and swallowed so the send path is
// never blocked. Connections, disconnections and failed sends trigger an
// immediate recompute so the safety verdict never runs on stale data.
func (e *Engine) LogActivity(ctx context.Context, deviceID string, entry Entry) {
	if entry.Timestamp == 0 {
		entry.Timestamp = time.Now().UnixMilli()
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		zap.L().Warn("health: activity encode failed", zap.Error(err))
		return
	}
	if err := e.rdb.LPush(ctx, keyActivity(deviceID), payload).Err(); err != nil {
		zap.L().Warn("health: activity append failed",
			zap.String("device_id", deviceID), zap.Error(err))
		return
	}
	if err := e.rdb.LTrim(ctx, keyActivity(deviceID), 0, activityLogCap-1).Err(); err != nil {
		zap.L().Warn("health: activity trim failed", zap.Error(err))
	}
	_ = e.rdb.SAdd(ctx, keyDevices, deviceID).Err()

	switch entry.Action {
	case ActionConnected, ActionDisconnected, ActionMessageFailed:
		if _, err := e.UpdateDeviceHealth(ctx, deviceID); err != nil {
			zap.L().Warn("health: recompute after lifecycle event failed",
				zap.String("device_id", deviceID), zap.Error(err))
		}
	}
}

// RecordSent implements the queue's ActivityRecorder.
func (e *Engine) RecordSent(deviceID string, elapsed time.Duration) {
	e.LogActivity(context.Background(), deviceID, Entry{
		Action:         ActionMessageSent,
		Success:        true,
		ResponseTimeMs: elapsed.Milliseconds(),
	})
}

// RecordFailed implements the queue's ActivityRecorder.
func (e *Engine) RecordFailed(deviceID string, sendErr error) {
	entry := Entry{Action: ActionMessageFailed}
	if sendErr != nil {
		entry.Error = sendErr.Error()
	}
	e.LogActivity(context.Background(), deviceID, entry)
}

// OnDeviceActivity receives connection-lifecycle events published on the
// event bus by the registry.
func (e *Engine) OnDeviceActivity(deviceID, action string) {
	a := Action(action)
	e.LogActivity(context.Background(), deviceID, Entry{
		Action:  a,
		Success: a == ActionConnected || a == ActionAuthenticated,
	})
}

func (e *Engine) loadActivity(ctx context.Context, deviceID string) []Entry {
	raw, err := e.rdb.LRange(ctx, keyActivity(deviceID), 0, activityLogCap-1).Result()
	if err != nil {
		zap.L().Warn("health: activity load failed",
			zap.String("device_id", deviceID), zap.Error(err))
		return nil
	}
	entries := make([]Entry, 0, len(raw))
	for _, r := range raw {
		var entry Entry
		if err := json.Unmarshal([]byte(r), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries
}
