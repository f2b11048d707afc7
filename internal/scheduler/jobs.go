package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"chat-relay/internal/admin"
	"chat-relay/internal/analytics"
	"chat-relay/internal/audit"
)

// ReloadSettings picks up external edits of the settings file.
func ReloadSettings(svc *admin.Service, log zerolog.Logger) func(context.Context) error {
	return func(context.Context) error {
		changed, err := svc.Reload()
		if err != nil {
			return err
		}
		if changed {
			log.Info().Uint64("version", svc.Snapshot().Version()).Msg("settings file changed")
		}
		return nil
	}
}

// PurgeBans drops expired bans.
func PurgeBans(svc *admin.Service, log zerolog.Logger) func(context.Context) error {
	return func(context.Context) error {
		n, err := svc.PurgeExpiredBans()
		if err != nil {
			return err
		}
		if n > 0 {
			log.Info().Int("purged", n).Msg("expired bans removed")
		}
		return nil
	}
}

// DailyReport aggregates today's audit events and hands the summary to send.
func DailyReport(rec audit.Recorder, now func() time.Time, send func(ctx context.Context, summary string) error) func(context.Context) error {
	return func(ctx context.Context) error {
		events, err := rec.Load()
		if err != nil {
			return err
		}
		stats := analytics.AnalyzeDailyLogs(events, now().UTC())
		return send(ctx, stats.GenerateReportSummary())
	}
}
