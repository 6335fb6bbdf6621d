package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/aegis-iam/aegis/internal/jobs"
	"github.com/aegis-iam/aegis/internal/platform/mail"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeSendResetEmail delivers a password reset email.
	TaskTypeSendResetEmail = "mail:send_reset"
	// TaskTypeSweepExpired deactivates expired role assignments and drops
	// expired permission overrides.
	TaskTypeSweepExpired = "rbac:sweep_expired"
)

// SendResetEmailPayload describes a password reset delivery.
type SendResetEmailPayload struct {
	To        string `json:"to"`
	Token     string `json:"token"`
	ExpiresIn string `json:"expires_in"`
}

// NewSendResetEmailTask constructs an Asynq task.
func NewSendResetEmailTask(payload SendResetEmailPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSendResetEmail, data), nil
}

// NewSweepExpiredTask constructs the periodic sweep task. The payload is
// empty; the sweep always covers the whole table.
func NewSweepExpiredTask() *asynq.Task {
	return asynq.NewTask(TaskTypeSweepExpired, nil)
}

// SendResetEmailHandler returns the handler for TaskTypeSendResetEmail.
func SendResetEmailHandler(logger *slog.Logger, mailer *mail.Mailer, resetURL string, metrics *jobmetrics.Metrics) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		tracker := metrics.Track(TaskTypeSendResetEmail)
		var payload SendResetEmailPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		body := fmt.Sprintf(
			"A password reset was requested for this address.\n\n"+
				"Open the link below to choose a new password. The link expires in %s and can be used once.\n\n"+
				"%s?token=%s\n\n"+
				"If you did not request a reset, ignore this email.\n",
			payload.ExpiresIn, resetURL, payload.Token,
		)
		if err := mailer.Send(payload.To, "Password reset", body); err != nil {
			logger.Warn("send reset email", slog.String("to", payload.To), slog.Any("error", err))
			return tracker.End(err)
		}
		return tracker.End(nil)
	}
}

// ExpirySweeper is implemented by the rbac repository.
type ExpirySweeper interface {
	SweepExpired(ctx context.Context) (roles int64, overrides int64, err error)
}

// SweepExpiredHandler returns the handler for TaskTypeSweepExpired.
func SweepExpiredHandler(logger *slog.Logger, sweeper ExpirySweeper, metrics *jobmetrics.Metrics) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		tracker := metrics.Track(TaskTypeSweepExpired)
		roles, overrides, err := sweeper.SweepExpired(ctx)
		if err != nil {
			return tracker.End(err)
		}
		if roles > 0 || overrides > 0 {
			logger.Info("expiry sweep",
				slog.Int64("role_assignments", roles),
				slog.Int64("permission_overrides", overrides))
		}
		return tracker.End(nil)
	}
}
