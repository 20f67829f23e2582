package cmd

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/openelev/demjobs/internal/config"
	"github.com/openelev/demjobs/pkg/notify"
	"github.com/openelev/demjobs/pkg/storage"
	"github.com/openelev/demjobs/pkg/storage/local"
	s3store "github.com/openelev/demjobs/pkg/storage/s3"
)

// buildStore constructs the configured object store backend.
func buildStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case "s3":
		return s3store.New(ctx, cfg.Storage.S3)
	case "local":
		return local.New(cfg.Storage.LocalDir)
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Storage.Backend)
	}
}

// buildTransport returns the notification transport, or a disabled
// stand-in when notifications are off.
func buildTransport(ctx context.Context, cfg *config.Config, logger *zap.Logger) (notify.Transport, error) {
	if !cfg.Notify.Enabled {
		logger.Info("notifications disabled, deliveries will be dropped")
		return disabledTransport{}, nil
	}
	return notify.NewSNSTransport(ctx, cfg.Notify.SNS)
}

// disabledTransport satisfies notify.Transport without sending
// anything. Subscription requests are rejected so users are not left
// believing they signed up.
type disabledTransport struct{}

func (disabledTransport) Publish(ctx context.Context, subject, body string, jobID int64, username string) (string, error) {
	return "", nil
}

func (disabledTransport) Subscribe(ctx context.Context, email string, usernameFilter []string) (string, error) {
	return "", fmt.Errorf("notifications are disabled on this node")
}

func (disabledTransport) Unsubscribe(ctx context.Context, subscriptionARN string) error {
	return fmt.Errorf("notifications are disabled on this node")
}
