package main

import (
	"context"
	"fmt"
	"time"

	"github.com/holdinvoice/hold/persistence"
	"github.com/urfave/cli/v2"
)

var gcCommand = &cli.Command{
	Name:   "gc",
	Usage:  "delete Cancelled invoices older than cancelledRetentionSeconds",
	Action: gcAction,
}

func gcAction(c *cli.Context) error {
	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return err
	}

	if cfg.CancelledRetentionSeconds <= 0 {
		return fmt.Errorf("cancelledRetentionSeconds is not set, refusing to gc")
	}

	if err := initLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.WithCaller); err != nil {
		return err
	}

	repo, err := openRepository(cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	cutoff := time.Now().Add(-cfg.cancelledRetention())

	n, err := repo.DeleteCancelledOlderThan(context.Background(), cutoff)
	if err != nil {
		return err
	}

	log.Infow("garbage collection complete", "deleted", n, "cutoff", cutoff)

	return nil
}

// runGcLoop periodically sweeps Cancelled invoices older than the
// configured retention, following the same "run until ctx is done"
// shape as the rest of the daemon's supervised goroutines.
func runGcLoop(ctx context.Context, cfg *Config, repo persistence.Repository) {
	if cfg.CancelledRetentionSeconds <= 0 {
		return
	}

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			cutoff := time.Now().Add(-cfg.cancelledRetention())

			n, err := repo.DeleteCancelledOlderThan(ctx, cutoff)
			if err != nil {
				log.Errorw("gc sweep failed", "err", err)
				continue
			}

			if n > 0 {
				log.Infow("gc sweep deleted cancelled invoices", "deleted", n)
			}
		}
	}
}
