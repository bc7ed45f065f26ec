package worker

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"mailpilot/models"
	"mailpilot/provider"
	"mailpilot/syncer"
)

// SyncWorker is the periodic scheduler: every interval it walks the
// connected accounts and runs one sync each. Account failures are logged
// and never stop the sweep.
type SyncWorker struct {
	db       *gorm.DB
	engine   *syncer.Syncer
	interval time.Duration
	logger   *logrus.Entry
}

func NewSyncWorker(db *gorm.DB, engine *syncer.Syncer, interval time.Duration, logger *logrus.Entry) *SyncWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &SyncWorker{
		db:       db,
		engine:   engine,
		interval: interval,
		logger:   logger,
	}
}

func (w *SyncWorker) Start(ctx context.Context) {
	w.logger.Info("starting sync worker")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.syncAll(ctx)
		case <-ctx.Done():
			w.logger.Info("stopping sync worker")
			return
		}
	}
}

func (w *SyncWorker) syncAll(ctx context.Context) {
	var accounts []models.Account
	if err := w.db.Where("disconnected_at IS NULL").Find(&accounts).Error; err != nil {
		w.logger.WithError(err).Error("failed to list accounts")
		return
	}

	for _, account := range accounts {
		if ctx.Err() != nil {
			return
		}

		// Bound each account so one stuck mailbox cannot eat the sweep.
		runCtx, cancel := context.WithTimeout(ctx, w.interval*3)
		result, err := w.engine.SyncAccount(runCtx, account.ID)
		cancel()

		log := w.logger.WithFields(logrus.Fields{
			"account_id": account.ID,
			"provider":   account.Provider,
		})
		switch {
		case err == nil:
			if result.NewMessages > 0 || len(result.Failed) > 0 {
				log.WithFields(logrus.Fields{
					"new":    result.NewMessages,
					"failed": len(result.Failed),
				}).Info("account synced")
			}
		case errors.Is(err, provider.ErrAuthExpired):
			log.Warn("account requires re-authentication, skipping until reconnect")
		case errors.Is(err, syncer.ErrAccountDisconnected):
			// Disconnected between the listing and the run; nothing to do.
		default:
			log.WithError(err).Error("account sync failed")
		}
	}
}
