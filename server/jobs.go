package server

import (
	"path/filepath"
	"time"

	"github.com/aegisapp/aegis/server/gstorage"
	"github.com/aegisapp/aegis/server/models"
	"github.com/aegisapp/aegis/shared"
	"github.com/go-co-op/gocron"
)

const notificationAttemptRetention = 30 * 24 * time.Hour

func scheduleJobs(scheduler *gocron.Scheduler, serverConfig shared.ServerConfig, rootDir string) {
	_, err := scheduler.Every(24).Hours().Tag("prune-notification-attempts").Do(pruneNotificationAttempts)
	if err != nil {
		logg.Errorf("unable to schedule notification attempt pruning: %v", err)
	}

	storageConfig := serverConfig.Google.Storage
	if !storageConfig.EnableSqliteBackupAndSync {
		return
	}

	gcs, err := gstorage.NewGStorage(serverConfig.Google.ApplicationCredentials, storageConfig.Prefix)
	if err != nil {
		logg.Errorf("unable to create cloud storage client, sqlite backup disabled: %v", err)
		return
	}

	dbDir, err := models.DbDirectory(rootDir)
	if err != nil {
		logg.Errorf("unable to resolve sqlite db directory, backup disabled: %v", err)
		return
	}

	dbFile := filepath.Join(dbDir, models.DB_NAME)
	_, err = scheduler.Cron(storageConfig.SqliteBackupSchedule).Tag("sqlite-backup").Do(func() {
		backupSqliteDb(gcs, storageConfig.Bucket, dbFile)
	})
	if err != nil {
		logg.Errorf("unable to schedule sqlite backup: %v", err)
	}
}

func pruneNotificationAttempts() {
	pruned, err := models.PruneNotificationAttempts(notificationAttemptRetention)
	if err != nil {
		logg.Errorf("notification attempt pruning failed: %v", err)
		return
	}
	if pruned > 0 {
		logg.Infof("pruned %v old notification attempts", pruned)
	}
}

func backupSqliteDb(gcs *gstorage.GStorage, bucket, dbFile string) {
	if err := gcs.UploadFile(bucket, dbFile); err != nil {
		logg.Errorf("sqlite backup to cloud storage failed: %v", err)
		return
	}
	logg.Infof("sqlite db backed up to gs://%v", bucket)
}
