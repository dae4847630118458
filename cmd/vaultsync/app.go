package main

import (
	"time"

	"github.com/MarcoPoloResearchLab/vaultsync/internal/config"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/database"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/identity"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/logging"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/ranking"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/reconcile"
	"github.com/MarcoPoloResearchLab/vaultsync/internal/store"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// application holds the collaborators shared by every command.
type application struct {
	config  config.AppConfig
	logger  *zap.Logger
	store   *store.Service
	closeDB func() error
}

func openApplication() (*application, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return nil, err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	storeService, err := store.NewService(store.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: store.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	return &application{
		config:  appConfig,
		logger:  logger,
		store:   storeService,
		closeDB: sqlDB.Close,
	}, nil
}

func (a *application) Close() {
	if err := a.closeDB(); err != nil {
		a.logger.Warn("failed to close database", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func (a *application) resolver() *identity.Resolver {
	return identity.NewResolver(a.config.IdentityAliases)
}

func (a *application) searchOptions() ranking.SearchOptions {
	options := ranking.DefaultSearchOptions()
	options.MaxDistance = a.config.SearchMaxDistance
	if len(a.config.SearchWeights) > 0 {
		options.Weights = ranking.FieldWeights(a.config.SearchWeights)
	}
	return options
}

// locker serializes applies within this process and across processes that
// share the database file.
func (a *application) locker() reconcile.Locker {
	return reconcile.ChainLockers(
		reconcile.NewKeyedLocker(),
		store.NewFileLocker(store.LockPath(a.config.DatabasePath)),
	)
}
