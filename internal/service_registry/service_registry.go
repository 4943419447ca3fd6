package service_registry

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"locshare/internal/ha"
	"locshare/internal/models"
	"locshare/internal/ownership"
	"locshare/internal/services"
	"locshare/internal/utils"
	"locshare/pkg/file"
	"locshare/pkg/geocode"
	"locshare/pkg/gmls"
)

// Service defines the interface for all lifecycle-managed services.
type Service interface {
	Start() error
	Stop() error
}

// ServiceRegistry manages the lifecycle of the per-account tracker services
// and the shared resources behind them.
type ServiceRegistry struct {
	services    map[string]Service // Stores registered services
	serviceKeys []string           // Maintains order of service registration

	fileClient file.FileOperations
	publisher  *ha.Publisher
	registry   *ownership.Registry
	store      *ownership.Store
	pool       *utils.WorkerPool
	Logger     zerolog.Logger
}

// NewServiceRegistry initializes a new service registry with dependencies.
func NewServiceRegistry(fileClient file.FileOperations, publisher *ha.Publisher, registry *ownership.Registry,
	store *ownership.Store, pool *utils.WorkerPool, logger zerolog.Logger) *ServiceRegistry {
	return &ServiceRegistry{
		services:   make(map[string]Service),
		fileClient: fileClient,
		publisher:  publisher,
		registry:   registry,
		store:      store,
		pool:       pool,
		Logger:     logger,
	}
}

// RegisterService adds a new service to the registry.
func (sr *ServiceRegistry) RegisterService(name string, svc Service) {
	if _, exists := sr.services[name]; exists {
		sr.Logger.Warn().Msgf("Service %s is already registered", name)
		return
	}
	sr.services[name] = svc
	sr.serviceKeys = append(sr.serviceKeys, name)
	sr.Logger.Info().Msgf("Registered service: %s", name)
}

// StartServices initiates all registered services in order.
// If a service fails to start, it stops already started services.
func (sr *ServiceRegistry) StartServices() error {
	startedServices := []string{}

	for _, name := range sr.serviceKeys {
		svc := sr.services[name]
		sr.Logger.Info().Msgf("Starting service: %s", name)
		if err := svc.Start(); err != nil {
			sr.Logger.Error().Err(err).Msgf("Failed to start service: %s", name)

			// Stop already started services before returning
			sr.Logger.Warn().Msg("Stopping already started services due to startup failure...")
			for i := len(startedServices) - 1; i >= 0; i-- {
				_ = sr.services[startedServices[i]].Stop()
			}
			return err
		}
		startedServices = append(startedServices, name)
	}

	return nil
}

// StopServices stops all services in reverse order.
func (sr *ServiceRegistry) StopServices() error {
	var stopErrors []error
	for i := len(sr.serviceKeys) - 1; i >= 0; i-- {
		name := sr.serviceKeys[i]
		if err := sr.services[name].Stop(); err != nil {
			stopErrors = append(stopErrors, fmt.Errorf("failed to stop %s: %w", name, err))
		}
	}
	if len(stopErrors) > 0 {
		for _, e := range stopErrors {
			sr.Logger.Error().Err(e).Msg("Service stop failure")
		}
		return errors.Join(stopErrors...)
	}
	return nil
}

// RegisterServices seeds the ownership registry from the entity store, prunes
// accounts that disappeared from the configuration, and registers one tracker
// service per configured account.
func (sr *ServiceRegistry) RegisterServices(config *utils.Config) error {
	entities, err := sr.store.LoadAll()
	if err != nil {
		return err
	}

	claims := make(map[models.ConfigID][]models.UniqueID)
	restored := make(map[models.ConfigID]map[models.UniqueID]ownership.Entity)
	for _, ent := range entities {
		claims[ent.ConfigID] = append(claims[ent.ConfigID], ent.UniqueID)
		if restored[ent.ConfigID] == nil {
			restored[ent.ConfigID] = make(map[models.UniqueID]ownership.Entity)
		}
		restored[ent.ConfigID][ent.UniqueID] = ent
	}

	configured := make(map[models.ConfigID]struct{}, len(config.Accounts))
	for _, account := range config.Accounts {
		configured[models.ConfigID(account.ID)] = struct{}{}
	}

	// Accounts removed from the configuration leave stale claims and retained
	// MQTT state behind; clear both so other accounts can pick the people up.
	for cid, uids := range claims {
		if _, ok := configured[cid]; ok {
			continue
		}
		sr.Logger.Info().Str("config_id", string(cid)).Msg("Pruning entities of removed account")
		for _, uid := range uids {
			if err := sr.publisher.RemoveTracker(uid); err != nil {
				sr.Logger.Error().Err(err).Str("unique_id", string(uid)).Msg("Failed to clear removed entity")
			}
		}
		if err := sr.publisher.RemoveSensor(cid); err != nil {
			sr.Logger.Error().Err(err).Str("config_id", string(cid)).Msg("Failed to clear removed account sensor")
		}
		if err := sr.store.RemoveConfig(cid); err != nil {
			return err
		}
		delete(claims, cid)
		delete(restored, cid)
	}

	sr.registry.Seed(claims)

	var resolver geocode.Resolver
	if config.Geocoding.MapsAPIKey != "" {
		resolver, err = geocode.NewGoogleResolver(config.Geocoding.MapsAPIKey)
		if err != nil {
			sr.Logger.Error().Err(err).Msg("Failed to create reverse geocoding resolver")
			return err
		}
	}

	for _, account := range config.Accounts {
		cid := models.ConfigID(account.ID)
		logger := sr.Logger.With().Str("account", account.Username).Logger()
		api := gmls.NewClient(account.Username, sr.fileClient, logger)

		tracker := services.NewTrackerService(
			cid,
			account.Username,
			account.CookiesFile,
			time.Duration(account.ScanInterval)*time.Second,
			account.MaxGPSAccuracy,
			account.CreateAccountEntity,
			api,
			sr.registry,
			sr.store,
			sr.publisher,
			sr.pool,
			resolver,
			restored[cid],
			logger,
		)
		sr.RegisterService(fmt.Sprintf("tracker:%s", account.ID), tracker)
	}

	return nil
}
