package services

import (
	"context"

	"github.com/storecast/workq/db"

	"github.com/rs/zerolog/log"
)

type MonitoringService struct {
	store db.Store
}

func NewMonitoringService(store db.Store) *MonitoringService {
	return &MonitoringService{
		store: store,
	}
}

func (ms *MonitoringService) IsHealthy(ctx context.Context) bool {
	if err := ms.store.Ping(ctx); err != nil {
		log.Warn().Err(err).Msg("store is not reachable")
		return false
	}
	return true
}
