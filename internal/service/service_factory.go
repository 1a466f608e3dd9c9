package service

import (
	"go.uber.org/zap"

	"attendance-service/internal/biometric"
	"attendance-service/internal/config"
	"attendance-service/internal/repository/scylla"
	"attendance-service/internal/token"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	store     scylla.AttendanceStore
	cache     HotCache
	generator *token.Generator
	matcher   *biometric.Matcher
	events    EventSink
	analytics AnalyticsSink
	protocol  config.ProtocolConfig
	logger    *zap.Logger

	attendanceService *AttendanceService
}

// NewServiceFactory creates a new service factory
func NewServiceFactory(
	store scylla.AttendanceStore,
	cache HotCache,
	generator *token.Generator,
	matcher *biometric.Matcher,
	events EventSink,
	analytics AnalyticsSink,
	protocol config.ProtocolConfig,
	logger *zap.Logger,
) *ServiceFactory {
	return &ServiceFactory{
		store:     store,
		cache:     cache,
		generator: generator,
		matcher:   matcher,
		events:    events,
		analytics: analytics,
		protocol:  protocol,
		logger:    logger,
	}
}

// AttendanceService returns the attendance service instance (singleton)
func (f *ServiceFactory) AttendanceService() *AttendanceService {
	if f.attendanceService == nil {
		f.attendanceService = NewAttendanceService(
			f.store,
			f.cache,
			f.generator,
			f.matcher,
			f.events,
			f.analytics,
			f.protocol,
			f.logger,
		)
	}
	return f.attendanceService
}
