package types

import (
	"errors"
	"fmt"
)

var (
	ErrConfigNotFound       = errors.New("config not found")
	ErrConfigParseFailed    = errors.New("config parse failed")
	ErrConfigIsNil          = errors.New("config is nil")
	ErrConfigLoadFailed     = errors.New("config load failed")
	ErrConfigValidateFailed = errors.New("config validate failed")
)

var (
	ErrComponentAlreadyRunning = errors.New("component already running")
	ErrComponentNotRunning     = errors.New("component not running")
	ErrComponentStartFailed    = errors.New("component start failed")
	ErrComponentStopFailed     = errors.New("component stop failed")
)

var (
	ErrCacheKeyEmpty        = errors.New("cache key empty")
	ErrCacheUnavailable     = errors.New("cache unavailable")
	ErrProviderUnavailable  = errors.New("cache provider unavailable")
	ErrProviderTypeUnknown  = errors.New("cache provider type unknown")
	ErrProviderBadEntry     = errors.New("cache provider entry corrupted")
	ErrFetchFailed          = errors.New("fetch failed")
	ErrFetchTimeout         = errors.New("fetch timeout")
	ErrUnknownPolicy        = errors.New("unknown cache policy")
	ErrPolicyExists         = errors.New("cache policy already registered")
	ErrInvalidPattern       = errors.New("invalid key pattern")
	ErrCacheIsDisabled      = errors.New("cache manager is disabled")
	ErrNoProviders          = errors.New("no cache providers configured")
)

var (
	ErrEventTypeUnknown     = errors.New("event sink type unknown")
	ErrEventPublishFailed   = errors.New("event publish failed")
	ErrEventsNotInitialized = errors.New("events not initialized")
	ErrWebhookNotFound      = errors.New("webhook not found")
	ErrWebhookExists        = errors.New("webhook exists")
)

var (
	ErrCronJobExists         = errors.New("cron job exists")
	ErrCronJobNameIsEmpty    = errors.New("cron job name is empty")
	ErrCronJobIsNil          = errors.New("cron job is nil")
	ErrCronExpressionInvalid = errors.New("cron expression invalid")
)

var (
	ErrMetricsTypeUnknown = errors.New("metrics type unknown")
	ErrMetricsIsDisabled  = errors.New("metrics manager is disabled")
)

var (
	ErrHealthCheckFailed  = errors.New("health check failed")
	ErrHealthCheckTimeout = errors.New("health check timeout")
)

var (
	ErrLogFileIsEmpty      = errors.New("log file is empty")
	ErrLogFileWrongFormat  = errors.New("log file wrong format")
	ErrLoggerTypeUnknown   = errors.New("logger type unknown")
	ErrLoggerConfigInvalid = errors.New("logger config invalid")
)

func Errorf(baseErr error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", baseErr, fmt.Sprintf(format, args...))
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

func NewError(message string) error {
	return errors.New(message)
}

func NewErrorf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}

func IsError(err, target error) bool {
	return errors.Is(err, target)
}
