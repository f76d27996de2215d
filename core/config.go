package core

import (
	"fmt"
	"strings"
	"time"
)

type GradeWaitConfig struct {
	DelaysSeconds    []int `koanf:"delays_seconds" mapstructure:"delays_seconds"`
	MaxAttempts      int   `koanf:"max_attempts" mapstructure:"max_attempts"`
	ToleranceSeconds int   `koanf:"tolerance_seconds" mapstructure:"tolerance_seconds"`
}

type APIRetryConfig struct {
	BaseDelaySeconds int `koanf:"base_delay_seconds" mapstructure:"base_delay_seconds"`
	MaxDelaySeconds  int `koanf:"max_delay_seconds" mapstructure:"max_delay_seconds"`
	MaxAttempts      int `koanf:"max_attempts" mapstructure:"max_attempts"`
}

type HoldsConfig struct {
	PausedDelaySeconds     int `koanf:"paused_delay_seconds" mapstructure:"paused_delay_seconds"`
	RateLimitDelaySeconds  int `koanf:"rate_limit_delay_seconds" mapstructure:"rate_limit_delay_seconds"`
	RateLimitWindowSeconds int `koanf:"rate_limit_window_seconds" mapstructure:"rate_limit_window_seconds"`
}

type CompletionConfig struct {
	LockTimeoutSeconds       int  `koanf:"lock_timeout_seconds" mapstructure:"lock_timeout_seconds"`
	InitialGradeDelaySeconds int  `koanf:"initial_grade_delay_seconds" mapstructure:"initial_grade_delay_seconds"`
	QueueWhenPaused          bool `koanf:"queue_when_paused" mapstructure:"queue_when_paused"`
}

type APIConfig struct {
	TimeoutSeconds          int `koanf:"timeout_seconds" mapstructure:"timeout_seconds"`
	TemplateCacheTTLSeconds int `koanf:"template_cache_ttl_seconds" mapstructure:"template_cache_ttl_seconds"`
}

type RequeueConfig struct {
	BatchSize int `koanf:"batch_size" mapstructure:"batch_size"`
}

type Config struct {
	ServiceName string           `koanf:"service_name" mapstructure:"service_name"`
	GradeWait   GradeWaitConfig  `koanf:"grade_wait" mapstructure:"grade_wait"`
	APIRetry    APIRetryConfig   `koanf:"api_retry" mapstructure:"api_retry"`
	Holds       HoldsConfig      `koanf:"holds" mapstructure:"holds"`
	Completion  CompletionConfig `koanf:"completion" mapstructure:"completion"`
	API         APIConfig        `koanf:"api" mapstructure:"api"`
	Requeue     RequeueConfig    `koanf:"requeue" mapstructure:"requeue"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "issuance",
		GradeWait: GradeWaitConfig{
			DelaysSeconds:    []int{15, 60, 180, 600, 1800},
			MaxAttempts:      5,
			ToleranceSeconds: 60,
		},
		APIRetry: APIRetryConfig{
			BaseDelaySeconds: 300,
			MaxDelaySeconds:  3600,
			MaxAttempts:      3,
		},
		Holds: HoldsConfig{
			PausedDelaySeconds:     3600,
			RateLimitDelaySeconds:  600,
			RateLimitWindowSeconds: 3600,
		},
		Completion: CompletionConfig{
			LockTimeoutSeconds:       10,
			InitialGradeDelaySeconds: 30,
		},
		API: APIConfig{
			TimeoutSeconds:          30,
			TemplateCacheTTLSeconds: 3600,
		},
		Requeue: RequeueConfig{
			BatchSize: 50,
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	for i, delay := range c.GradeWait.DelaysSeconds {
		if delay <= 0 {
			return fmt.Errorf("core: grade_wait.delays_seconds[%d] must be positive", i)
		}
	}
	if c.GradeWait.MaxAttempts < 0 || c.APIRetry.MaxAttempts < 0 {
		return fmt.Errorf("core: max_attempts cannot be negative")
	}
	if c.APIRetry.MaxDelaySeconds > 0 && c.APIRetry.BaseDelaySeconds > c.APIRetry.MaxDelaySeconds {
		return fmt.Errorf("core: api_retry.base_delay_seconds exceeds max_delay_seconds")
	}
	if c.Requeue.BatchSize < 0 {
		return fmt.Errorf("core: requeue.batch_size cannot be negative")
	}
	return nil
}

func (c Config) RetrySchedule() RetrySchedule {
	delays := make([]time.Duration, 0, len(c.GradeWait.DelaysSeconds))
	for _, seconds := range c.GradeWait.DelaysSeconds {
		delays = append(delays, seconds2duration(seconds))
	}
	return RetrySchedule{
		GradeWaitDelays:      delays,
		GradeWaitMaxAttempts: c.GradeWait.MaxAttempts,
		APIBaseDelay:         seconds2duration(c.APIRetry.BaseDelaySeconds),
		APIMaxDelay:          seconds2duration(c.APIRetry.MaxDelaySeconds),
		APIMaxAttempts:       c.APIRetry.MaxAttempts,
	}.normalized()
}

func (c Config) GradeTolerance() time.Duration {
	return durationOr(c.GradeWait.ToleranceSeconds, DefaultGradeFreshnessTolerance)
}

func (c Config) PausedDelay() time.Duration {
	return durationOr(c.Holds.PausedDelaySeconds, time.Hour)
}

func (c Config) RateLimitDelay() time.Duration {
	return durationOr(c.Holds.RateLimitDelaySeconds, 10*time.Minute)
}

func (c Config) RateLimitWindow() time.Duration {
	return durationOr(c.Holds.RateLimitWindowSeconds, time.Hour)
}

func (c Config) LockTimeout() time.Duration {
	return durationOr(c.Completion.LockTimeoutSeconds, DefaultDuplicateGuardTimeout)
}

func (c Config) InitialGradeDelay() time.Duration {
	if c.Completion.InitialGradeDelaySeconds < 0 {
		return 0
	}
	return seconds2duration(c.Completion.InitialGradeDelaySeconds)
}

func (c Config) APITimeout() time.Duration {
	return durationOr(c.API.TimeoutSeconds, 30*time.Second)
}

func (c Config) TemplateCacheTTL() time.Duration {
	return durationOr(c.API.TemplateCacheTTLSeconds, time.Hour)
}

func (c Config) RequeueBatchSize() int {
	if c.Requeue.BatchSize <= 0 {
		return 50
	}
	return c.Requeue.BatchSize
}

func seconds2duration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}

func durationOr(seconds int, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	return seconds2duration(seconds)
}
