package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
)

const (
	defaultDataDir    = "voterdata"
	defaultStatusAddr = ":8080"

	// Cycle timing. A verified vote locks the identity out for 31 minutes;
	// technical failures retry sooner.
	defaultSuccessCooldownMinutes  = 31
	defaultTechnicalRetryMinutes   = 5
	defaultIPCooldownRetryMinutes  = 31
	defaultMismatchRetryMinutes    = 5
	defaultVoteResponseWaitSeconds = 3
	defaultMaxClickAttempts        = 3

	// Session establishment backoff: base doubles per consecutive failure up
	// to the cap; after the failure cap the worker hard-pauses.
	defaultInitBackoffBaseSeconds = 30
	defaultInitBackoffCapSeconds  = 300
	defaultInitFailureCap         = 5
	defaultNavigationRetrySeconds = 30
	defaultCycleRecoverySeconds   = 60

	// Launch admission: at most K concurrent session establishments, spaced
	// by a fixed delay, with a bounded wait for the gate.
	defaultLaunchConcurrency        = 1
	defaultLaunchSpacingSeconds     = 5
	defaultLaunchGateTimeoutSeconds = 30

	// Identity provider client.
	defaultProviderMaxRetries       = 3
	defaultProviderRetryBaseSeconds = 2
	defaultBreakerThreshold         = 3
	defaultBreakerPauseSeconds      = 60
	defaultProviderTimeoutSeconds   = 10

	// Monitors.
	defaultAutoResumeIntervalSeconds    = 30
	defaultSessionScanIntervalSeconds   = 60
	defaultSessionMaxAgeSeconds         = 300
	defaultThrottleReclaimGraceSeconds  = 60
	defaultThrottlePollIntervalSeconds  = 60
	defaultSessionTeardownStepSeconds   = 10
	defaultVoteBackupIntervalSeconds    = 6 * 60 * 60
	defaultStatusCacheDurationMillis    = 500
	defaultAdminSessionLifetimeMinutes  = 12 * 60
	defaultOneTimeCodeLifetimeMinutes   = 10
	defaultShutdownDrainTimeoutSeconds  = 10
	defaultEventFeedHighWaterMark       = 1000
	defaultDiscordMilestoneVoteInterval = 25
)

// Pattern tables for classifying the target's banner/page text. Matching is
// case-insensitive substring search. Global patterns pause the whole fleet;
// instance patterns only cool down the worker that saw them. The identity
// mismatch pattern is the instance case where the assigned identity has
// already voted, which retries on the short window.
var (
	defaultGlobalThrottlePatterns = []string{
		"hourly voting limit",
		"voting button is temporarily disabled",
		"will be reactivated at",
		"reached your hourly limit",
	}
	defaultInstanceCooldownPatterns = []string{
		"already voted",
		"please come back at your next voting time",
		"wait before voting again",
		"cooldown",
		"try again later",
	}
	defaultIdentityMismatchPatterns = []string{
		"someone has already voted out of this ip",
	}
	defaultSuccessTextPatterns = []string{
		"thank you for vote",
		"vote successful",
		"your vote has been recorded",
		"vote counted",
		"thanks for voting",
	}
)

type Config struct {
	TargetURL  string
	StatusAddr string
	DataDir    string

	// Base URL of the page-automation driver sidecar.
	AutomationDriverURL string

	// Identity provider (rotating proxy) settings.
	ProviderHost     string
	ProviderPort     int
	ProviderZone     string
	ProviderUsername string
	ProviderPassword string
	ProviderEchoURL  string

	SuccessCooldownMinutes  int
	TechnicalRetryMinutes   int
	IPCooldownRetryMinutes  int
	MismatchRetryMinutes    int
	VoteResponseWaitSeconds int
	MaxClickAttempts        int

	InitBackoffBaseSeconds int
	InitBackoffCapSeconds  int
	InitFailureCap         int
	NavigationRetrySeconds int
	CycleRecoverySeconds   int

	LaunchConcurrency        int
	LaunchSpacingSeconds     int
	LaunchGateTimeoutSeconds int

	ProviderMaxRetries       int
	ProviderRetryBaseSeconds int
	BreakerThreshold         int
	BreakerPauseSeconds      int
	ProviderTimeoutSeconds   int

	AutoResumeIntervalSeconds   int
	SessionScanIntervalSeconds  int
	SessionMaxAgeSeconds        int
	ThrottleReclaimGraceSeconds int
	ThrottlePollIntervalSeconds int
	SessionTeardownStepSeconds  int

	GlobalThrottlePatterns   []string
	InstanceCooldownPatterns []string
	IdentityMismatchPatterns []string
	SuccessTextPatterns      []string

	// Control surface auth.
	AdminPassword              string
	AdminJWTSecret             string
	AdminSessionLifetimeMins   int
	OneTimeCodeLifetimeMinutes int

	// Optional push/event integrations.
	EventFeedBindAddr       string
	DiscordBotToken         string
	DiscordNotifyChannelID  string
	DiscordMilestoneEvery   int
	BackupEnabled           bool
	BackupAccountID         string
	BackupApplicationKey    string
	BackupBucket            string
	BackupPrefix            string
	BackupIntervalSeconds   int
	UseSimdSha256           bool
	LogDebug                bool
	StatusCacheDurationMill int
}

func defaultConfig() Config {
	return Config{
		StatusAddr: defaultStatusAddr,
		DataDir:    defaultDataDir,

		AutomationDriverURL: "http://127.0.0.1:9515",

		ProviderHost:    "brd.superproxy.io",
		ProviderPort:    33335,
		ProviderZone:    "datacenter_proxy1",
		ProviderEchoURL: "https://httpbin.org/ip",

		SuccessCooldownMinutes:  defaultSuccessCooldownMinutes,
		TechnicalRetryMinutes:   defaultTechnicalRetryMinutes,
		IPCooldownRetryMinutes:  defaultIPCooldownRetryMinutes,
		MismatchRetryMinutes:    defaultMismatchRetryMinutes,
		VoteResponseWaitSeconds: defaultVoteResponseWaitSeconds,
		MaxClickAttempts:        defaultMaxClickAttempts,

		InitBackoffBaseSeconds: defaultInitBackoffBaseSeconds,
		InitBackoffCapSeconds:  defaultInitBackoffCapSeconds,
		InitFailureCap:         defaultInitFailureCap,
		NavigationRetrySeconds: defaultNavigationRetrySeconds,
		CycleRecoverySeconds:   defaultCycleRecoverySeconds,

		LaunchConcurrency:        defaultLaunchConcurrency,
		LaunchSpacingSeconds:     defaultLaunchSpacingSeconds,
		LaunchGateTimeoutSeconds: defaultLaunchGateTimeoutSeconds,

		ProviderMaxRetries:       defaultProviderMaxRetries,
		ProviderRetryBaseSeconds: defaultProviderRetryBaseSeconds,
		BreakerThreshold:         defaultBreakerThreshold,
		BreakerPauseSeconds:      defaultBreakerPauseSeconds,
		ProviderTimeoutSeconds:   defaultProviderTimeoutSeconds,

		AutoResumeIntervalSeconds:   defaultAutoResumeIntervalSeconds,
		SessionScanIntervalSeconds:  defaultSessionScanIntervalSeconds,
		SessionMaxAgeSeconds:        defaultSessionMaxAgeSeconds,
		ThrottleReclaimGraceSeconds: defaultThrottleReclaimGraceSeconds,
		ThrottlePollIntervalSeconds: defaultThrottlePollIntervalSeconds,
		SessionTeardownStepSeconds:  defaultSessionTeardownStepSeconds,

		GlobalThrottlePatterns:   append([]string(nil), defaultGlobalThrottlePatterns...),
		InstanceCooldownPatterns: append([]string(nil), defaultInstanceCooldownPatterns...),
		IdentityMismatchPatterns: append([]string(nil), defaultIdentityMismatchPatterns...),
		SuccessTextPatterns:      append([]string(nil), defaultSuccessTextPatterns...),

		AdminSessionLifetimeMins:   defaultAdminSessionLifetimeMinutes,
		OneTimeCodeLifetimeMinutes: defaultOneTimeCodeLifetimeMinutes,

		DiscordMilestoneEvery:   defaultDiscordMilestoneVoteInterval,
		BackupIntervalSeconds:   defaultVoteBackupIntervalSeconds,
		UseSimdSha256:           true,
		StatusCacheDurationMill: defaultStatusCacheDurationMillis,
	}
}

// fileConfig is the TOML shape of config.toml. Pointers distinguish "unset"
// from zero so partial files only override what they mention.
type fileConfig struct {
	TargetURL           *string `toml:"target_url"`
	StatusAddr          *string `toml:"status_addr"`
	DataDir             *string `toml:"data_dir"`
	AutomationDriverURL *string `toml:"automation_driver_url"`

	Provider struct {
		Host     *string `toml:"host"`
		Port     *int    `toml:"port"`
		Zone     *string `toml:"zone"`
		Username *string `toml:"username"`
		Password *string `toml:"password"`
		EchoURL  *string `toml:"echo_url"`

		MaxRetries       *int `toml:"max_retries"`
		RetryBaseSeconds *int `toml:"retry_base_seconds"`
		BreakerThreshold *int `toml:"breaker_threshold"`
		BreakerPauseSecs *int `toml:"breaker_pause_seconds"`
		TimeoutSeconds   *int `toml:"timeout_seconds"`
	} `toml:"provider"`

	Timing struct {
		SuccessCooldownMinutes  *int `toml:"success_cooldown_minutes"`
		TechnicalRetryMinutes   *int `toml:"technical_retry_minutes"`
		IPCooldownRetryMinutes  *int `toml:"ip_cooldown_retry_minutes"`
		MismatchRetryMinutes    *int `toml:"identity_mismatch_retry_minutes"`
		VoteResponseWaitSeconds *int `toml:"vote_response_wait_seconds"`
		MaxClickAttempts        *int `toml:"max_click_attempts"`
		InitBackoffBaseSeconds  *int `toml:"init_backoff_base_seconds"`
		InitBackoffCapSeconds   *int `toml:"init_backoff_cap_seconds"`
		InitFailureCap          *int `toml:"init_failure_cap"`
		NavigationRetrySeconds  *int `toml:"navigation_retry_seconds"`
		CycleRecoverySeconds    *int `toml:"cycle_recovery_seconds"`
	} `toml:"timing"`

	Launch struct {
		Concurrency        *int `toml:"concurrency"`
		SpacingSeconds     *int `toml:"spacing_seconds"`
		GateTimeoutSeconds *int `toml:"gate_timeout_seconds"`
	} `toml:"launch"`

	Monitors struct {
		AutoResumeIntervalSeconds   *int `toml:"auto_resume_interval_seconds"`
		SessionScanIntervalSeconds  *int `toml:"session_scan_interval_seconds"`
		SessionMaxAgeSeconds        *int `toml:"session_max_age_seconds"`
		ThrottleReclaimGraceSeconds *int `toml:"throttle_reclaim_grace_seconds"`
		ThrottlePollIntervalSeconds *int `toml:"throttle_poll_interval_seconds"`
		SessionTeardownStepSeconds  *int `toml:"session_teardown_step_seconds"`
	} `toml:"monitors"`

	Patterns struct {
		GlobalThrottle   []string `toml:"global_throttle"`
		InstanceCooldown []string `toml:"instance_cooldown"`
		IdentityMismatch []string `toml:"identity_mismatch"`
		SuccessText      []string `toml:"success_text"`
	} `toml:"patterns"`

	Admin struct {
		Password               *string `toml:"password"`
		JWTSecret              *string `toml:"jwt_secret"`
		SessionLifetimeMinutes *int    `toml:"session_lifetime_minutes"`
		OneTimeCodeLifetime    *int    `toml:"one_time_code_lifetime_minutes"`
	} `toml:"admin"`

	Integrations struct {
		EventFeedBindAddr      *string `toml:"event_feed_bind_addr"`
		DiscordBotToken        *string `toml:"discord_bot_token"`
		DiscordNotifyChannelID *string `toml:"discord_notify_channel_id"`
		DiscordMilestoneEvery  *int    `toml:"discord_milestone_every"`
	} `toml:"integrations"`

	Backup struct {
		Enabled         *bool   `toml:"enabled"`
		AccountID       *string `toml:"account_id"`
		ApplicationKey  *string `toml:"application_key"`
		Bucket          *string `toml:"bucket"`
		Prefix          *string `toml:"prefix"`
		IntervalSeconds *int    `toml:"interval_seconds"`
	} `toml:"backup"`

	UseSimdSha256 *bool `toml:"use_simd_sha256"`
	LogDebug      *bool `toml:"log_debug"`
}

func defaultConfigPath() string {
	return filepath.Join(defaultDataDir, "config", "config.toml")
}

func loadConfig(configPath string) Config {
	cfg := defaultConfig()

	if configPath == "" {
		configPath = defaultConfigPath()
	}

	if fc, ok, err := loadConfigFile(configPath); err != nil {
		fatal("config file", err, "path", configPath)
	} else if ok {
		applyFileConfig(&cfg, *fc)
	} else {
		if err := writeConfigFile(configPath, cfg); err != nil {
			fatal("write default config", err, "path", configPath)
		}
		logger.Info("created default config file", "path", configPath)
	}

	return cfg
}

func loadConfigFile(path string) (*fileConfig, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read %s: %w", path, err)
	}

	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return nil, true, fmt.Errorf("parse %s: %w", path, err)
	}
	return &fc, true, nil
}

func applyFileConfig(cfg *Config, fc fileConfig) {
	setStr := func(dst *string, src *string) {
		if src != nil {
			*dst = strings.TrimSpace(*src)
		}
	}
	setInt := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	setBool := func(dst *bool, src *bool) {
		if src != nil {
			*dst = *src
		}
	}

	setStr(&cfg.TargetURL, fc.TargetURL)
	setStr(&cfg.StatusAddr, fc.StatusAddr)
	setStr(&cfg.DataDir, fc.DataDir)
	setStr(&cfg.AutomationDriverURL, fc.AutomationDriverURL)

	setStr(&cfg.ProviderHost, fc.Provider.Host)
	setInt(&cfg.ProviderPort, fc.Provider.Port)
	setStr(&cfg.ProviderZone, fc.Provider.Zone)
	setStr(&cfg.ProviderUsername, fc.Provider.Username)
	setStr(&cfg.ProviderPassword, fc.Provider.Password)
	setStr(&cfg.ProviderEchoURL, fc.Provider.EchoURL)
	setInt(&cfg.ProviderMaxRetries, fc.Provider.MaxRetries)
	setInt(&cfg.ProviderRetryBaseSeconds, fc.Provider.RetryBaseSeconds)
	setInt(&cfg.BreakerThreshold, fc.Provider.BreakerThreshold)
	setInt(&cfg.BreakerPauseSeconds, fc.Provider.BreakerPauseSecs)
	setInt(&cfg.ProviderTimeoutSeconds, fc.Provider.TimeoutSeconds)

	setInt(&cfg.SuccessCooldownMinutes, fc.Timing.SuccessCooldownMinutes)
	setInt(&cfg.TechnicalRetryMinutes, fc.Timing.TechnicalRetryMinutes)
	setInt(&cfg.IPCooldownRetryMinutes, fc.Timing.IPCooldownRetryMinutes)
	setInt(&cfg.MismatchRetryMinutes, fc.Timing.MismatchRetryMinutes)
	setInt(&cfg.VoteResponseWaitSeconds, fc.Timing.VoteResponseWaitSeconds)
	setInt(&cfg.MaxClickAttempts, fc.Timing.MaxClickAttempts)
	setInt(&cfg.InitBackoffBaseSeconds, fc.Timing.InitBackoffBaseSeconds)
	setInt(&cfg.InitBackoffCapSeconds, fc.Timing.InitBackoffCapSeconds)
	setInt(&cfg.InitFailureCap, fc.Timing.InitFailureCap)
	setInt(&cfg.NavigationRetrySeconds, fc.Timing.NavigationRetrySeconds)
	setInt(&cfg.CycleRecoverySeconds, fc.Timing.CycleRecoverySeconds)

	setInt(&cfg.LaunchConcurrency, fc.Launch.Concurrency)
	setInt(&cfg.LaunchSpacingSeconds, fc.Launch.SpacingSeconds)
	setInt(&cfg.LaunchGateTimeoutSeconds, fc.Launch.GateTimeoutSeconds)

	setInt(&cfg.AutoResumeIntervalSeconds, fc.Monitors.AutoResumeIntervalSeconds)
	setInt(&cfg.SessionScanIntervalSeconds, fc.Monitors.SessionScanIntervalSeconds)
	setInt(&cfg.SessionMaxAgeSeconds, fc.Monitors.SessionMaxAgeSeconds)
	setInt(&cfg.ThrottleReclaimGraceSeconds, fc.Monitors.ThrottleReclaimGraceSeconds)
	setInt(&cfg.ThrottlePollIntervalSeconds, fc.Monitors.ThrottlePollIntervalSeconds)
	setInt(&cfg.SessionTeardownStepSeconds, fc.Monitors.SessionTeardownStepSeconds)

	if len(fc.Patterns.GlobalThrottle) > 0 {
		cfg.GlobalThrottlePatterns = fc.Patterns.GlobalThrottle
	}
	if len(fc.Patterns.InstanceCooldown) > 0 {
		cfg.InstanceCooldownPatterns = fc.Patterns.InstanceCooldown
	}
	if len(fc.Patterns.IdentityMismatch) > 0 {
		cfg.IdentityMismatchPatterns = fc.Patterns.IdentityMismatch
	}
	if len(fc.Patterns.SuccessText) > 0 {
		cfg.SuccessTextPatterns = fc.Patterns.SuccessText
	}

	setStr(&cfg.AdminPassword, fc.Admin.Password)
	setStr(&cfg.AdminJWTSecret, fc.Admin.JWTSecret)
	setInt(&cfg.AdminSessionLifetimeMins, fc.Admin.SessionLifetimeMinutes)
	setInt(&cfg.OneTimeCodeLifetimeMinutes, fc.Admin.OneTimeCodeLifetime)

	setStr(&cfg.EventFeedBindAddr, fc.Integrations.EventFeedBindAddr)
	setStr(&cfg.DiscordBotToken, fc.Integrations.DiscordBotToken)
	setStr(&cfg.DiscordNotifyChannelID, fc.Integrations.DiscordNotifyChannelID)
	setInt(&cfg.DiscordMilestoneEvery, fc.Integrations.DiscordMilestoneEvery)

	setBool(&cfg.BackupEnabled, fc.Backup.Enabled)
	setStr(&cfg.BackupAccountID, fc.Backup.AccountID)
	setStr(&cfg.BackupApplicationKey, fc.Backup.ApplicationKey)
	setStr(&cfg.BackupBucket, fc.Backup.Bucket)
	setStr(&cfg.BackupPrefix, fc.Backup.Prefix)
	setInt(&cfg.BackupIntervalSeconds, fc.Backup.IntervalSeconds)

	setBool(&cfg.UseSimdSha256, fc.UseSimdSha256)
	setBool(&cfg.LogDebug, fc.LogDebug)
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.TargetURL) == "" {
		return errors.New("target_url is required")
	}
	if u, err := url.Parse(cfg.TargetURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("target_url %q is not a valid absolute URL", cfg.TargetURL)
	}
	if strings.TrimSpace(cfg.AutomationDriverURL) == "" {
		return errors.New("automation_driver_url is required")
	}
	if cfg.LaunchConcurrency < 1 {
		return errors.New("launch.concurrency must be >= 1")
	}
	if cfg.InitFailureCap < 1 {
		return errors.New("timing.init_failure_cap must be >= 1")
	}
	if cfg.BreakerThreshold < 1 {
		return errors.New("provider.breaker_threshold must be >= 1")
	}
	if cfg.SuccessCooldownMinutes < 1 {
		return errors.New("timing.success_cooldown_minutes must be >= 1")
	}
	if cfg.BackupEnabled {
		if cfg.BackupAccountID == "" || cfg.BackupApplicationKey == "" || cfg.BackupBucket == "" {
			return errors.New("backup.enabled requires account_id, application_key, and bucket")
		}
	}
	return nil
}

// Duration accessors keep the config struct plain ints for TOML while the
// rest of the code works in time.Duration.

func (c Config) successCooldown() time.Duration {
	return time.Duration(c.SuccessCooldownMinutes) * time.Minute
}

func (c Config) retryWindow(ft failureType) time.Duration {
	switch ft {
	case failureIPCooldown:
		return time.Duration(c.IPCooldownRetryMinutes) * time.Minute
	case failureIdentityMismatch:
		return time.Duration(c.MismatchRetryMinutes) * time.Minute
	case failureTechnical:
		return time.Duration(c.TechnicalRetryMinutes) * time.Minute
	default:
		return 0
	}
}

func (c Config) launchSpacing() time.Duration {
	return time.Duration(c.LaunchSpacingSeconds) * time.Second
}

func (c Config) launchGateTimeout() time.Duration {
	return time.Duration(c.LaunchGateTimeoutSeconds) * time.Second
}

func (c Config) initBackoff(consecutiveFailures int) time.Duration {
	base := time.Duration(c.InitBackoffBaseSeconds) * time.Second
	cap := time.Duration(c.InitBackoffCapSeconds) * time.Second
	if consecutiveFailures < 1 {
		consecutiveFailures = 1
	}
	backoff := base
	for i := 1; i < consecutiveFailures; i++ {
		backoff *= 2
		if backoff >= cap {
			return cap
		}
	}
	if backoff > cap {
		return cap
	}
	return backoff
}

func (c Config) sessionMaxAge() time.Duration {
	return time.Duration(c.SessionMaxAgeSeconds) * time.Second
}

func (c Config) throttleReclaimGrace() time.Duration {
	return time.Duration(c.ThrottleReclaimGraceSeconds) * time.Second
}

func (c Config) teardownStepTimeout() time.Duration {
	return time.Duration(c.SessionTeardownStepSeconds) * time.Second
}
