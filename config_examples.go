package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml"
)

func ensureExampleFiles(dataDir string) {
	if dataDir == "" {
		dataDir = defaultDataDir
	}
	examplesDir := filepath.Join(dataDir, "config", "examples")
	if err := os.MkdirAll(examplesDir, 0o755); err != nil {
		logger.Warn("create examples directory failed", "dir", examplesDir, "error", err)
		return
	}
	ensureExampleFile(filepath.Join(examplesDir, "config.toml.example"), exampleConfigBytes())
}

func ensureExampleFile(path string, contents []byte) {
	if len(contents) == 0 {
		return
	}
	if err := os.WriteFile(path, contents, 0o644); err != nil {
		logger.Warn("write example config failed", "path", path, "error", err)
	}
}

func exampleConfigBytes() []byte {
	cfg := defaultConfig()
	cfg.TargetURL = "https://example.com/contest?photo_id=000000"
	cfg.ProviderUsername = "YOUR_PROVIDER_CUSTOMER_ID"
	cfg.ProviderPassword = "YOUR_PROVIDER_PASSWORD"
	cfg.AdminPassword = "CHANGE_ME"
	data, err := toml.Marshal(buildFileConfig(cfg))
	if err != nil {
		logger.Warn("encode config example failed", "error", err)
		return nil
	}
	header := []byte("# Generated example config (copy to config.toml and edit as needed)\n\n")
	return append(header, data...)
}

func writeConfigFile(path string, cfg Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	data, err := toml.Marshal(buildFileConfig(cfg))
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "config-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmpFile.Name()
	removeTemp := true
	defer func() {
		if tmpFile != nil {
			_ = tmpFile.Close()
		}
		if removeTemp {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("sync temp config: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp config: %w", err)
	}
	tmpFile = nil

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	removeTemp = false
	return nil
}

// buildFileConfig maps the in-memory config back to the TOML file shape so
// the generated config.toml and example stay in sync with the defaults.
func buildFileConfig(cfg Config) fileConfig {
	var fc fileConfig
	strPtr := func(s string) *string { return &s }
	intPtr := func(n int) *int { return &n }
	boolPtr := func(b bool) *bool { return &b }

	fc.TargetURL = strPtr(cfg.TargetURL)
	fc.StatusAddr = strPtr(cfg.StatusAddr)
	fc.DataDir = strPtr(cfg.DataDir)
	fc.AutomationDriverURL = strPtr(cfg.AutomationDriverURL)

	fc.Provider.Host = strPtr(cfg.ProviderHost)
	fc.Provider.Port = intPtr(cfg.ProviderPort)
	fc.Provider.Zone = strPtr(cfg.ProviderZone)
	fc.Provider.Username = strPtr(cfg.ProviderUsername)
	fc.Provider.Password = strPtr(cfg.ProviderPassword)
	fc.Provider.EchoURL = strPtr(cfg.ProviderEchoURL)
	fc.Provider.MaxRetries = intPtr(cfg.ProviderMaxRetries)
	fc.Provider.RetryBaseSeconds = intPtr(cfg.ProviderRetryBaseSeconds)
	fc.Provider.BreakerThreshold = intPtr(cfg.BreakerThreshold)
	fc.Provider.BreakerPauseSecs = intPtr(cfg.BreakerPauseSeconds)
	fc.Provider.TimeoutSeconds = intPtr(cfg.ProviderTimeoutSeconds)

	fc.Timing.SuccessCooldownMinutes = intPtr(cfg.SuccessCooldownMinutes)
	fc.Timing.TechnicalRetryMinutes = intPtr(cfg.TechnicalRetryMinutes)
	fc.Timing.IPCooldownRetryMinutes = intPtr(cfg.IPCooldownRetryMinutes)
	fc.Timing.MismatchRetryMinutes = intPtr(cfg.MismatchRetryMinutes)
	fc.Timing.VoteResponseWaitSeconds = intPtr(cfg.VoteResponseWaitSeconds)
	fc.Timing.MaxClickAttempts = intPtr(cfg.MaxClickAttempts)
	fc.Timing.InitBackoffBaseSeconds = intPtr(cfg.InitBackoffBaseSeconds)
	fc.Timing.InitBackoffCapSeconds = intPtr(cfg.InitBackoffCapSeconds)
	fc.Timing.InitFailureCap = intPtr(cfg.InitFailureCap)
	fc.Timing.NavigationRetrySeconds = intPtr(cfg.NavigationRetrySeconds)
	fc.Timing.CycleRecoverySeconds = intPtr(cfg.CycleRecoverySeconds)

	fc.Launch.Concurrency = intPtr(cfg.LaunchConcurrency)
	fc.Launch.SpacingSeconds = intPtr(cfg.LaunchSpacingSeconds)
	fc.Launch.GateTimeoutSeconds = intPtr(cfg.LaunchGateTimeoutSeconds)

	fc.Monitors.AutoResumeIntervalSeconds = intPtr(cfg.AutoResumeIntervalSeconds)
	fc.Monitors.SessionScanIntervalSeconds = intPtr(cfg.SessionScanIntervalSeconds)
	fc.Monitors.SessionMaxAgeSeconds = intPtr(cfg.SessionMaxAgeSeconds)
	fc.Monitors.ThrottleReclaimGraceSeconds = intPtr(cfg.ThrottleReclaimGraceSeconds)
	fc.Monitors.ThrottlePollIntervalSeconds = intPtr(cfg.ThrottlePollIntervalSeconds)
	fc.Monitors.SessionTeardownStepSeconds = intPtr(cfg.SessionTeardownStepSeconds)

	fc.Patterns.GlobalThrottle = cfg.GlobalThrottlePatterns
	fc.Patterns.InstanceCooldown = cfg.InstanceCooldownPatterns
	fc.Patterns.IdentityMismatch = cfg.IdentityMismatchPatterns
	fc.Patterns.SuccessText = cfg.SuccessTextPatterns

	fc.Admin.Password = strPtr(cfg.AdminPassword)
	fc.Admin.JWTSecret = strPtr(cfg.AdminJWTSecret)
	fc.Admin.SessionLifetimeMinutes = intPtr(cfg.AdminSessionLifetimeMins)
	fc.Admin.OneTimeCodeLifetime = intPtr(cfg.OneTimeCodeLifetimeMinutes)

	fc.Integrations.EventFeedBindAddr = strPtr(cfg.EventFeedBindAddr)
	fc.Integrations.DiscordBotToken = strPtr(cfg.DiscordBotToken)
	fc.Integrations.DiscordNotifyChannelID = strPtr(cfg.DiscordNotifyChannelID)
	fc.Integrations.DiscordMilestoneEvery = intPtr(cfg.DiscordMilestoneEvery)

	fc.Backup.Enabled = boolPtr(cfg.BackupEnabled)
	fc.Backup.AccountID = strPtr(cfg.BackupAccountID)
	fc.Backup.ApplicationKey = strPtr(cfg.BackupApplicationKey)
	fc.Backup.Bucket = strPtr(cfg.BackupBucket)
	fc.Backup.Prefix = strPtr(cfg.BackupPrefix)
	fc.Backup.IntervalSeconds = intPtr(cfg.BackupIntervalSeconds)

	fc.UseSimdSha256 = boolPtr(cfg.UseSimdSha256)
	fc.LogDebug = boolPtr(cfg.LogDebug)
	return fc
}
