package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Ledger       LedgerConfig       `yaml:"ledger"`
	OTP          OTPConfig          `yaml:"otp"`
	Penalty      PenaltyConfig      `yaml:"penalty"`
	Vault        VaultConfig        `yaml:"vault"`
	Notification NotificationConfig `yaml:"notification"`
	JWT          JWTConfig          `yaml:"jwt"`
	Log          LogConfig          `yaml:"log"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
}

// ServerConfig contains HTTP and gRPC health server settings
type ServerConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	HealthPort int    `yaml:"health_port"`
}

// DatabaseConfig contains PostgreSQL connection settings
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "postgres" or "memory"
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
}

// LedgerConfig contains ledger client and escrow settings
type LedgerConfig struct {
	Mode              string `yaml:"mode"` // "rpc" or "sim"
	RPCURL            string `yaml:"rpc_url"`
	FundingSecret     string `yaml:"funding_secret"`
	SimFundingBalance int64  `yaml:"sim_funding_balance"`
	StartingReserve   int64  `yaml:"starting_reserve"`
	BaseFee           int64  `yaml:"base_fee"`
	TxTimeoutSeconds  int    `yaml:"tx_timeout_seconds"`
	TxGraceSeconds    int    `yaml:"tx_grace_seconds"`
}

// OTPConfig contains one-time completion code settings
type OTPConfig struct {
	TTLMinutes        int `yaml:"ttl_minutes"`
	BcryptCost        int `yaml:"bcrypt_cost"`
	IssueEverySeconds int `yaml:"issue_every_seconds"`
	IssueBurst        int `yaml:"issue_burst"`
}

// PenaltyConfig contains late fee settings
type PenaltyConfig struct {
	LateFeePercent int64 `yaml:"late_fee_percent"`
}

// VaultConfig contains escrow key sealing settings
type VaultConfig struct {
	Passphrase string `yaml:"passphrase"`
	Salt       string `yaml:"salt"`
}

// NotificationConfig contains code and notice delivery settings
type NotificationConfig struct {
	Provider           string `yaml:"provider"` // "sendgrid", "fcm" or "log"
	SendGridAPIKey     string `yaml:"sendgrid_api_key"`
	FromAddress        string `yaml:"from_address"`
	FromName           string `yaml:"from_name"`
	FCMCredentialsFile string `yaml:"fcm_credentials_file"`
	QueueWorkers       int    `yaml:"queue_workers"`
	QueueSize          int    `yaml:"queue_size"`
	MaxRetries         int    `yaml:"max_retries"`
}

// JWTConfig contains JWT token settings
type JWTConfig struct {
	Secret            string `yaml:"secret"`
	AccessTokenExpiry int    `yaml:"access_token_expiry_minutes"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level      string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format     string `yaml:"format"` // "json" or "text"
	File       string `yaml:"file"`   // optional rotating file sink
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// SchedulerConfig contains cron schedule settings
type SchedulerConfig struct {
	ReconciliationSweep  string `yaml:"reconciliation_sweep"`
	SweepExpiredCodes    string `yaml:"sweep_expired_codes"`
	SendOverdueReminders string `yaml:"send_overdue_reminders"`
}

// Load reads configuration from a YAML file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.overrideWithEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// overrideWithEnv overrides config values with environment variables
func (c *Config) overrideWithEnv() {
	// Database
	if val := os.Getenv("DB_DRIVER"); val != "" {
		c.Database.Driver = val
	}
	if val := os.Getenv("DB_HOST"); val != "" {
		c.Database.Host = val
	}
	if val := os.Getenv("DB_PORT"); val != "" {
		fmt.Sscanf(val, "%d", &c.Database.Port)
	}
	if val := os.Getenv("DB_USER"); val != "" {
		c.Database.User = val
	}
	if val := os.Getenv("DB_PASSWORD"); val != "" {
		c.Database.Password = val
	}
	if val := os.Getenv("DB_NAME"); val != "" {
		c.Database.Database = val
	}
	if val := os.Getenv("DB_SSL_MODE"); val != "" {
		c.Database.SSLMode = val
	}

	// Ledger
	if val := os.Getenv("LEDGER_MODE"); val != "" {
		c.Ledger.Mode = val
	}
	if val := os.Getenv("LEDGER_RPC_URL"); val != "" {
		c.Ledger.RPCURL = val
	}
	if val := os.Getenv("LEDGER_FUNDING_SECRET"); val != "" {
		c.Ledger.FundingSecret = val
	}

	// Vault
	if val := os.Getenv("VAULT_PASSPHRASE"); val != "" {
		c.Vault.Passphrase = val
	}
	if val := os.Getenv("VAULT_SALT"); val != "" {
		c.Vault.Salt = val
	}

	// Notification
	if val := os.Getenv("NOTIFICATION_PROVIDER"); val != "" {
		c.Notification.Provider = val
	}
	if val := os.Getenv("SENDGRID_API_KEY"); val != "" {
		c.Notification.SendGridAPIKey = val
	}
	if val := os.Getenv("FCM_CREDENTIALS_FILE"); val != "" {
		c.Notification.FCMCredentialsFile = val
	}

	// JWT
	if val := os.Getenv("JWT_SECRET"); val != "" {
		c.JWT.Secret = val
	}

	// Server
	if val := os.Getenv("SERVER_HOST"); val != "" {
		c.Server.Host = val
	}
	if val := os.Getenv("SERVER_PORT"); val != "" {
		fmt.Sscanf(val, "%d", &c.Server.Port)
	}

	// Log
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = val
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = val
	}
	if val := os.Getenv("LOG_FILE"); val != "" {
		c.Log.File = val
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate checks if the configuration is valid and fills defaults
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.HealthPort < 0 || c.Server.HealthPort > 65535 {
		return fmt.Errorf("invalid health port: %d", c.Server.HealthPort)
	}

	// Database validation
	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	switch c.Database.Driver {
	case "postgres":
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.User == "" {
			return fmt.Errorf("database user is required")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
		if c.Database.SSLMode == "" {
			c.Database.SSLMode = "disable"
		}
	case "memory":
	default:
		return fmt.Errorf("unknown database driver: %s", c.Database.Driver)
	}

	// Ledger validation
	if c.Ledger.Mode == "" {
		c.Ledger.Mode = "rpc"
	}
	switch c.Ledger.Mode {
	case "rpc":
		if c.Ledger.RPCURL == "" {
			return fmt.Errorf("ledger rpc url is required")
		}
	case "sim":
		if c.Ledger.SimFundingBalance == 0 {
			c.Ledger.SimFundingBalance = 1_000_000_000
		}
	default:
		return fmt.Errorf("unknown ledger mode: %s", c.Ledger.Mode)
	}
	if c.Ledger.Mode == "rpc" && c.Ledger.FundingSecret == "" {
		return fmt.Errorf("ledger funding secret is required")
	}
	if c.Ledger.StartingReserve < 0 || c.Ledger.BaseFee < 0 {
		return fmt.Errorf("ledger reserve and fee must not be negative")
	}
	if c.Ledger.StartingReserve == 0 {
		c.Ledger.StartingReserve = 10
	}
	if c.Ledger.TxTimeoutSeconds == 0 {
		c.Ledger.TxTimeoutSeconds = 30
	}
	if c.Ledger.TxGraceSeconds == 0 {
		c.Ledger.TxGraceSeconds = 30
	}

	// OTP defaults
	if c.OTP.TTLMinutes == 0 {
		c.OTP.TTLMinutes = 10
	}
	if c.OTP.BcryptCost == 0 {
		c.OTP.BcryptCost = 10
	}
	if c.OTP.IssueEverySeconds == 0 {
		c.OTP.IssueEverySeconds = 30
	}
	if c.OTP.IssueBurst == 0 {
		c.OTP.IssueBurst = 3
	}

	// Penalty defaults
	if c.Penalty.LateFeePercent < 0 {
		return fmt.Errorf("late fee percent must not be negative")
	}
	if c.Penalty.LateFeePercent == 0 {
		c.Penalty.LateFeePercent = 10
	}

	// Vault validation
	if len(c.Vault.Passphrase) < 16 {
		return fmt.Errorf("vault passphrase must be at least 16 characters")
	}
	if c.Vault.Salt == "" {
		return fmt.Errorf("vault salt is required")
	}

	// Notification validation
	if c.Notification.Provider == "" {
		c.Notification.Provider = "log"
	}
	switch c.Notification.Provider {
	case "sendgrid":
		if c.Notification.SendGridAPIKey == "" {
			return fmt.Errorf("sendgrid api key is required")
		}
		if !strings.Contains(c.Notification.FromAddress, "@") {
			return fmt.Errorf("notification from address is required")
		}
	case "fcm":
		if c.Notification.FCMCredentialsFile == "" {
			return fmt.Errorf("fcm credentials file is required")
		}
	case "log":
	default:
		return fmt.Errorf("unknown notification provider: %s", c.Notification.Provider)
	}
	if c.Notification.FromName == "" {
		c.Notification.FromName = "Rental Escrow"
	}
	if c.Notification.QueueWorkers == 0 {
		c.Notification.QueueWorkers = 2
	}
	if c.Notification.QueueSize == 0 {
		c.Notification.QueueSize = 100
	}
	if c.Notification.MaxRetries == 0 {
		c.Notification.MaxRetries = 3
	}

	// JWT validation
	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT secret is required")
	}
	if len(c.JWT.Secret) < 32 {
		return fmt.Errorf("JWT secret must be at least 32 characters")
	}
	if c.JWT.AccessTokenExpiry == 0 {
		c.JWT.AccessTokenExpiry = 60
	}

	// Log rotation defaults
	if c.Log.File != "" {
		if c.Log.MaxSizeMB == 0 {
			c.Log.MaxSizeMB = 100
		}
		if c.Log.MaxBackups == 0 {
			c.Log.MaxBackups = 5
		}
		if c.Log.MaxAgeDays == 0 {
			c.Log.MaxAgeDays = 28
		}
	}

	// Scheduler defaults
	if c.Scheduler.ReconciliationSweep == "" {
		c.Scheduler.ReconciliationSweep = "0 */5 * * * *" // every 5 minutes
	}
	if c.Scheduler.SweepExpiredCodes == "" {
		c.Scheduler.SweepExpiredCodes = "0 * * * * *" // every minute
	}
	if c.Scheduler.SendOverdueReminders == "" {
		c.Scheduler.SendOverdueReminders = "0 0 3 * * *" // 3 AM UTC
	}

	return nil
}

// GetDatabaseConnectionString returns a PostgreSQL connection string
func (c *Config) GetDatabaseConnectionString() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
		c.Database.SSLMode,
	)
}

// GetServerAddress returns the HTTP server address
func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// GetHealthAddress returns the gRPC health server address, empty when disabled
func (c *Config) GetHealthAddress() string {
	if c.Server.HealthPort == 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.HealthPort)
}

// TxTimeout returns the per-call ledger timeout
func (c *Config) TxTimeout() time.Duration {
	return time.Duration(c.Ledger.TxTimeoutSeconds) * time.Second
}

// TxGrace returns how long past a transaction's max time a lookup may still find it
func (c *Config) TxGrace() time.Duration {
	return time.Duration(c.Ledger.TxGraceSeconds) * time.Second
}

// CodeTTL returns the completion code lifetime
func (c *Config) CodeTTL() time.Duration {
	return time.Duration(c.OTP.TTLMinutes) * time.Minute
}
