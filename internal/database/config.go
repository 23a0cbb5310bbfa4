package database

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

// DatabaseConfig holds the configuration parameters for database connection
type DatabaseConfig struct {
	Host     string        `mapstructure:"host" yaml:"host"`
	Port     int           `mapstructure:"port" yaml:"port"`
	Socket   string        `mapstructure:"socket" yaml:"socket,omitempty"`
	Username string        `mapstructure:"username" yaml:"username"`
	Password string        `mapstructure:"password" yaml:"password"`
	Database string        `mapstructure:"database" yaml:"database"`
	Charset  string        `mapstructure:"charset" yaml:"charset"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// MaxAllowedPacket caps a single statement sent to or read from the server
	MaxAllowedPacket int `mapstructure:"max_allowed_packet" yaml:"max_allowed_packet"`
}

// SetDefaults fills unset connection parameters
func (dc *DatabaseConfig) SetDefaults() {
	if dc.Host == "" && dc.Socket == "" {
		dc.Host = "localhost"
	}
	if dc.Port == 0 {
		dc.Port = 3306
	}
	if dc.Charset == "" {
		dc.Charset = "utf8mb4"
	}
	if dc.Timeout == 0 {
		dc.Timeout = 30 * time.Second
	}
	if dc.MaxAllowedPacket == 0 {
		dc.MaxAllowedPacket = 16 << 20
	}
}

// Validate checks if the database configuration has all required parameters
func (dc *DatabaseConfig) Validate() error {
	var errs []error

	if dc.Host == "" && dc.Socket == "" {
		errs = append(errs, errors.New("host or socket is required"))
	}

	if dc.Socket == "" && (dc.Port <= 0 || dc.Port > 65535) {
		errs = append(errs, errors.New("port must be between 1 and 65535"))
	}

	if dc.Username == "" {
		errs = append(errs, errors.New("username is required"))
	}

	if dc.Database == "" {
		errs = append(errs, errors.New("database name is required"))
	}

	if dc.Timeout <= 0 {
		dc.Timeout = 30 * time.Second
	}

	if len(errs) > 0 {
		return fmt.Errorf("database configuration validation failed: %v", errs)
	}

	return nil
}

// DSN returns the Data Source Name for MySQL connection
func (dc *DatabaseConfig) DSN() string {
	cfg := mysql.NewConfig()
	cfg.User = dc.Username
	cfg.Passwd = dc.Password
	cfg.DBName = dc.Database
	if dc.Socket != "" {
		cfg.Net = "unix"
		cfg.Addr = dc.Socket
	} else {
		cfg.Net = "tcp"
		cfg.Addr = net.JoinHostPort(dc.Host, strconv.Itoa(dc.Port))
	}
	cfg.Timeout = dc.Timeout
	cfg.ParseTime = false
	if dc.MaxAllowedPacket > 0 {
		cfg.MaxAllowedPacket = dc.MaxAllowedPacket
	}
	dsn := cfg.FormatDSN()
	if dc.Charset == "" {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "charset=" + dc.Charset
}
