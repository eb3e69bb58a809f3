package database

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"migration-guard/internal/config"
	"migration-guard/internal/errors"
	"migration-guard/internal/logging"

	"github.com/go-sql-driver/mysql"
)

// Credential names the login path that produced a connection
type Credential string

const (
	// CredentialPrivilegedSocket is a passwordless local socket login
	CredentialPrivilegedSocket Credential = "privileged_socket"
	// CredentialServiceAccount is the application account over TCP
	CredentialServiceAccount Credential = "service_account"
)

// PasswordSource resolves the service account password from the secret bundle
type PasswordSource interface {
	Lookup(ctx context.Context, path string) (string, error)
}

// OpenFunc opens a database handle for a DSN
type OpenFunc func(dsn string) (*sql.DB, error)

// Connector selects credentials and opens the datastore. The privileged
// socket is tried first; the service account is the fallback.
type Connector struct {
	cfg       config.DatabaseConfig
	passwords PasswordSource
	logger    *logging.Logger
	open      OpenFunc
}

// NewConnector creates a connector for cfg
func NewConnector(cfg config.DatabaseConfig, passwords PasswordSource, logger *logging.Logger) *Connector {
	return &Connector{
		cfg:       cfg,
		passwords: passwords,
		logger:    logger,
		open: func(dsn string) (*sql.DB, error) {
			return sql.Open("mysql", dsn)
		},
	}
}

// WithOpenFunc replaces the function used to open handles
func (c *Connector) WithOpenFunc(open OpenFunc) *Connector {
	c.open = open
	return c
}

// PrivilegedDSN returns the DSN for the local socket login
func (c *Connector) PrivilegedDSN() string {
	mc := c.baseConfig()
	mc.User = c.cfg.PrivilegedUser
	mc.Net = "unix"
	mc.Addr = c.cfg.Socket
	return mc.FormatDSN()
}

// ServiceDSN returns the DSN for the service account
func (c *Connector) ServiceDSN(password string) string {
	mc := c.baseConfig()
	mc.User = c.cfg.Username
	mc.Passwd = password
	mc.Net = "tcp"
	mc.Addr = fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	return mc.FormatDSN()
}

func (c *Connector) baseConfig() *mysql.Config {
	mc := mysql.NewConfig()
	mc.DBName = c.cfg.Name
	// dial only; statements run as long as the caller's context allows
	mc.Timeout = c.cfg.Timeout
	// values are compared as text, so leave DATETIME unparsed
	mc.ParseTime = false
	mc.Params = map[string]string{"charset": "utf8mb4"}
	return mc
}

// Connect opens the datastore with the first credential that works
func (c *Connector) Connect(ctx context.Context) (*sql.DB, Credential, error) {
	var attempts []error

	if c.cfg.Socket != "" {
		db, err := c.tryOpen(ctx, c.PrivilegedDSN(), c.cfg.Socket, CredentialPrivilegedSocket)
		if err == nil {
			return db, CredentialPrivilegedSocket, nil
		}
		attempts = append(attempts, fmt.Errorf("%s: %w", CredentialPrivilegedSocket, err))
	}

	if c.cfg.Host != "" && c.cfg.Username != "" {
		if c.passwords == nil {
			attempts = append(attempts, fmt.Errorf("%s: no password source configured", CredentialServiceAccount))
		} else {
			password, err := c.passwords.Lookup(ctx, c.cfg.PasswordKey)
			if err != nil {
				attempts = append(attempts, fmt.Errorf("%s: resolving password %q: %w", CredentialServiceAccount, c.cfg.PasswordKey, err))
			} else {
				target := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
				db, err := c.tryOpen(ctx, c.ServiceDSN(password), target, CredentialServiceAccount)
				if err == nil {
					return db, CredentialServiceAccount, nil
				}
				attempts = append(attempts, fmt.Errorf("%s: %w", CredentialServiceAccount, err))
			}
		}
	}

	if len(attempts) == 0 {
		return nil, "", errors.NewFatalPrecondition("no datastore credential is configured", nil)
	}

	err := errors.NewAppError(errors.ErrorTypeConnection,
		fmt.Sprintf("cannot connect to datastore %q with any configured credential", c.cfg.Name),
		stderrors.Join(attempts...))
	return nil, "", err
}

func (c *Connector) tryOpen(ctx context.Context, dsn, target string, cred Credential) (*sql.DB, error) {
	start := time.Now()
	c.logger.WithFields(map[string]interface{}{
		"credential": string(cred),
		"dsn":        logging.SanitizeDSN(dsn),
	}).Debug("Opening datastore connection")

	db, err := c.open(dsn)
	if err != nil {
		c.logger.LogDatabaseConnection(target, string(cred), false, time.Since(start), err)
		return nil, err
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, timeoutOrDefault(c.cfg.Timeout))
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		c.logger.LogDatabaseConnection(target, string(cred), false, time.Since(start), err)
		return nil, err
	}

	c.logger.LogDatabaseConnection(target, string(cred), true, time.Since(start), nil)
	return db, nil
}

func timeoutOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return 30 * time.Second
	}
	return d
}
