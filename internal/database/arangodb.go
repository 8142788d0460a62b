// Package database wraps the ArangoDB connection used by the
// ArangoDB-backed Repository. Grounded directly on the teacher's
// internal/database/arangodb.go (connection pooling, ensure-database,
// ping), trimmed to what the engine's persistence layer needs.
package database

import (
	"context"
	"fmt"

	driver "github.com/arangodb/go-driver"
	"github.com/arangodb/go-driver/http"
	log "github.com/sirupsen/logrus"

	"github.com/aosanya/workflowcore/internal/config"
)

// ArangoClient wraps the ArangoDB client and database connection.
type ArangoClient struct {
	client   driver.Client
	db       driver.Database
	config   *config.DatabaseConfig
	ctx      context.Context
	cancelFn context.CancelFunc
}

// NewArangoClient opens a connection and ensures cfg.Database exists.
func NewArangoClient(cfg *config.DatabaseConfig) (*ArangoClient, error) {
	ctx, cancel := context.WithCancel(context.Background())

	conn, err := http.NewConnection(http.ConnectionConfig{
		Endpoints: []string{fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port)},
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create connection: %w", err)
	}

	client, err := driver.NewClient(driver.ClientConfig{
		Connection:     conn,
		Authentication: driver.BasicAuthentication(cfg.Username, cfg.Password),
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create client: %w", err)
	}

	db, err := ensureDatabase(ctx, client, cfg.Database)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ensure database: %w", err)
	}

	log.WithFields(log.Fields{
		"host":     cfg.Host,
		"port":     cfg.Port,
		"database": cfg.Database,
	}).Info("connected to ArangoDB")

	return &ArangoClient{client: client, db: db, config: cfg, ctx: ctx, cancelFn: cancel}, nil
}

func ensureDatabase(ctx context.Context, client driver.Client, dbName string) (driver.Database, error) {
	exists, err := client.DatabaseExists(ctx, dbName)
	if err != nil {
		return nil, fmt.Errorf("check database existence: %w", err)
	}
	if exists {
		db, err := client.Database(ctx, dbName)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		log.WithField("database", dbName).Info("using existing database")
		return db, nil
	}

	db, err := client.CreateDatabase(ctx, dbName, nil)
	if err != nil {
		return nil, fmt.Errorf("create database: %w", err)
	}
	log.WithField("database", dbName).Info("created new database")
	return db, nil
}

// Database returns the underlying driver.Database handle.
func (ac *ArangoClient) Database() driver.Database { return ac.db }

// Client returns the underlying driver.Client.
func (ac *ArangoClient) Client() driver.Client { return ac.client }

// Close releases the client's background context.
func (ac *ArangoClient) Close() error {
	if ac.cancelFn != nil {
		ac.cancelFn()
	}
	log.Info("closed ArangoDB connection")
	return nil
}

// Ping verifies connectivity by requesting the server version.
func (ac *ArangoClient) Ping() error {
	version, err := ac.client.Version(ac.ctx)
	if err != nil {
		return fmt.Errorf("ping ArangoDB: %w", err)
	}
	log.WithField("version", version.Version).Debug("ArangoDB ping successful")
	return nil
}
