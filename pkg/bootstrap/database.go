package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"sheetwatch/internal/config"
	"sheetwatch/internal/constants"
	"sheetwatch/internal/logger"
	"sheetwatch/pkg/migrations"
)

// Stores holds the database clients. Postgres is required. Redis and MongoDB
// stay nil when unconfigured or unreachable, and the service runs without
// the cache or the snapshot history.
type Stores struct {
	Postgres *sql.DB
	Redis    *redis.Client
	Mongo    *mongo.Client
	History  *mongo.Database
}

// OpenStores connects every configured database. On error the clients
// opened so far are closed again.
func OpenStores(ctx context.Context, cfg config.DatabaseConfig, log logger.Logger) (*Stores, error) {
	s := &Stores{}

	db, err := openPostgres(ctx, cfg.Postgres)
	if err != nil {
		return nil, err
	}
	s.Postgres = db
	log.InfowCtx(ctx, "PostgreSQL connected", "host", cfg.Postgres.Host, "database", cfg.Postgres.DBName)

	if cfg.RunMigrations {
		version, err := migrations.RunPostgres(db)
		if err != nil {
			s.Close(ctx)
			return nil, fmt.Errorf("migrations: %w", err)
		}
		log.InfowCtx(ctx, "Database migrations applied", "version", version)
	}

	if cfg.Redis.Host != "" {
		rdb, err := openRedis(ctx, cfg.Redis)
		if err != nil {
			log.WarnwCtx(ctx, "Redis unavailable, continuing without snapshot cache", "error", err)
		} else {
			s.Redis = rdb
			log.InfowCtx(ctx, "Redis connected", "host", cfg.Redis.Host)
		}
	}

	if cfg.MongoDB.URI != "" {
		client, err := openMongo(ctx, cfg.MongoDB.URI)
		if err != nil {
			log.WarnwCtx(ctx, "MongoDB unavailable, continuing without snapshot history", "error", err)
			return s, nil
		}
		s.Mongo = client
		s.History = client.Database(mongoDatabaseName(cfg.MongoDB))
		if err := migrations.EnsureMongoCollection(ctx, s.History); err != nil {
			s.Close(ctx)
			return nil, err
		}
		log.InfowCtx(ctx, "MongoDB connected", "database", s.History.Name())
	}

	return s, nil
}

// PostgresDSN builds the lib/pq connection URL for the configured database.
func PostgresDSN(cfg config.PostgresConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:     "/" + cfg.DBName,
		RawQuery: url.Values{"sslmode": []string{sslMode}}.Encode(),
	}
	return u.String()
}

func mongoDatabaseName(cfg config.MongoDBConfig) string {
	if cfg.Database == "" {
		return constants.DefaultMongoDBName
	}
	return cfg.Database
}

func openPostgres(ctx context.Context, cfg config.PostgresConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", PostgresDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return db, nil
}

func openRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func openMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("mongodb ping: %w", err)
	}
	return client, nil
}

// Close releases every open client. It is safe on a partially opened or nil
// Stores.
func (s *Stores) Close(ctx context.Context) error {
	if s == nil {
		return nil
	}

	var errs []error
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if s.Postgres != nil {
		if err := s.Postgres.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close postgres: %w", err))
		}
	}
	if s.Mongo != nil {
		if err := s.Mongo.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("disconnect mongodb: %w", err))
		}
	}
	return errors.Join(errs...)
}
