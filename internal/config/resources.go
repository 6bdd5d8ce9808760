package config

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/redis/go-redis/v9"
)

// Resources bundles the external connections a view syncer instance
// needs so their lifecycle can be managed in a single place. CVR and
// Replica are the same pool when both DSNs are equal (the default, see
// Load) and separate pools when they differ, so a deployment can point
// the CVR store and the replica reader at different databases.
type Resources struct {
	CVR     *pgxpool.Pool
	Replica *pgxpool.Pool
	Redis   *redis.Client
	Object  *minio.Client
	cfg     Config
}

// NewResources builds all external dependencies using the provided
// configuration. Object is left nil unless cfg.BaselineEnabled is set.
func NewResources(ctx context.Context, cfg Config) (*Resources, error) {
	cvrPool, err := newPgxPool(ctx, cfg.CVRPostgresURL)
	if err != nil {
		return nil, fmt.Errorf("create cvr postgres pool: %w", err)
	}

	replicaPool := cvrPool
	if cfg.ReplicaPostgresURL != cfg.CVRPostgresURL {
		replicaPool, err = newPgxPool(ctx, cfg.ReplicaPostgresURL)
		if err != nil {
			cvrPool.Close()
			return nil, fmt.Errorf("create replica postgres pool: %w", err)
		}
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	res := &Resources{
		CVR:     cvrPool,
		Replica: replicaPool,
		Redis:   redisClient,
		cfg:     cfg,
	}

	if cfg.BaselineEnabled {
		objectClient, err := minio.New(cfg.ObjectEndpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.ObjectAccessKey, cfg.ObjectSecretKey, ""),
			Secure: cfg.ObjectUseSSL,
			Region: cfg.ObjectRegion,
		})
		if err != nil {
			res.Close()
			return nil, fmt.Errorf("create object client: %w", err)
		}
		res.Object = objectClient
	}

	if err := res.HealthCheck(ctx); err != nil {
		res.Close()
		return nil, err
	}

	return res, nil
}

func newPgxPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pgCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	return pgxpool.NewWithConfig(ctx, pgCfg)
}

// HealthCheck verifies that all dependency pools are healthy.
func (r *Resources) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := r.CVR.Ping(ctx); err != nil {
		return fmt.Errorf("cvr postgres healthcheck failed: %w", err)
	}
	if r.Replica != r.CVR {
		if err := r.Replica.Ping(ctx); err != nil {
			return fmt.Errorf("replica postgres healthcheck failed: %w", err)
		}
	}
	if err := r.Redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis healthcheck failed: %w", err)
	}
	if r.Object != nil {
		if _, err := r.Object.BucketExists(ctx, r.cfg.ObjectBucket); err != nil {
			return fmt.Errorf("object storage healthcheck failed: %w", err)
		}
	}

	return nil
}

// Close disposes all active connections.
func (r *Resources) Close() {
	if r.CVR != nil {
		r.CVR.Close()
	}
	if r.Replica != nil && r.Replica != r.CVR {
		r.Replica.Close()
	}
	if r.Redis != nil {
		_ = r.Redis.Close()
	}
}
