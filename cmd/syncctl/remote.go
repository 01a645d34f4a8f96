package main

import (
	"context"
	"os"

	"github.com/henrycorner-dev/localsync/internal/config"
	apperrors "github.com/henrycorner-dev/localsync/internal/errors"
	"github.com/henrycorner-dev/localsync/internal/sync"
	"github.com/henrycorner-dev/localsync/internal/sync/remote/gcs"
	"github.com/henrycorner-dev/localsync/internal/sync/remote/memory"
	"github.com/henrycorner-dev/localsync/internal/sync/remote/redis"
	"github.com/henrycorner-dev/localsync/internal/sync/remote/s3"
)

func noopClose() error { return nil }

// openRemote builds the remote named by remote.kind.
func openRemote(ctx context.Context, cfg *config.Config) (sync.Remote, func() error, error) {
	rc := cfg.Remote
	switch rc.Kind {
	case config.RemoteNone:
		return nil, noopClose, apperrors.New(apperrors.ErrSyncNotConfigured, "no remote configured; set remote.kind")

	case config.RemoteMemory:
		// Lives as long as the process; useful with "run" for trying the engine out.
		return memory.New(), noopClose, nil

	case config.RemoteS3:
		s3cfg, err := s3.ConfigFor(s3.ProviderConfig{
			Provider:  rc.S3.Provider,
			Endpoint:  rc.S3.Endpoint,
			AccountID: rc.S3.AccountID,
			Region:    rc.S3.Region,
			Bucket:    rc.S3.Bucket,
			AccessKey: rc.S3.AccessKey,
			SecretKey: rc.S3.SecretKey,
			UseSSL:    rc.S3.UseSSL,
		})
		if err != nil {
			return nil, noopClose, err
		}
		s3cfg.Timeout = rc.S3.Timeout
		return s3.NewRemote(s3.NewClient(s3cfg), rc.Prefix), noopClose, nil

	case config.RemoteRedis:
		r, err := redis.Dial(ctx, redis.Options{
			Addr:      rc.Redis.Addr,
			Username:  rc.Redis.Username,
			Password:  rc.Redis.Password,
			DB:        rc.Redis.DB,
			Prefix:    rc.Prefix,
			BatchSize: rc.Redis.BatchSize,
		})
		if err != nil {
			return nil, noopClose, err
		}
		return r, r.Close, nil

	case config.RemoteGCS:
		opts := gcs.Options{Bucket: rc.GCS.Bucket, Prefix: rc.Prefix, Endpoint: rc.GCS.Endpoint}
		if rc.GCS.CredentialsFile != "" {
			data, err := os.ReadFile(rc.GCS.CredentialsFile)
			if err != nil {
				return nil, noopClose, apperrors.Wrap(apperrors.ErrConfigInvalid, "failed to read gcs credentials", err)
			}
			opts.CredentialsJSON = string(data)
		}
		r, err := gcs.Dial(ctx, opts)
		if err != nil {
			return nil, noopClose, err
		}
		return r, r.Close, nil
	}
	return nil, noopClose, apperrors.Newf(apperrors.ErrConfigInvalid, "unknown remote kind %q", rc.Kind)
}
