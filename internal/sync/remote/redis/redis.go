// Package redis provides a Remote backed by a shared Redis instance.
package redis

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/henrycorner-dev/localsync/internal/errors"
	"github.com/henrycorner-dev/localsync/internal/logging"
	"github.com/henrycorner-dev/localsync/internal/models"
	"github.com/henrycorner-dev/localsync/internal/sync"
)

const (
	defaultPrefix    = "localsync"
	defaultBatchSize = 500
	maxTxRetries     = 3
)

// Options configures a Redis remote.
type Options struct {
	Addr      string
	Username  string
	Password  string
	DB        int
	Prefix    string
	BatchSize int // snapshots per pull; 0 uses the default
}

// Remote keeps records in three keys:
//
//	<prefix>:records  hash of record id to snapshot JSON
//	<prefix>:changes  sorted set of record ids scored by write sequence
//	<prefix>:seq      last write sequence
//
// The cursor is the write sequence. Writes advance it under WATCH so
// sequence order always matches commit order.
type Remote struct {
	client    redis.UniversalClient
	prefix    string
	batchSize int
}

// New creates a Remote over an existing client.
func New(client redis.UniversalClient, prefix string, batchSize int) *Remote {
	if prefix == "" {
		prefix = defaultPrefix
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Remote{client: client, prefix: prefix, batchSize: batchSize}
}

// Dial connects to Redis and checks the connection with PING.
func Dial(ctx context.Context, opts Options) (*Remote, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Username: opts.Username,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, classify("connect", err)
	}
	logging.Info("Connected to redis remote", map[string]interface{}{"addr": opts.Addr, "prefix": opts.Prefix})
	return New(client, opts.Prefix, opts.BatchSize), nil
}

// Close closes the underlying client.
func (r *Remote) Close() error {
	return r.client.Close()
}

func (r *Remote) recordsKey() string { return r.prefix + ":records" }
func (r *Remote) changesKey() string { return r.prefix + ":changes" }
func (r *Remote) seqKey() string     { return r.prefix + ":seq" }

// PullSince implements sync.Remote.
func (r *Remote) PullSince(ctx context.Context, cursor sync.Cursor) (*sync.PullResult, error) {
	changed, err := r.client.ZRangeByScoreWithScores(ctx, r.changesKey(), &redis.ZRangeBy{
		Min:   "(" + strconv.FormatInt(int64(cursor), 10),
		Max:   "+inf",
		Count: int64(r.batchSize),
	}).Result()
	if err != nil {
		return nil, classify("pull", err)
	}

	res := &sync.PullResult{Cursor: cursor}
	if len(changed) == 0 {
		return res, nil
	}

	ids := make([]string, len(changed))
	for i, z := range changed {
		ids[i], _ = z.Member.(string)
	}
	values, err := r.client.HMGet(ctx, r.recordsKey(), ids...).Result()
	if err != nil {
		return nil, classify("pull", err)
	}

	for i, v := range values {
		if c := sync.Cursor(changed[i].Score); c > res.Cursor {
			res.Cursor = c
		}
		raw, ok := v.(string)
		if !ok {
			continue
		}
		snap, err := models.DecodeSnapshot([]byte(raw))
		if err != nil {
			logging.Warn("Skipping undecodable remote record", map[string]interface{}{"record_id": ids[i], "error": err.Error()})
			continue
		}
		res.Snapshots = append(res.Snapshots, snap)
	}
	return res, nil
}

// Push implements sync.Remote.
func (r *Remote) Push(ctx context.Context, snap *models.Snapshot) (*sync.PushAck, error) {
	data, err := snap.Encode()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to encode snapshot", err)
	}

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		var ack *sync.PushAck
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			ack = nil
			cur, err := tx.HGet(ctx, r.recordsKey(), snap.ID).Bytes()
			switch {
			case errors.Is(err, redis.Nil):
			case err != nil:
				return err
			default:
				if existing, err := models.DecodeSnapshot(cur); err == nil {
					if existing.Equal(snap) {
						ack = sync.Accepted()
						return nil
					}
					if existing.Version >= snap.Version {
						ack = sync.Rejected("stale version")
						return nil
					}
				}
			}

			seq, err := tx.Get(ctx, r.seqKey()).Int64()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			seq++
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, r.seqKey(), seq, 0)
				pipe.HSet(ctx, r.recordsKey(), snap.ID, data)
				pipe.ZAdd(ctx, r.changesKey(), redis.Z{Score: float64(seq), Member: snap.ID})
				return nil
			})
			if err == nil {
				ack = sync.Accepted()
			}
			return err
		}, r.recordsKey(), r.seqKey())

		if errors.Is(err, redis.TxFailedErr) {
			logging.Debug("Redis push lost a race, retrying", map[string]interface{}{"record_id": snap.ID, "attempt": attempt + 1})
			continue
		}
		if err != nil {
			return nil, classify("push", err)
		}
		return ack, nil
	}
	return sync.Rejected("concurrent write"), nil
}

// classify maps client errors onto the remote error codes.
func classify(op string, err error) error {
	msg := err.Error()
	switch {
	case strings.HasPrefix(msg, "NOAUTH"), strings.HasPrefix(msg, "WRONGPASS"), strings.HasPrefix(msg, "NOPERM"):
		return apperrors.Wrap(apperrors.ErrAuthFailure, "redis rejected credentials", err)
	}
	// Everything else, including dial errors and timeouts, is worth retrying.
	return apperrors.Wrap(apperrors.ErrNetworkFailure, "redis "+op+" failed", err)
}

var _ sync.Remote = (*Remote)(nil)
