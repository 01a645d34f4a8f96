package s3

import (
	"context"
	"errors"
	"path"
	"sort"
	"strings"

	apperrors "github.com/henrycorner-dev/localsync/internal/errors"
	"github.com/henrycorner-dev/localsync/internal/logging"
	"github.com/henrycorner-dev/localsync/internal/models"
	"github.com/henrycorner-dev/localsync/internal/sync"
)

// ObjectStore is the subset of Client the Remote needs.
type ObjectStore interface {
	PutObject(ctx context.Context, key string, data []byte, ifMatch, ifNoneMatch string) error
	GetObject(ctx context.Context, key string) ([]byte, string, error)
	ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// Remote stores one JSON snapshot per record at <prefix>/records/<id>.json.
//
// The cursor is the newest LastModified time pulled, in Unix milliseconds.
// Object stores report LastModified at second granularity, so objects
// modified at exactly the cursor are returned again; the engine skips such
// repeats as echoes.
type Remote struct {
	store  ObjectStore
	prefix string
}

// NewRemote creates a Remote over store. prefix may be empty.
func NewRemote(store ObjectStore, prefix string) *Remote {
	return &Remote{store: store, prefix: strings.Trim(prefix, "/")}
}

func (r *Remote) recordsPrefix() string {
	if r.prefix == "" {
		return "records/"
	}
	return r.prefix + "/records/"
}

func (r *Remote) key(id string) string {
	return r.recordsPrefix() + id + ".json"
}

// PullSince implements sync.Remote.
func (r *Remote) PullSince(ctx context.Context, cursor sync.Cursor) (*sync.PullResult, error) {
	objects, err := r.store.ListObjects(ctx, r.recordsPrefix())
	if err != nil {
		return nil, err
	}

	var changed []ObjectInfo
	for _, obj := range objects {
		if path.Ext(obj.Key) != ".json" {
			continue
		}
		if cursor == 0 || models.Millis(obj.LastModified) >= int64(cursor) {
			changed = append(changed, obj)
		}
	}
	sort.Slice(changed, func(i, j int) bool {
		if !changed[i].LastModified.Equal(changed[j].LastModified) {
			return changed[i].LastModified.Before(changed[j].LastModified)
		}
		return changed[i].Key < changed[j].Key
	})

	res := &sync.PullResult{Cursor: cursor}
	for _, obj := range changed {
		data, _, err := r.store.GetObject(ctx, obj.Key)
		if err != nil {
			return nil, err
		}
		if data == nil {
			// Listed but gone before the read.
			continue
		}
		snap, err := models.DecodeSnapshot(data)
		if err != nil {
			logging.Warn("Skipping undecodable remote object", map[string]interface{}{"key": obj.Key, "error": err.Error()})
			continue
		}
		res.Snapshots = append(res.Snapshots, snap)
		if c := sync.Cursor(models.Millis(obj.LastModified)); c > res.Cursor {
			res.Cursor = c
		}
	}
	return res, nil
}

// Push implements sync.Remote. The write is conditional on the ETag read
// before it, so a concurrent writer makes the push fail as rejected rather
// than being overwritten.
func (r *Remote) Push(ctx context.Context, snap *models.Snapshot) (*sync.PushAck, error) {
	key := r.key(snap.ID)
	current, etag, err := r.store.GetObject(ctx, key)
	if err != nil {
		return nil, err
	}

	ifMatch, ifNoneMatch := etag, ""
	if current == nil {
		ifMatch, ifNoneMatch = "", "*"
	} else {
		existing, err := models.DecodeSnapshot(current)
		if err == nil {
			if existing.Equal(snap) {
				return sync.Accepted(), nil
			}
			if existing.Version >= snap.Version {
				return sync.Rejected("stale version"), nil
			}
		}
	}

	data, err := snap.Encode()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to encode snapshot", err)
	}
	err = r.store.PutObject(ctx, key, data, ifMatch, ifNoneMatch)
	if errors.Is(err, ErrPreconditionFailed) {
		return sync.Rejected("concurrent write"), nil
	}
	var serr *StatusError
	if errors.As(err, &serr) && apperrors.CodeOf(err) == "" {
		return sync.Rejected(serr.Error()), nil
	}
	if err != nil {
		return nil, err
	}
	return sync.Accepted(), nil
}

var _ sync.Remote = (*Remote)(nil)
