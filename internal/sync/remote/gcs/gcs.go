// Package gcs provides a Remote backed by a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	apperrors "github.com/henrycorner-dev/localsync/internal/errors"
	"github.com/henrycorner-dev/localsync/internal/logging"
	"github.com/henrycorner-dev/localsync/internal/models"
	"github.com/henrycorner-dev/localsync/internal/sync"
)

// Options configures a GCS remote.
type Options struct {
	Bucket string
	Prefix string
	// CredentialsJSON holds a service account key. Empty uses Application
	// Default Credentials.
	CredentialsJSON string
	// Endpoint overrides the API endpoint, e.g. for an emulator. Requests
	// to a custom endpoint are sent unauthenticated.
	Endpoint string
}

// object is the listing information the remote needs.
type object struct {
	Name       string
	Updated    time.Time
	Generation int64
}

// bucket is the storage surface used by Remote.
type bucket interface {
	list(ctx context.Context, prefix string) ([]object, error)
	// read returns the data and generation of name; a missing object
	// yields storage.ErrObjectNotExist.
	read(ctx context.Context, name string) ([]byte, int64, error)
	// write stores data if the object's generation still equals generation;
	// zero requires the object not to exist.
	write(ctx context.Context, name string, data []byte, generation int64) error
}

// Remote stores one JSON snapshot per record at <prefix>/records/<id>.json.
// The cursor is the newest object update time pulled, in Unix milliseconds.
// Objects updated at exactly the cursor are returned again; the engine skips
// such repeats as echoes.
type Remote struct {
	bucket bucket
	prefix string
	closer io.Closer
}

// Dial creates a storage client and checks the bucket is reachable.
func Dial(ctx context.Context, opts Options) (*Remote, error) {
	if opts.Bucket == "" {
		return nil, apperrors.New(apperrors.ErrConfigInvalid, "gcs bucket is required")
	}

	var clientOpts []option.ClientOption
	switch {
	case opts.Endpoint != "":
		clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint), option.WithoutAuthentication())
	case strings.TrimSpace(opts.CredentialsJSON) != "":
		clientOpts = append(clientOpts, option.WithCredentialsJSON([]byte(opts.CredentialsJSON)))
	}

	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrAuthFailure, "failed to create gcs client", err)
	}
	handle := client.Bucket(opts.Bucket)
	if _, err := handle.Attrs(ctx); err != nil {
		client.Close()
		return nil, classify("connect", err)
	}

	logging.Info("Connected to gcs remote", map[string]interface{}{"bucket": opts.Bucket, "prefix": opts.Prefix})
	r := newRemote(&gcsBucket{handle: handle}, opts.Prefix)
	r.closer = client
	return r, nil
}

func newRemote(b bucket, prefix string) *Remote {
	return &Remote{bucket: b, prefix: strings.Trim(prefix, "/")}
}

// Close releases the storage client.
func (r *Remote) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

func (r *Remote) recordsPrefix() string {
	if r.prefix == "" {
		return "records/"
	}
	return r.prefix + "/records/"
}

// PullSince implements sync.Remote.
func (r *Remote) PullSince(ctx context.Context, cursor sync.Cursor) (*sync.PullResult, error) {
	objects, err := r.bucket.list(ctx, r.recordsPrefix())
	if err != nil {
		return nil, classify("list", err)
	}

	var changed []object
	for _, obj := range objects {
		if !strings.HasSuffix(obj.Name, ".json") {
			continue
		}
		if cursor == 0 || models.Millis(obj.Updated) >= int64(cursor) {
			changed = append(changed, obj)
		}
	}
	sort.Slice(changed, func(i, j int) bool {
		if !changed[i].Updated.Equal(changed[j].Updated) {
			return changed[i].Updated.Before(changed[j].Updated)
		}
		return changed[i].Name < changed[j].Name
	})

	res := &sync.PullResult{Cursor: cursor}
	for _, obj := range changed {
		data, _, err := r.bucket.read(ctx, obj.Name)
		if errors.Is(err, storage.ErrObjectNotExist) {
			continue
		}
		if err != nil {
			return nil, classify("read", err)
		}
		snap, err := models.DecodeSnapshot(data)
		if err != nil {
			logging.Warn("Skipping undecodable remote object", map[string]interface{}{"object": obj.Name, "error": err.Error()})
			continue
		}
		res.Snapshots = append(res.Snapshots, snap)
		if c := sync.Cursor(models.Millis(obj.Updated)); c > res.Cursor {
			res.Cursor = c
		}
	}
	return res, nil
}

// Push implements sync.Remote. The write is conditional on the generation
// read before it, so a concurrent writer makes the push rejected.
func (r *Remote) Push(ctx context.Context, snap *models.Snapshot) (*sync.PushAck, error) {
	name := r.recordsPrefix() + snap.ID + ".json"

	current, generation, err := r.bucket.read(ctx, name)
	switch {
	case errors.Is(err, storage.ErrObjectNotExist):
		generation = 0
	case err != nil:
		return nil, classify("read", err)
	default:
		if existing, err := models.DecodeSnapshot(current); err == nil {
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
	if err := r.bucket.write(ctx, name, data, generation); err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed {
			return sync.Rejected("concurrent write"), nil
		}
		return nil, classify("write", err)
	}
	return sync.Accepted(), nil
}

// classify maps storage errors onto the remote error codes.
func classify(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden:
			return apperrors.Wrap(apperrors.ErrAuthFailure, "gcs rejected credentials", err)
		case gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500:
			return apperrors.Wrap(apperrors.ErrNetworkFailure, "gcs "+op+" failed", err)
		}
		return apperrors.Wrap(apperrors.ErrInternal, "gcs "+op+" failed", err)
	}
	if errors.Is(err, storage.ErrBucketNotExist) {
		return apperrors.Wrap(apperrors.ErrConfigInvalid, "gcs bucket does not exist", err)
	}
	return apperrors.Wrap(apperrors.ErrNetworkFailure, "gcs "+op+" failed", err)
}

// =====================================================
// Cloud Storage binding
// =====================================================

type gcsBucket struct {
	handle *storage.BucketHandle
}

func (b *gcsBucket) list(ctx context.Context, prefix string) ([]object, error) {
	var out []object
	it := b.handle.Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, object{Name: attrs.Name, Updated: attrs.Updated, Generation: attrs.Generation})
	}
}

func (b *gcsBucket) read(ctx context.Context, name string) ([]byte, int64, error) {
	rd, err := b.handle.Object(name).NewReader(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer rd.Close()
	data, err := io.ReadAll(rd)
	if err != nil {
		return nil, 0, err
	}
	return data, rd.Attrs.Generation, nil
}

func (b *gcsBucket) write(ctx context.Context, name string, data []byte, generation int64) error {
	cond := storage.Conditions{DoesNotExist: true}
	if generation != 0 {
		cond = storage.Conditions{GenerationMatch: generation}
	}
	w := b.handle.Object(name).If(cond).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

var _ sync.Remote = (*Remote)(nil)
