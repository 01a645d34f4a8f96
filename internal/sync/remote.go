package sync

import (
	"context"

	apperrors "github.com/henrycorner-dev/localsync/internal/errors"
	"github.com/henrycorner-dev/localsync/internal/models"
)

// Cursor is the remote-defined high-water mark of the pulled change stream.
// Zero means nothing has been pulled yet.
type Cursor int64

// PullResult is one batch of remote changes.
type PullResult struct {
	Snapshots []*models.Snapshot
	// Cursor marks how far Snapshots reach; pass it to the next PullSince.
	Cursor Cursor
}

// PushAck is the remote's answer to a push.
type PushAck struct {
	Accepted bool
	Reason   string // set when rejected
}

// Accepted returns a positive acknowledgement.
func Accepted() *PushAck { return &PushAck{Accepted: true} }

// Rejected returns a negative acknowledgement with reason.
func Rejected(reason string) *PushAck { return &PushAck{Reason: reason} }

// Remote is the synchronization endpoint the engine pulls from and pushes to.
//
// Transport failures are reported as NETWORK_FAILURE and rejected
// credentials as AUTH_FAILURE AppErrors. A push the remote refuses for data
// reasons is not an error: it returns a PushAck with Accepted false.
type Remote interface {
	PullSince(ctx context.Context, cursor Cursor) (*PullResult, error)
	Push(ctx context.Context, snap *models.Snapshot) (*PushAck, error)
}

// remoteError gives uncoded remote errors the NETWORK_FAILURE code.
func remoteError(op string, err error) error {
	switch apperrors.CodeOf(err) {
	case apperrors.ErrNetworkFailure, apperrors.ErrAuthFailure:
		return err
	}
	return apperrors.Wrap(apperrors.ErrNetworkFailure, op+" failed", err)
}
