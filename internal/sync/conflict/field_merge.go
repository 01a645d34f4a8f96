package conflict

import (
	"encoding/json"
	"sort"

	apperrors "github.com/henrycorner-dev/localsync/internal/errors"
	"github.com/henrycorner-dev/localsync/internal/logging"
	"github.com/henrycorner-dev/localsync/internal/models"
)

// FieldMergeFunc merges one top-level payload field. local or remote is nil
// when the field is absent on that side. Returning a nil merged value drops
// the field. pendingLocal reports that the merged value still carries a
// local-only change the remote has not seen.
type FieldMergeFunc func(field string, local, remote json.RawMessage) (merged json.RawMessage, pendingLocal bool)

// PreferRemote takes the remote value of every field the remote has and keeps
// local-only fields, flagging them as pending.
func PreferRemote(_ string, local, remote json.RawMessage) (json.RawMessage, bool) {
	if remote != nil {
		return remote, false
	}
	return local, local != nil
}

// PreferLocal keeps the local value of every field the local side has.
// A kept value that differs from the remote one is pending.
func PreferLocal(_ string, local, remote json.RawMessage) (json.RawMessage, bool) {
	if local == nil {
		return remote, false
	}
	return local, string(local) != string(remote)
}

// FieldMerge merges JSON-object payloads field by field. The result is
// authoritative only when no merged field reports a pending local change.
// Payloads that are not JSON objects fall back to last-write-wins.
type FieldMerge struct {
	Merge FieldMergeFunc
}

// Strategy implements Resolver.
func (FieldMerge) Strategy() models.Strategy { return models.StrategyFieldMerge }

// Resolve implements Resolver.
func (m FieldMerge) Resolve(local, remote *models.Snapshot) (*Resolution, error) {
	if err := checkPair(local, remote); err != nil {
		return nil, err
	}
	if m.Merge == nil {
		return nil, apperrors.New(apperrors.ErrResolution, "field merge has no merge function")
	}

	var lf, rf map[string]json.RawMessage
	if json.Unmarshal(local.Payload, &lf) != nil || json.Unmarshal(remote.Payload, &rf) != nil || lf == nil || rf == nil {
		logging.Warn("Field merge needs object payloads, using last-write-wins",
			map[string]interface{}{"record_id": local.ID})
		return LastWriteWins{}.Resolve(local, remote)
	}

	fields := make([]string, 0, len(lf)+len(rf))
	for k := range lf {
		fields = append(fields, k)
	}
	for k := range rf {
		if _, ok := lf[k]; !ok {
			fields = append(fields, k)
		}
	}
	sort.Strings(fields)

	merged := make(map[string]json.RawMessage, len(fields))
	var pending []string
	for _, f := range fields {
		v, pendingLocal := m.Merge(f, lf[f], rf[f])
		if v != nil {
			merged[f] = v
		}
		if pendingLocal {
			pending = append(pending, f)
		}
	}

	payload, err := json.Marshal(merged)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrResolution, "merged payload is not valid JSON", err)
	}

	// Deletion and timestamps follow the newer side.
	base := remote
	if newer(local, remote) {
		base = local
	}
	snap := base.Clone()
	snap.Payload = payload
	snap.CreatedAt = min(local.CreatedAt, remote.CreatedAt)
	snap.UpdatedAt = max(local.UpdatedAt, remote.UpdatedAt)

	logging.Info("Conflict resolved using field merge",
		map[string]interface{}{
			"record_id":      local.ID,
			"fields":         len(fields),
			"pending_fields": pending,
		})
	return &Resolution{Winner: WinnerMerged, Snapshot: snap, Authoritative: len(pending) == 0}, nil
}
