// Package dedup is the admission gate in front of the activity store: every
// raw activity passes through Admit exactly once, and only fingerprints never
// seen before become stored activities.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mwmbl/post/activity"
	"github.com/mwmbl/post/errors"
)

// Admitter decides whether an incoming raw activity is new.
type Admitter struct {
	store  *activity.Store
	logger *zap.SugaredLogger
}

// NewAdmitter creates an admitter over the given store.
func NewAdmitter(store *activity.Store, logger *zap.SugaredLogger) *Admitter {
	return &Admitter{store: store, logger: logger}
}

// Admit persists the raw activity unless its fingerprint is already known.
// created=false is the duplicate outcome, not an error: the caller receives
// the existing activity and must not re-persist or re-publish it. Admission
// is atomic under the store's uniqueness constraint, so two collectors
// racing on the same fingerprint produce exactly one stored activity.
func (ad *Admitter) Admit(ctx context.Context, raw activity.Raw, observedAt time.Time) (*activity.Activity, bool, error) {
	if raw.Payload.Title == "" {
		return nil, false, errors.Newf("raw activity from %s has no title", raw.Source)
	}

	candidate := &activity.Activity{
		ID:          uuid.NewString(),
		Source:      raw.Source,
		Kind:        raw.Kind,
		NativeID:    raw.NativeID,
		ContentHash: ContentHash(raw.Payload),
		ObservedAt:  observedAt,
		OccurredAt:  raw.OccurredAt,
		Payload:     raw.Payload,
	}
	if candidate.OccurredAt.IsZero() {
		candidate.OccurredAt = observedAt
	}

	stored, created, err := ad.store.FindOrCreateActivity(ctx, candidate)
	if err != nil {
		return nil, false, errors.Wrapf(err, "admit %s", Fingerprint(raw))
	}

	if !created && ad.logger != nil {
		ad.logger.Debugw("Duplicate activity skipped",
			"fingerprint", Fingerprint(raw),
			"existing_id", stored.ID,
		)
	}
	return stored, created, nil
}

// ContentHash digests the normalized payload text: whitespace runs collapsed
// to single spaces, case preserved, title and summary joined by a newline.
func ContentHash(p activity.Payload) string {
	text := normalize(p.Title) + "\n" + normalize(p.Summary)
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Fingerprint renders the dedup identity key for logs and error messages:
// source/native-id, or source/sha256:… when the source has no stable IDs.
func Fingerprint(raw activity.Raw) string {
	if raw.NativeID != "" {
		return string(raw.Source) + "/" + raw.NativeID
	}
	return string(raw.Source) + "/sha256:" + ContentHash(raw.Payload)
}

func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
