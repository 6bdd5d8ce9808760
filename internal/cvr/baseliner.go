package cvr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"

	"github.com/example/sync-vector-engine/internal/version"
)

const (
	defaultBaselineInterval    = 30 * time.Second
	defaultBaselineRowThresh   = 5_000
	defaultBaselineMinorThresh = 50
)

// BaselinePayload is a group's full CVR, serialized for object storage so
// a freshly started instance can seed its in-memory state without
// replaying every patch from the CVR tables.
type BaselinePayload struct {
	GroupID GroupID `json:"group_id"`
	CVR     CVR     `json:"cvr"`
}

// Baseliner periodically snapshots client groups whose CVR has grown
// large or changed often since its last baseline, uploading each
// snapshot as JSON to object storage. It runs independently of the View
// Syncer's own run loop, which is why it is started on its own rather
// than from Service.run (see the decision recorded in DESIGN.md).
// Store.Load never reads a baseline: a restart loads from the CVR
// tables whether or not baselines exist.
type Baseliner struct {
	store  *Store
	object *minio.Client
	bucket string

	interval    time.Duration
	rowThresh   int
	minorThresh uint32

	logger zerolog.Logger

	lastBaselined map[GroupID]version.Version
}

// NewBaseliner constructs a Baseliner with its default thresholds.
func NewBaseliner(store *Store, object *minio.Client, bucket string, logger zerolog.Logger) *Baseliner {
	return &Baseliner{
		store:         store,
		object:        object,
		bucket:        bucket,
		interval:      defaultBaselineInterval,
		rowThresh:     defaultBaselineRowThresh,
		minorThresh:   defaultBaselineMinorThresh,
		logger:        logger,
		lastBaselined: map[GroupID]version.Version{},
	}
}

// Start begins the periodic baseline loop in its own goroutine and
// returns immediately; the loop stops once ctx is done.
func (b *Baseliner) Start(ctx context.Context, groupIDs func() []GroupID) {
	go b.loop(ctx, groupIDs)
}

func (b *Baseliner) loop(ctx context.Context, groupIDs func() []GroupID) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, id := range groupIDs() {
				if err := b.maybeBaseline(ctx, id); err != nil {
					b.logger.Error().Err(err).Str("group_id", string(id)).Msg("baseline emission failed")
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (b *Baseliner) maybeBaseline(ctx context.Context, groupID GroupID) error {
	if b.object == nil {
		return fmt.Errorf("object storage client not configured")
	}

	cvr, err := b.store.Load(ctx, groupID)
	if err != nil {
		return fmt.Errorf("load cvr: %w", err)
	}

	last, seen := b.lastBaselined[groupID]
	if seen {
		minorDelta := cvr.Version.MinorVersion - last.MinorVersion
		if cvr.Version.StateVersion == last.StateVersion && minorDelta < b.minorThresh && len(cvr.Rows) < b.rowThresh {
			return nil
		}
	} else if len(cvr.Rows) < b.rowThresh {
		return nil
	}

	payload := BaselinePayload{GroupID: groupID, CVR: cvr}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode baseline payload: %w", err)
	}

	objectPath := fmt.Sprintf("baselines/%s/%s.json", groupID, cvr.Version)
	if _, err := b.object.PutObject(ctx, b.bucket, objectPath, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: "application/json"}); err != nil {
		return fmt.Errorf("upload baseline: %w", err)
	}

	b.lastBaselined[groupID] = cvr.Version
	b.logger.Info().Str("group_id", string(groupID)).Str("version", cvr.Version.String()).Str("rows", humanize.Comma(int64(len(cvr.Rows)))).Msg("baseline created")
	return nil
}

// LoadBaseline fetches the baseline object stored for groupID at
// exactly version v. Nothing in the service's startup path calls it.
func (b *Baseliner) LoadBaseline(ctx context.Context, groupID GroupID, v version.Version) (CVR, error) {
	objectPath := fmt.Sprintf("baselines/%s/%s.json", groupID, v)
	obj, err := b.object.GetObject(ctx, b.bucket, objectPath, minio.GetObjectOptions{})
	if err != nil {
		return CVR{}, fmt.Errorf("fetch baseline: %w", err)
	}
	defer obj.Close()

	var payload BaselinePayload
	if err := json.NewDecoder(obj).Decode(&payload); err != nil {
		return CVR{}, fmt.Errorf("decode baseline: %w", err)
	}
	return payload.CVR, nil
}
