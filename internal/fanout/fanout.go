// Package fanout signals client-group version advances across a fleet
// of view syncer instances over Redis Pub/Sub. A client group is owned
// by exactly one running service at a time, but the gateway's routing
// can briefly disagree with that ownership during a rebalance or a
// rolling restart, landing two instances on the same group. Fanout
// lets the instance that didn't win the flush notice a peer's version
// advance and step aside instead of serving a stale snapshot.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/sync-vector-engine/internal/cvr"
	"github.com/example/sync-vector-engine/internal/version"
)

const (
	defaultTopicPrefix = "cvr:"
	defaultDedupeTTL   = 30 * time.Second
	maxBackoffDelay    = 30 * time.Second
)

// Signal announces that some instance flushed a new CVR version for a
// group. InstanceID identifies the publisher so a receiver can tell
// its own flushes apart from a peer's.
type Signal struct {
	GroupID      string `json:"group_id"`
	StateVersion string `json:"state_version"`
	MinorVersion uint32 `json:"minor_version"`
	InstanceID   string `json:"instance_id"`
	EnqueuedAt   int64  `json:"enqueued_at"`
}

func (s Signal) Version() version.Version {
	return version.Version{StateVersion: s.StateVersion, MinorVersion: s.MinorVersion}
}

// Fanout publishes and watches group version signals over Redis.
type Fanout struct {
	client     *redis.Client
	logger     zerolog.Logger
	instanceID string

	topicPrefix string
	dedupeTTL   time.Duration

	seenMu sync.Mutex
	seen   map[string]time.Time

	latency *prometheus.HistogramVec
}

// New constructs a Fanout. client may be nil, in which case Publish and
// Watch become no-ops — useful for single-instance deployments and for
// tests that don't want a Redis dependency.
func New(client *redis.Client, logger zerolog.Logger) *Fanout {
	return &Fanout{
		client:      client,
		logger:      logger,
		instanceID:  ulid.Make().String(),
		topicPrefix: defaultTopicPrefix,
		dedupeTTL:   defaultDedupeTTL,
		seen:        make(map[string]time.Time),
		latency:     signalLatency,
	}
}

// InstanceID identifies this process among the fleet. Signals carrying
// this InstanceID originated here and are never acted on by Watch.
func (f *Fanout) InstanceID() string { return f.instanceID }

// Publish announces that this instance flushed groupID to v. It retries
// transient Redis errors with backoff and gives up when ctx is done.
func (f *Fanout) Publish(ctx context.Context, groupID cvr.GroupID, v version.Version) error {
	if f == nil || f.client == nil {
		return nil
	}

	sig := Signal{
		GroupID:      string(groupID),
		StateVersion: v.StateVersion,
		MinorVersion: v.MinorVersion,
		InstanceID:   f.instanceID,
		EnqueuedAt:   time.Now().UTC().UnixNano(),
	}
	encoded, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("encode fanout signal: %w", err)
	}

	topic := f.topic(groupID)
	backoff := time.Second
	for {
		if err := f.client.Publish(ctx, topic, encoded).Err(); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			f.logger.Warn().Err(err).Str("topic", topic).Dur("backoff", backoff).Msg("fanout publish failed; retrying")
			select {
			case <-time.After(backoff):
				backoff = minDuration(backoff*2, maxBackoffDelay)
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}
}

// Watch subscribes to groupID's topic and returns a channel of signals
// from other instances (self-originated signals are filtered out). The
// subscription survives transient Redis errors by reconnecting with
// backoff internally, so the paired error channel never fires in
// practice; it exists for symmetry with pipeline.Source.Changes and is
// closed alongside the signal channel when ctx is done. If the Fanout
// has no Redis client, Watch returns two channels that are immediately
// closed.
func (f *Fanout) Watch(ctx context.Context, groupID cvr.GroupID) (<-chan Signal, <-chan error) {
	sigCh := make(chan Signal)
	errCh := make(chan error, 1)

	if f == nil || f.client == nil {
		close(sigCh)
		close(errCh)
		return sigCh, errCh
	}

	go f.run(ctx, groupID, sigCh, errCh)
	return sigCh, errCh
}

func (f *Fanout) run(ctx context.Context, groupID cvr.GroupID, sigCh chan<- Signal, errCh chan<- error) {
	defer close(sigCh)
	defer close(errCh)

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		pubsub := f.client.Subscribe(ctx, f.topic(groupID))
		err := f.consume(ctx, pubsub, sigCh)
		pubsub.Close()
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}

		f.logger.Warn().Err(err).Str("group_id", string(groupID)).Dur("backoff", backoff).Msg("fanout subscription interrupted; retrying")
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
			backoff = minDuration(backoff*2, maxBackoffDelay)
		}
	}
}

func (f *Fanout) consume(ctx context.Context, pubsub *redis.PubSub, sigCh chan<- Signal) error {
	ch := pubsub.Channel(redis.WithChannelSize(16))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("fanout pubsub channel closed")
			}
			sig, ok := f.decode(msg)
			if !ok {
				continue
			}
			select {
			case sigCh <- sig:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (f *Fanout) decode(msg *redis.Message) (Signal, bool) {
	var sig Signal
	if err := json.Unmarshal([]byte(msg.Payload), &sig); err != nil {
		f.logger.Warn().Err(err).Msg("failed to decode fanout signal")
		return Signal{}, false
	}
	if sig.GroupID == "" || sig.InstanceID == "" {
		return Signal{}, false
	}
	if sig.InstanceID == f.instanceID {
		return Signal{}, false
	}
	if f.isDuplicate(sig) {
		return Signal{}, false
	}

	if sig.EnqueuedAt > 0 {
		latency := time.Since(time.Unix(0, sig.EnqueuedAt)).Seconds()
		f.latency.WithLabelValues(sig.GroupID).Observe(latency)
	}
	return sig, true
}

func (f *Fanout) isDuplicate(sig Signal) bool {
	key := fmt.Sprintf("%s:%s:%d:%s", sig.GroupID, sig.StateVersion, sig.MinorVersion, sig.InstanceID)

	f.seenMu.Lock()
	defer f.seenMu.Unlock()

	if ts, ok := f.seen[key]; ok && time.Since(ts) < f.dedupeTTL {
		return true
	}
	f.seen[key] = time.Now()

	cutoff := time.Now().Add(-f.dedupeTTL)
	for k, ts := range f.seen {
		if ts.Before(cutoff) {
			delete(f.seen, k)
		}
	}
	return false
}

func (f *Fanout) topic(groupID cvr.GroupID) string {
	return fmt.Sprintf("%s%s", f.topicPrefix, groupID)
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
