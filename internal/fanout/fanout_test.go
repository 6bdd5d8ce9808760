package fanout

import (
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/sync-vector-engine/internal/cvr"
	"github.com/example/sync-vector-engine/internal/version"
)

func discardLogger() zerolog.Logger { return zerolog.New(io.Discard) }

func TestNewNoopFanoutPublishIsNil(t *testing.T) {
	f := New(nil, discardLogger())
	if err := f.Publish(context.Background(), cvr.GroupID("g1"), version.Version{StateVersion: "05"}); err != nil {
		t.Fatalf("expected a nil-client fanout to no-op, got %v", err)
	}
}

func TestNewNoopFanoutWatchClosesImmediately(t *testing.T) {
	f := New(nil, discardLogger())
	sigCh, errCh := f.Watch(context.Background(), cvr.GroupID("g1"))

	if _, ok := <-sigCh; ok {
		t.Fatalf("expected signal channel to be closed for a nil-client fanout")
	}
	if _, ok := <-errCh; ok {
		t.Fatalf("expected error channel to be closed for a nil-client fanout")
	}
}

func TestTopicIncludesGroupID(t *testing.T) {
	f := New(nil, discardLogger())
	if got, want := f.topic(cvr.GroupID("abc")), "cvr:abc"; got != want {
		t.Fatalf("topic() = %q, want %q", got, want)
	}
}

func TestDecodeRejectsSelfOriginatedSignal(t *testing.T) {
	f := New(nil, discardLogger())
	sig := Signal{GroupID: "g1", StateVersion: "05", InstanceID: f.instanceID}
	payload, err := marshalSignal(sig)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	if _, ok := f.decode(&redis.Message{Payload: payload}); ok {
		t.Fatalf("expected a self-originated signal to be filtered out")
	}
}

func TestDecodeAcceptsPeerSignalOnce(t *testing.T) {
	f := New(nil, discardLogger())
	sig := Signal{GroupID: "g1", StateVersion: "05", InstanceID: "peer-instance"}
	payload, err := marshalSignal(sig)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	got, ok := f.decode(&redis.Message{Payload: payload})
	if !ok {
		t.Fatalf("expected a peer signal to decode")
	}
	if got.GroupID != "g1" || got.Version().StateVersion != "05" {
		t.Fatalf("unexpected decoded signal: %+v", got)
	}

	if _, ok := f.decode(&redis.Message{Payload: payload}); ok {
		t.Fatalf("expected an immediate repeat of the same signal to be deduplicated")
	}
}

func TestDecodeRejectsIncompletePayload(t *testing.T) {
	f := New(nil, discardLogger())
	if _, ok := f.decode(&redis.Message{Payload: `{"group_id":""}`}); ok {
		t.Fatalf("expected an empty group_id to be rejected")
	}
	if _, ok := f.decode(&redis.Message{Payload: `not json`}); ok {
		t.Fatalf("expected malformed JSON to be rejected")
	}
}

func marshalSignal(sig Signal) (string, error) {
	b, err := json.Marshal(sig)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
