package client

import (
	"testing"

	"github.com/example/sync-vector-engine/internal/cvr"
	"github.com/example/sync-vector-engine/internal/version"
)

func newRegistryTestConnection(groupID, clientID string) *Connection {
	identity := Identity{ClientID: clientID, GroupID: cvr.GroupID(groupID)}
	opts := connectionOptions{sendBufferSize: 4}
	return newConnection(identity, ConnEpoch("e"), &fakeTransport{}, nil, discardLogger(), version.Zero, opts, nil)
}

func TestRegistryRegisterAndConnections(t *testing.T) {
	r := NewRegistry()
	c1 := newRegistryTestConnection("g1", "c1")
	c2 := newRegistryTestConnection("g1", "c2")
	c3 := newRegistryTestConnection("g2", "c3")
	r.Register(c1)
	r.Register(c2)
	r.Register(c3)

	conns := r.Connections("g1")
	if len(conns) != 2 {
		t.Fatalf("expected 2 connections for g1, got %d", len(conns))
	}
	if r.Count("g2") != 1 {
		t.Fatalf("expected 1 connection for g2, got %d", r.Count("g2"))
	}
}

func TestRegistryUnregisterRemovesGroupWhenEmpty(t *testing.T) {
	r := NewRegistry()
	c1 := newRegistryTestConnection("g1", "c1")
	r.Register(c1)
	r.Unregister(c1)
	if r.Count("g1") != 0 {
		t.Fatalf("expected group to be empty after unregister")
	}
	if _, ok := r.ByClientID("g1", "c1"); ok {
		t.Fatalf("expected no connection found after unregister")
	}
}

func TestRegistryByClientIDFindsMatch(t *testing.T) {
	r := NewRegistry()
	c1 := newRegistryTestConnection("g1", "c1")
	r.Register(c1)
	found, ok := r.ByClientID("g1", "c1")
	if !ok || found != c1 {
		t.Fatalf("expected to find c1 by client ID")
	}
	if _, ok := r.ByClientID("g1", "missing"); ok {
		t.Fatalf("expected no match for unregistered client ID")
	}
}
