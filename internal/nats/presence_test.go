package nats

import (
	"strings"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
)

func TestKeyEncodingRoundTrip(t *testing.T) {
	ids := []string{"u1", "user@example.com", "65f0c1e2-aa", "a.b c/d"}
	for _, id := range ids {
		key := encodeKey(id)
		if strings.ContainsAny(key, ". /@*>") {
			t.Errorf("key %q for %q has characters not allowed in a KV key", key, id)
		}
		got, ok := decodeKey(key)
		if !ok || got != id {
			t.Errorf("decodeKey(%q) = %q, %v", key, got, ok)
		}
	}
}

func TestTypingSubject(t *testing.T) {
	got := TypingSubject("u1")
	if !strings.HasPrefix(got, TypingSubjectPrefix+".") {
		t.Fatalf("subject = %q", got)
	}
	if strings.Count(got, ".") != 2 {
		t.Fatalf("subject %q must have exactly one token after the prefix", got)
	}
}

func TestMembershipApply(t *testing.T) {
	m := newMembership()
	if !m.apply(encodeKey("u1"), jetstream.KeyValuePut) {
		t.Fatal("first put changes the set")
	}
	if m.apply(encodeKey("u1"), jetstream.KeyValuePut) {
		t.Fatal("refresh put must not count as a change")
	}
	m.apply(encodeKey("u2"), jetstream.KeyValuePut)
	if !m.apply(encodeKey("u1"), jetstream.KeyValueDelete) {
		t.Fatal("delete changes the set")
	}
	if m.apply("!!not-base64!!", jetstream.KeyValuePut) {
		t.Fatal("undecodable keys are ignored")
	}
	if got := m.list(); len(got) != 1 || got[0] != "u2" {
		t.Fatalf("list = %v", got)
	}
}
