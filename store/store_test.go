package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testDBCounter int

func newTestKV(t *testing.T) *SQLite {
	t.Helper()
	testDBCounter++
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s%d?mode=memory&cache=shared", name, testDBCounter)
	kv, err := NewSQLite(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return kv
}

func TestPutGetRoundtrip(t *testing.T) {
	kv := newTestKV(t)

	require.NoError(t, kv.Put("k", []byte("v"), 0))
	got, err := kv.Get("k")
	require.NoError(t, err)
	require.Equal(t, []byte("v"), got)
}

func TestGetMissing(t *testing.T) {
	kv := newTestKV(t)

	_, err := kv.Get("nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestExpiredReadsAsAbsent(t *testing.T) {
	kv := newTestKV(t)

	require.NoError(t, kv.Put("k", []byte("v"), -time.Second))
	_, err := kv.Get("k")
	require.ErrorIs(t, err, ErrNotFound)

	// expired rows are excluded from scans too
	records, err := kv.All("k")
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestDeleteAbsentIsNoop(t *testing.T) {
	kv := newTestKV(t)
	require.NoError(t, kv.Delete("never-existed"))
}

func TestAllPrefixOrdered(t *testing.T) {
	kv := newTestKV(t)

	require.NoError(t, kv.Put("a:2", []byte("two"), 0))
	require.NoError(t, kv.Put("a:1", []byte("one"), 0))
	require.NoError(t, kv.Put("b:1", []byte("other"), 0))

	records, err := kv.All("a:")
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "a:1", records[0].Key)
	require.Equal(t, "a:2", records[1].Key)
}

func TestAllPrefixWildcardsAreLiteral(t *testing.T) {
	kv := newTestKV(t)

	require.NoError(t, kv.Put("a:alice:1", []byte("x"), 0))
	require.NoError(t, kv.Put("a:ali_e:1", []byte("y"), 0))

	// % and _ in the prefix must not act as LIKE wildcards
	records, err := kv.All("a:%")
	require.NoError(t, err)
	require.Empty(t, records)

	records, err = kv.All("a:ali_e:")
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "a:ali_e:1", records[0].Key)
}

func TestCredentialOverwrite(t *testing.T) {
	kv := newTestKV(t)
	creds := NewCredentialStore(kv)

	require.NoError(t, creds.Save("alice", "first"))
	require.NoError(t, creds.Save("alice", "second"))

	all, err := creds.All()
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.NoError(t, all[0].Err)
	require.Equal(t, "second", all[0].Credential.Password)
}

func TestEmptyPasswordCredentialIsValid(t *testing.T) {
	kv := newTestKV(t)
	creds := NewCredentialStore(kv)

	// passwords are opaque; an empty one still gets tried against the origin
	require.NoError(t, creds.Save("alice", ""))

	all, err := creds.All()
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.NoError(t, all[0].Err)
	require.Equal(t, "alice", all[0].Credential.Username)
	require.Empty(t, all[0].Credential.Password)
}

func TestMalformedCredentialSurfaced(t *testing.T) {
	kv := newTestKV(t)
	creds := NewCredentialStore(kv)

	require.NoError(t, kv.Put("credential:broken", []byte("{\"username\":\"\"}"), 0))
	require.NoError(t, creds.Save("alice", "pw"))

	all, err := creds.All()
	require.NoError(t, err)
	require.Len(t, all, 2)

	var malformed, valid int
	for _, sc := range all {
		if sc.Err != nil {
			require.ErrorIs(t, sc.Err, ErrMalformedRecord)
			malformed++
		} else {
			valid++
		}
	}
	require.Equal(t, 1, malformed)
	require.Equal(t, 1, valid)
}

func TestSessionResolveAndDelete(t *testing.T) {
	kv := newTestKV(t)
	sessions := NewSessionStore(kv)

	require.NoError(t, sessions.Save("tok", "alice"))

	username, err := sessions.Resolve("tok")
	require.NoError(t, err)
	require.Equal(t, "alice", username)

	require.NoError(t, sessions.Delete("tok"))
	_, err = sessions.Resolve("tok")
	require.ErrorIs(t, err, ErrNotFound)

	// deleting again is fine
	require.NoError(t, sessions.Delete("tok"))
}

func TestEnqueueNeverOverwrites(t *testing.T) {
	kv := newTestKV(t)
	queue := NewMutationQueue(kv)

	// rapid repeated submissions for the same user and chart
	k1, err := queue.Enqueue("alice", "42", json.RawMessage(`{"combo":1}`))
	require.NoError(t, err)
	k2, err := queue.Enqueue("alice", "42", json.RawMessage(`{"combo":2}`))
	require.NoError(t, err)
	require.NotEqual(t, k1, k2)

	pending, err := queue.Pending("alice")
	require.NoError(t, err)
	require.Len(t, pending, 2)
}

func TestPendingScopedToUser(t *testing.T) {
	kv := newTestKV(t)
	queue := NewMutationQueue(kv)

	_, err := queue.Enqueue("alice", "1", json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = queue.Enqueue("bob", "1", json.RawMessage(`{}`))
	require.NoError(t, err)

	pending, err := queue.Pending("alice")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "alice", pending[0].Mutation.Username)
}

func TestPendingIsolatedFromWildcardUsernames(t *testing.T) {
	kv := newTestKV(t)
	queue := NewMutationQueue(kv)

	_, err := queue.Enqueue("alice", "42", json.RawMessage(`{"combo":100}`))
	require.NoError(t, err)

	// "ali_e" is one LIKE wildcard away from "alice" and must see nothing
	pending, err := queue.Pending("ali_e")
	require.NoError(t, err)
	require.Empty(t, pending)

	pending, err = queue.Pending("%")
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestMalformedMutationSurvivesEnumeration(t *testing.T) {
	kv := newTestKV(t)
	queue := NewMutationQueue(kv)

	key := "pendingMutation:alice:42:123:deadbeef"
	require.NoError(t, kv.Put(key, []byte("not json"), 0))

	pending, err := queue.Pending("alice")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.ErrorIs(t, pending[0].Err, ErrMalformedRecord)

	// enumeration must not have touched the record
	_, err = kv.Get(key)
	require.NoError(t, err)
}
