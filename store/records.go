package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Retention windows for offline auth state. Credentials are kept long enough
// to survive an extended outage; sessions match the cookie lifetime.
const (
	CredentialTTL = 30 * 24 * time.Hour
	SessionTTL    = 7 * 24 * time.Hour
)

const (
	credentialPrefix = "credential:"
	sessionPrefix    = "session:"
	mutationPrefix   = "pendingMutation:"
)

// ErrMalformedRecord marks a stored record that failed validation on read.
// Malformed records are surfaced, never coerced and never deleted.
var ErrMalformedRecord = errors.New("store: malformed record")

// Credential is a user's opaque offline login secret. The password is
// whatever blob the client submitted; it is never verified locally.
type Credential struct {
	Username string    `json:"username"`
	Password string    `json:"password"`
	SavedAt  time.Time `json:"savedAt"`
}

func (c Credential) validate() error {
	if c.Username == "" {
		return errors.New("missing username")
	}
	// An empty password is legal; passwords are opaque here and only the
	// origin decides whether they are good.
	return nil
}

// Session maps an offline-issued token to a username.
type Session struct {
	Token    string    `json:"token"`
	Username string    `json:"username"`
	IssuedAt time.Time `json:"issuedAt"`
}

func (s Session) validate() error {
	if s.Token == "" {
		return errors.New("missing token")
	}
	if s.Username == "" {
		return errors.New("missing username")
	}
	return nil
}

// PendingMutation is a queued score write awaiting confirmed delivery to the
// origin.
type PendingMutation struct {
	Username   string          `json:"username"`
	ResourceID string          `json:"resourceId"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

func (m PendingMutation) validate() error {
	if m.Username == "" {
		return errors.New("missing username")
	}
	if m.ResourceID == "" {
		return errors.New("missing resource id")
	}
	if len(m.Payload) == 0 {
		return errors.New("missing payload")
	}
	return nil
}

func malformed(key string, reason error) error {
	return fmt.Errorf("%w: %s: %v", ErrMalformedRecord, key, reason)
}

// CredentialStore persists one credential per username. A write always
// supersedes any prior credential for that user.
type CredentialStore struct {
	kv KV
}

func NewCredentialStore(kv KV) *CredentialStore {
	return &CredentialStore{kv: kv}
}

func (c *CredentialStore) Save(username, password string) error {
	cred := Credential{
		Username: username,
		Password: password,
		SavedAt:  time.Now(),
	}
	value, err := json.Marshal(cred)
	if err != nil {
		return err
	}
	return c.kv.Put(credentialPrefix+username, value, CredentialTTL)
}

// StoredCredential is one enumerated credential. If the stored record failed
// validation, Err is set and Credential is zero.
type StoredCredential struct {
	Key        string
	Credential Credential
	Err        error
}

// All enumerates every stored credential, malformed ones included.
func (c *CredentialStore) All() ([]StoredCredential, error) {
	records, err := c.kv.All(credentialPrefix)
	if err != nil {
		return nil, err
	}
	creds := make([]StoredCredential, 0, len(records))
	for _, rec := range records {
		sc := StoredCredential{Key: rec.Key}
		if err := json.Unmarshal(rec.Value, &sc.Credential); err != nil {
			sc.Err = malformed(rec.Key, err)
		} else if err := sc.Credential.validate(); err != nil {
			sc.Err = malformed(rec.Key, err)
			sc.Credential = Credential{}
		}
		creds = append(creds, sc)
	}
	return creds, nil
}

// SessionStore persists token to username mappings.
type SessionStore struct {
	kv KV
}

func NewSessionStore(kv KV) *SessionStore {
	return &SessionStore{kv: kv}
}

func (s *SessionStore) Save(token, username string) error {
	sess := Session{
		Token:    token,
		Username: username,
		IssuedAt: time.Now(),
	}
	value, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return s.kv.Put(sessionPrefix+token, value, SessionTTL)
}

// Resolve returns the username for a token. Unknown and expired tokens return
// ErrNotFound; a stored record failing validation returns ErrMalformedRecord.
func (s *SessionStore) Resolve(token string) (string, error) {
	value, err := s.kv.Get(sessionPrefix + token)
	if err != nil {
		return "", err
	}
	var sess Session
	if err := json.Unmarshal(value, &sess); err != nil {
		return "", malformed(sessionPrefix+token, err)
	}
	if err := sess.validate(); err != nil {
		return "", malformed(sessionPrefix+token, err)
	}
	return sess.Username, nil
}

// Delete removes a session. Deleting an absent token is a no-op.
func (s *SessionStore) Delete(token string) error {
	return s.kv.Delete(sessionPrefix + token)
}

// MutationQueue is the durable queue of writes awaiting replay against the
// origin. Keys are unique by construction (timestamp plus random suffix), so
// rapid repeated submissions never overwrite each other.
type MutationQueue struct {
	kv KV
}

func NewMutationQueue(kv KV) *MutationQueue {
	return &MutationQueue{kv: kv}
}

// Enqueue stores a new pending mutation and returns its key.
func (q *MutationQueue) Enqueue(username, resourceID string, payload json.RawMessage) (string, error) {
	now := time.Now()
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	key := fmt.Sprintf("%s%s:%s:%d:%s", mutationPrefix, username, resourceID, now.UnixMilli(), suffix)
	mut := PendingMutation{
		Username:   username,
		ResourceID: resourceID,
		Payload:    payload,
		EnqueuedAt: now,
	}
	value, err := json.Marshal(mut)
	if err != nil {
		return "", err
	}
	if err := q.kv.Put(key, value, 0); err != nil {
		return "", err
	}
	return key, nil
}

// QueuedMutation is one enumerated queue record. If the stored record failed
// validation, Err is set and Mutation is zero.
type QueuedMutation struct {
	Key      string
	Mutation PendingMutation
	Err      error
}

// Pending enumerates the queued mutations for one user, malformed ones
// included.
func (q *MutationQueue) Pending(username string) ([]QueuedMutation, error) {
	records, err := q.kv.All(mutationPrefix + username + ":")
	if err != nil {
		return nil, err
	}
	muts := make([]QueuedMutation, 0, len(records))
	for _, rec := range records {
		qm := QueuedMutation{Key: rec.Key}
		if err := json.Unmarshal(rec.Value, &qm.Mutation); err != nil {
			qm.Err = malformed(rec.Key, err)
		} else if err := qm.Mutation.validate(); err != nil {
			qm.Err = malformed(rec.Key, err)
			qm.Mutation = PendingMutation{}
		}
		muts = append(muts, qm)
	}
	return muts, nil
}

// Delete removes one queue record, typically after a confirmed replay.
// Deleting an already-removed record is a no-op, which makes concurrent
// reconciliation runs safe.
func (q *MutationQueue) Delete(key string) error {
	return q.kv.Delete(key)
}
