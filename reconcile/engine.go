package reconcile

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/maiproxy/maiproxy/store"
)

// UserOutcome is the per-user slice of a reconciliation report.
type UserOutcome struct {
	Synced           int    `json:"synced"`
	SkippedMalformed int    `json:"skippedMalformed"`
	Failed           int    `json:"failed"`
	AuthError        string `json:"authError,omitempty"`
}

// Report is the structured outcome of one reconciliation run. It is the only
// externally observable result of the job; no reconciliation error ever
// reaches a client.
type Report struct {
	StartedAt            time.Time              `json:"startedAt"`
	FinishedAt           time.Time              `json:"finishedAt"`
	OriginDown           bool                   `json:"originDown"`
	Users                int                    `json:"users"`
	MalformedCredentials int                    `json:"malformedCredentials"`
	AuthFailures         int                    `json:"authFailures"`
	Synced               int                    `json:"synced"`
	SkippedMalformed     int                    `json:"skippedMalformed"`
	Failed               int                    `json:"failed"`
	PerUser              map[string]UserOutcome `json:"perUser"`
}

// Engine authenticates each known user against the origin and replays that
// user's queued mutations. Users are processed in isolation: one user's
// failure never blocks another's replay. Runs may overlap (manual trigger
// next to the schedule); queue deletion is idempotent, so that is safe.
type Engine struct {
	credentials *store.CredentialStore
	queue       *store.MutationQueue
	origin      OriginClient
	log         zerolog.Logger
}

func NewEngine(creds *store.CredentialStore, queue *store.MutationQueue, origin OriginClient, log zerolog.Logger) *Engine {
	return &Engine{
		credentials: creds,
		queue:       queue,
		origin:      origin,
		log:         log.With().Str("component", "reconcile").Logger(),
	}
}

// Run executes one reconciliation cycle and reports the outcome.
//
// A mutation is deleted if and only if the origin confirms its replay. Any
// failure keeps the record for the next cycle; malformed records are skipped
// and reported, never deleted.
func (e *Engine) Run(ctx context.Context) (report Report) {
	report = Report{
		StartedAt: time.Now(),
		PerUser:   map[string]UserOutcome{},
	}
	defer func() { report.FinishedAt = time.Now() }()

	if err := e.origin.Health(ctx); err != nil {
		e.log.Debug().Err(err).Msg("Origin still unreachable, skipping cycle")
		report.OriginDown = true
		return report
	}

	creds, err := e.credentials.All()
	if err != nil {
		e.log.Error().Err(err).Msg("Could not enumerate credentials")
		return report
	}

	for _, cred := range creds {
		if ctx.Err() != nil {
			e.log.Warn().Err(ctx.Err()).Msg("Cycle cancelled")
			return report
		}
		if cred.Err != nil {
			e.log.Warn().Str("key", cred.Key).Err(cred.Err).Msg("Skipping malformed credential")
			report.MalformedCredentials++
			continue
		}
		report.Users++
		outcome := e.reconcileUser(ctx, cred.Credential)
		report.PerUser[cred.Credential.Username] = outcome
		report.Synced += outcome.Synced
		report.SkippedMalformed += outcome.SkippedMalformed
		report.Failed += outcome.Failed
		if outcome.AuthError != "" {
			report.AuthFailures++
		}
	}

	e.log.Info().
		Int("users", report.Users).
		Int("synced", report.Synced).
		Int("skippedMalformed", report.SkippedMalformed).
		Int("failed", report.Failed).
		Int("authFailures", report.AuthFailures).
		Msg("Reconciliation cycle finished")
	return report
}

// reconcileUser replays one user's queue. No mutation is attempted without a
// confirmed origin session for that same user.
func (e *Engine) reconcileUser(ctx context.Context, cred store.Credential) UserOutcome {
	var outcome UserOutcome
	log := e.log.With().Str("username", cred.Username).Logger()

	cookie, err := e.origin.Login(ctx, cred.Username, cred.Password)
	if err != nil {
		log.Warn().Err(err).Msg("Origin login failed, skipping user this cycle")
		outcome.AuthError = err.Error()
		return outcome
	}

	pending, err := e.queue.Pending(cred.Username)
	if err != nil {
		log.Error().Err(err).Msg("Could not enumerate pending mutations")
		return outcome
	}

	for _, qm := range pending {
		if qm.Err != nil {
			log.Warn().Str("key", qm.Key).Err(qm.Err).Msg("Skipping malformed mutation")
			outcome.SkippedMalformed++
			continue
		}
		err := e.origin.SubmitScore(ctx, cookie, qm.Mutation.ResourceID, qm.Mutation.Payload)
		if err != nil {
			// record retained, retried next cycle
			log.Warn().Str("key", qm.Key).Err(err).Msg("Replay failed")
			outcome.Failed++
			continue
		}
		if err := e.queue.Delete(qm.Key); err != nil {
			log.Error().Str("key", qm.Key).Err(err).Msg("Could not delete replayed mutation")
			outcome.Failed++
			continue
		}
		log.Debug().Str("key", qm.Key).Msg("Mutation replayed and removed")
		outcome.Synced++
	}
	return outcome
}

// RunEvery runs cycles on a fixed schedule until the context is cancelled.
// Meant to run in its own goroutine.
func (e *Engine) RunEvery(ctx context.Context, interval time.Duration) {
	e.log.Info().Msgf("Starting reconciliation loop with interval %s", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Run(ctx)
		}
	}
}
