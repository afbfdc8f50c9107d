package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/roach88/batchanchor/internal/chain"
	"github.com/roach88/batchanchor/internal/merkle"
	"github.com/roach88/batchanchor/internal/notify"
	"github.com/roach88/batchanchor/internal/record"
	"github.com/roach88/batchanchor/internal/store"
)

const (
	// DefaultMinRetryDelay is the minimum time between two attempts of one batch.
	DefaultMinRetryDelay = 30 * time.Second

	// DefaultStaleAfter is how long a recorded transaction may stay unknown
	// to the ledger before the batch is resubmitted.
	DefaultStaleAfter = time.Hour

	// DefaultArtifactDir is where root and proofs files are written.
	DefaultArtifactDir = "merkle"

	// UnknownAttestation is stored when a confirmed submission's attestation
	// id cannot be recovered.
	UnknownAttestation = "unknown:recovered"
)

// Ledger is the batch ledger as seen by the engine. *store.Store implements it.
type Ledger interface {
	CreateBatch(ctx context.Context, b store.NewBatch) error
	AddMembers(ctx context.Context, batchID string, root common.Hash, proofsPointer string, recordIDs []string, now time.Time) error
	HeaderExists(ctx context.Context, batchID string) (bool, error)
	CountMembers(ctx context.Context, batchID string) (int, error)
	ClaimAttempt(ctx context.Context, batchID string, now time.Time, minDelay time.Duration) (bool, error)
	MarkSent(ctx context.Context, batchID, txRef string, now time.Time) error
	MarkConfirmed(ctx context.Context, batchID, attestationID, txRef string) (bool, error)
	MarkFailed(ctx context.Context, batchID, errText string, now time.Time) error
	ResetSubmission(ctx context.Context, batchID, reason string, now time.Time) error
	ListRetryable(ctx context.Context, now time.Time, minDelay time.Duration) ([]store.Header, error)
}

// RecordLoader yields records not yet anchored. *record.Store implements it.
type RecordLoader interface {
	LoadNewRecords(ctx context.Context) ([]record.Record, error)
}

// Engine runs lifecycle and recovery passes. Every collaborator is passed in
// at construction; the engine holds no process-wide state.
//
// An Engine is not safe for concurrent passes. Concurrent processes sharing a
// ledger are safe.
type Engine struct {
	ledger    Ledger
	records   RecordLoader
	submitter chain.Submitter
	receipts  chain.ReceiptChecker

	clock         Clock
	runIDs        RunIDGenerator
	notifier      notify.Notifier
	logger        *slog.Logger
	minRetryDelay time.Duration
	staleAfter    time.Duration
	artifactDir   string
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the time source. Default: SystemClock.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithMinRetryDelay sets the retry gate. Default: 30s.
func WithMinRetryDelay(d time.Duration) Option {
	return func(e *Engine) { e.minRetryDelay = d }
}

// WithStaleAfter sets how long a transaction may stay not found before the
// batch is reset for resubmission. Default: 1h.
func WithStaleAfter(d time.Duration) Option {
	return func(e *Engine) { e.staleAfter = d }
}

// WithArtifactDir sets the directory for root and proofs files.
func WithArtifactDir(dir string) Option {
	return func(e *Engine) { e.artifactDir = dir }
}

// WithNotifier sets the operator notification sink. Default: notify.Nop.
func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithRunIDs sets the run id generator. Default: UUIDv7Generator.
func WithRunIDs(g RunIDGenerator) Option {
	return func(e *Engine) { e.runIDs = g }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an Engine.
func New(ledger Ledger, records RecordLoader, submitter chain.Submitter, receipts chain.ReceiptChecker, opts ...Option) *Engine {
	e := &Engine{
		ledger:        ledger,
		records:       records,
		submitter:     submitter,
		receipts:      receipts,
		clock:         SystemClock{},
		runIDs:        UUIDv7Generator{},
		notifier:      notify.Nop{},
		logger:        slog.Default(),
		minRetryDelay: DefaultMinRetryDelay,
		staleAfter:    DefaultStaleAfter,
		artifactDir:   DefaultArtifactDir,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// pass carries the per-pass context shared by lifecycle and recovery steps.
type pass struct {
	runID  string
	logger *slog.Logger
}

func (e *Engine) newPass() pass {
	runID := e.runIDs.Generate()
	return pass{runID: runID, logger: e.logger.With("run_id", runID)}
}

// RunOnce performs one full pass: recovery, then at most one new batch.
//
// A failed submission or confirmation is recorded on the batch and is not
// an error. The returned error is a *RunError for ledger, input and artifact
// failures.
func (e *Engine) RunOnce(ctx context.Context) (Report, error) {
	p := e.newPass()
	rep := Report{RunID: p.runID}

	rec, err := e.recover(ctx, p)
	rep.Recovery = rec
	if err != nil {
		return rep, err
	}

	records, err := e.records.LoadNewRecords(ctx)
	if err != nil {
		return rep, &RunError{Code: ErrCodeInput, Op: "load records", RunID: p.runID, Err: err}
	}
	if len(records) == 0 {
		p.logger.Info("no new records")
		return rep, nil
	}

	batch, err := merkle.BuildBatch(records)
	if err != nil {
		return rep, &RunError{Code: ErrCodeInput, Op: "build batch", RunID: p.runID, Err: err}
	}

	now := e.clock.Now()
	batchID, art, err := e.persist(ctx, p, batch, now)
	if err != nil {
		return rep, err
	}
	log := p.logger.With("batch_id", batchID)
	log.Info("batch created", "count", batch.Count(), "merkle_root", batch.Root.Hex(), "proofs", art.ProofsPath)

	rep.Batch = &BatchResult{
		BatchID:       batchID,
		MerkleRoot:    batch.Root,
		Count:         batch.Count(),
		ProofsPointer: art.ProofsPath,
	}

	summary := chain.Summary{
		MerkleRoot:    batch.Root,
		BatchID:       batchID,
		Count:         uint64(batch.Count()),
		ProofsPointer: art.ProofsPath,
	}
	rep.Batch.Outcome, rep.Batch.TxRef, err = e.attempt(ctx, p, summary)
	return rep, err
}

// maxIDRaces bounds how often persist moves on to the next batch id after
// another run took the one it picked.
const maxIDRaces = 5

// persist allocates a batch id, writes the artifacts and records the batch.
// An id whose artifacts or header another run created in the meantime is
// skipped, so two runs in the same second never share a batch.
func (e *Engine) persist(ctx context.Context, p pass, batch *merkle.Batch, now time.Time) (string, merkle.Artifacts, error) {
	taken := func(ctx context.Context, id string) (bool, error) {
		exists, err := e.ledger.HeaderExists(ctx, id)
		if err != nil || exists {
			return exists, err
		}
		return merkle.ArtifactsExist(e.artifactDir, id)
	}

	for race := 0; race < maxIDRaces; race++ {
		batchID, err := NextBatchID(ctx, now, taken)
		if err != nil {
			return "", merkle.Artifacts{}, ledgerError(p.runID, "allocate batch id", "", err)
		}

		art, err := merkle.WriteArtifacts(e.artifactDir, batchID, now, batch)
		if errors.Is(err, merkle.ErrArtifactExists) {
			p.logger.Info("batch id taken by another run", "batch_id", batchID)
			continue
		}
		if err != nil {
			return "", merkle.Artifacts{}, &RunError{Code: ErrCodeArtifacts, Op: "write artifacts", BatchID: batchID, RunID: p.runID, Err: err}
		}

		err = e.ledger.CreateBatch(ctx, store.NewBatch{
			BatchID:       batchID,
			MerkleRoot:    batch.Root,
			ProofsPointer: art.ProofsPath,
			RecordIDs:     batch.RecordIDs(),
			CreatedAt:     now,
		})
		if errors.Is(err, store.ErrBatchExists) {
			p.logger.Info("batch id taken by another run", "batch_id", batchID)
			continue
		}
		if err != nil {
			return "", merkle.Artifacts{}, ledgerError(p.runID, "create batch", batchID, err)
		}
		return batchID, art, nil
	}
	return "", merkle.Artifacts{}, ledgerError(p.runID, "allocate batch id", "", fmt.Errorf("lost %d batch id races", maxIDRaces))
}

// attempt claims, submits and confirms one batch. Only ledger errors are
// returned.
func (e *Engine) attempt(ctx context.Context, p pass, s chain.Summary) (Outcome, string, error) {
	log := p.logger.With("batch_id", s.BatchID)

	claimed, err := e.ledger.ClaimAttempt(ctx, s.BatchID, e.clock.Now(), e.minRetryDelay)
	if err != nil {
		return "", "", ledgerError(p.runID, "claim attempt", s.BatchID, err)
	}
	if !claimed {
		log.Info("attempt owned by another run")
		return OutcomeSkipped, "", nil
	}

	pending, err := e.submitter.Submit(ctx, s)
	if err != nil {
		return e.fail(ctx, p, s.BatchID, "", err)
	}
	txRef := pending.TxRef()

	if err := e.ledger.MarkSent(ctx, s.BatchID, txRef, e.clock.Now()); err != nil {
		// The transaction is out; make sure its reference is not lost.
		log.Error("submitted but not recorded", "tx_ref", txRef, "error", err)
		return "", txRef, ledgerError(p.runID, "mark sent", s.BatchID, err)
	}
	log.Info("batch submitted", "tx_ref", txRef, "count", s.Count)

	att, err := pending.Wait(ctx)
	if err != nil {
		return e.fail(ctx, p, s.BatchID, txRef, err)
	}
	if att.TxRef != "" {
		txRef = att.TxRef
	}
	outcome, err := e.confirm(ctx, p, s.BatchID, att.ID, txRef, int(s.Count))
	return outcome, txRef, err
}

// confirm marks a batch confirmed. An empty attestation id is stored as
// UnknownAttestation and reported as degraded.
func (e *Engine) confirm(ctx context.Context, p pass, batchID, attestationID, txRef string, count int) (Outcome, error) {
	outcome := OutcomeConfirmed
	if attestationID == "" {
		attestationID = UnknownAttestation
		outcome = OutcomeDegraded
	}

	transitioned, err := e.ledger.MarkConfirmed(ctx, batchID, attestationID, txRef)
	if err != nil {
		return "", ledgerError(p.runID, "mark confirmed", batchID, err)
	}
	if !transitioned {
		p.logger.Debug("batch already confirmed", "batch_id", batchID)
		return OutcomeSkipped, nil
	}

	p.logger.Info("batch confirmed", "batch_id", batchID, "tx_ref", txRef, "attestation_id", attestationID)
	ev := notify.Event{
		Type:          notify.EventConfirmed,
		BatchID:       batchID,
		TxRef:         txRef,
		AttestationID: attestationID,
		Count:         count,
	}
	e.notify(ctx, p, ev)
	if outcome == OutcomeDegraded {
		ev.Type = notify.EventDegraded
		ev.Error = "attestation id not recoverable from receipt"
		e.notify(ctx, p, ev)
	}
	return outcome, nil
}

// fail records a per-batch failure. The cause is absorbed; only a ledger
// error is returned.
func (e *Engine) fail(ctx context.Context, p pass, batchID, txRef string, cause error) (Outcome, string, error) {
	if err := e.ledger.MarkFailed(ctx, batchID, cause.Error(), e.clock.Now()); err != nil {
		return "", txRef, ledgerError(p.runID, "mark failed", batchID, err)
	}
	p.logger.Warn("batch attempt failed", "batch_id", batchID, "tx_ref", txRef, "error", cause)
	e.notify(ctx, p, notify.Event{
		Type:    notify.EventFailed,
		BatchID: batchID,
		TxRef:   txRef,
		Error:   cause.Error(),
	})
	return OutcomeFailed, txRef, nil
}

func (e *Engine) notify(ctx context.Context, p pass, ev notify.Event) {
	ev.RunID = p.runID
	ev.At = e.clock.Now()
	if err := e.notifier.Notify(ctx, ev); err != nil {
		p.logger.Warn("notification failed", "event", string(ev.Type), "batch_id", ev.BatchID, "error", err)
	}
}

// isStale reports whether a ledger write lost a race with another run.
func isStale(err error) bool {
	return errors.Is(err, store.ErrStaleState)
}
