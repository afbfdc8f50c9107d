package engine

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/batchanchor/internal/canon"
	"github.com/roach88/batchanchor/internal/chain"
	"github.com/roach88/batchanchor/internal/merkle"
	"github.com/roach88/batchanchor/internal/notify"
	"github.com/roach88/batchanchor/internal/record"
	"github.com/roach88/batchanchor/internal/store"
	"github.com/roach88/batchanchor/internal/testutil"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// feed is a record source tests can refill between passes.
type feed struct {
	mu      sync.Mutex
	records []record.Record
}

func (f *feed) Records(context.Context) ([]record.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]record.Record(nil), f.records...), nil
}

func (f *feed) set(recs ...record.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = recs
}

type events struct {
	mu  sync.Mutex
	all []notify.Event
}

func (e *events) Notify(_ context.Context, ev notify.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.all = append(e.all, ev)
	return nil
}

func (e *events) types() []notify.EventType {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []notify.EventType
	for _, ev := range e.all {
		out = append(out, ev.Type)
	}
	return out
}

type fixture struct {
	store  *store.Store
	chain  *testutil.ScriptedChain
	clock  *testutil.FakeClock
	feed   *feed
	events *events
	dir    string
	engine *Engine
}

func newFixture(t *testing.T, steps ...testutil.Step) *fixture {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(dir + "/state.db")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	f := &fixture{
		store:  s,
		chain:  testutil.NewScriptedChain(steps...),
		clock:  testutil.NewFakeClock(testStart),
		feed:   &feed{},
		events: &events{},
		dir:    dir + "/merkle",
	}
	f.engine = New(s, record.NewStore(f.feed, s), f.chain, f.chain,
		WithClock(f.clock),
		WithArtifactDir(f.dir),
		WithNotifier(f.events),
		WithRunIDs(NewFixedGenerator("run-1", "run-2", "run-3", "run-4")),
		WithLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))),
	)
	return f
}

func rec(t *testing.T, id string, extra ...string) record.Record {
	t.Helper()
	fields := canon.Object{record.IDField: canon.String(id)}
	for i := 0; i+1 < len(extra); i += 2 {
		fields[extra[i]] = canon.String(extra[i+1])
	}
	r, err := record.New(fields)
	require.NoError(t, err)
	return r
}

func TestRunOnce_EndToEnd(t *testing.T) {
	f := newFixture(t, testutil.Step{TxRef: "0xT1", AttestationID: "U1"})
	ctx := context.Background()
	f.feed.set(rec(t, "A"), rec(t, "B"))

	rep, err := f.engine.RunOnce(ctx)
	require.NoError(t, err)
	require.NotNil(t, rep.Batch)
	assert.Equal(t, "run-1", rep.RunID)
	assert.Equal(t, "2026-03-01T12-00-00Z", rep.Batch.BatchID)
	assert.Equal(t, 2, rep.Batch.Count)
	assert.Equal(t, OutcomeConfirmed, rep.Batch.Outcome)
	assert.Equal(t, "0xT1", rep.Batch.TxRef)

	members, err := f.store.Members(ctx, rep.Batch.BatchID)
	require.NoError(t, err)
	require.Len(t, members, 2)
	for _, m := range members {
		assert.Equal(t, store.StatusConfirmed, m.Status)
		assert.Equal(t, "U1", m.AttestationID)
		assert.Equal(t, "0xT1", m.TxRef)
	}

	h, err := f.store.GetHeader(ctx, rep.Batch.BatchID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusConfirmed, h.Status)
	assert.Equal(t, 1, h.RetryCount)

	// Summary sent matches the persisted batch.
	require.Len(t, f.chain.Submissions, 1)
	sub := f.chain.Submissions[0]
	assert.Equal(t, h.MerkleRoot, sub.MerkleRoot)
	assert.Equal(t, uint64(2), sub.Count)
	assert.Equal(t, h.ProofsPointer, sub.ProofsPointer)

	// Every written proof verifies against the root.
	lines, err := merkle.ReadProofs(h.ProofsPointer)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	for _, pl := range lines {
		assert.True(t, merkle.Verify(pl.Leaf, pl.Proof, h.MerkleRoot), pl.RecordID)
	}
	rf, err := merkle.ReadRoot(merkle.RootPath(f.dir, rep.Batch.BatchID))
	require.NoError(t, err)
	assert.Equal(t, h.MerkleRoot, rf.Root)

	assert.Equal(t, []notify.EventType{notify.EventConfirmed}, f.events.types())
}

func TestRunOnce_NoRecords(t *testing.T) {
	f := newFixture(t)

	rep, err := f.engine.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Nil(t, rep.Batch)
	assert.Zero(t, f.chain.SubmitCount())

	_, err = os.Stat(f.dir)
	assert.True(t, os.IsNotExist(err), "no artifacts without a batch")
}

func TestRunOnce_DuplicateInputYieldsOneLeaf(t *testing.T) {
	f := newFixture(t)
	f.feed.set(rec(t, "A", "v", "1"), rec(t, "A", "v", "2"), rec(t, "B"))

	rep, err := f.engine.RunOnce(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rep.Batch)
	assert.Equal(t, 2, rep.Batch.Count)

	lines, err := merkle.ReadProofs(rep.Batch.ProofsPointer)
	require.NoError(t, err)
	assert.Equal(t, "A", lines[0].RecordID)
	first, err := rec(t, "A", "v", "1").Leaf()
	require.NoError(t, err)
	assert.Equal(t, first, lines[0].Leaf, "first occurrence wins")
}

func TestRunOnce_ConfirmedRecordsExcluded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.feed.set(rec(t, "A"), rec(t, "B"))

	_, err := f.engine.RunOnce(ctx)
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	f.feed.set(rec(t, "A"), rec(t, "B"), rec(t, "C"))
	rep, err := f.engine.RunOnce(ctx)
	require.NoError(t, err)
	require.NotNil(t, rep.Batch)
	assert.Equal(t, 1, rep.Batch.Count)

	members, err := f.store.Members(ctx, rep.Batch.BatchID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "C", members[0].RecordID)

	f.clock.Advance(time.Minute)
	rep, err = f.engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.Nil(t, rep.Batch, "nothing left to anchor")
	assert.Equal(t, 2, f.chain.SubmitCount())
}

func TestRunOnce_SubmitFailureIsRetriedAsSameBatch(t *testing.T) {
	f := newFixture(t, testutil.Step{SubmitErr: errors.New("rpc unavailable")})
	ctx := context.Background()
	f.feed.set(rec(t, "A"), rec(t, "B"))

	rep, err := f.engine.RunOnce(ctx)
	require.NoError(t, err, "a failed submission is not a run error")
	require.NotNil(t, rep.Batch)
	assert.Equal(t, OutcomeFailed, rep.Batch.Outcome)
	batchID, root := rep.Batch.BatchID, rep.Batch.MerkleRoot

	h, err := f.store.GetHeader(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, h.Status)
	assert.Contains(t, h.Error, "rpc unavailable")
	assert.Equal(t, []notify.EventType{notify.EventFailed}, f.events.types())

	// Inside the retry delay: nothing retried, records not re-batched.
	f.clock.Advance(10 * time.Second)
	rep, err = f.engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Recovery.Scanned)
	assert.Nil(t, rep.Batch)
	assert.Equal(t, 1, f.chain.SubmitCount())

	// After the delay: the same batch is resubmitted.
	f.clock.Advance(30 * time.Second)
	rep, err = f.engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConfirmed, rep.Recovery.Outcomes[batchID])
	assert.Nil(t, rep.Batch)

	require.Equal(t, 2, f.chain.SubmitCount())
	assert.Equal(t, batchID, f.chain.Submissions[1].BatchID)
	assert.Equal(t, root, f.chain.Submissions[1].MerkleRoot)
	assert.Equal(t, uint64(2), f.chain.Submissions[1].Count)

	h, err = f.store.GetHeader(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusConfirmed, h.Status)
	assert.Equal(t, "U2", h.AttestationID)
}

func TestRecover_NoDoubleSubmissionWithTxRef(t *testing.T) {
	f := newFixture(t, testutil.Step{TxRef: "0xT1", WaitErr: chain.ErrTimeout})
	ctx := context.Background()
	f.feed.set(rec(t, "A"))

	rep, err := f.engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, rep.Batch.Outcome)
	batchID := rep.Batch.BatchID

	h, err := f.store.GetHeader(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, "0xT1", h.TxRef, "reference recorded before waiting")

	f.chain.SetReceipt("0xT1", chain.Receipt{Status: chain.ReceiptPending})
	for i := 0; i < 3; i++ {
		f.clock.Advance(time.Minute)
		rr, err := f.engine.Recover(ctx)
		require.NoError(t, err)
		assert.Equal(t, OutcomePending, rr.Outcomes[batchID])
	}
	assert.Equal(t, 1, f.chain.SubmitCount(), "never resubmitted while a tx ref is outstanding")

	f.chain.SetReceipt("0xT1", chain.Receipt{Status: chain.ReceiptConfirmed, AttestationID: "U9"})
	f.clock.Advance(time.Minute)
	recRep, err := f.engine.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConfirmed, recRep.Outcomes[batchID])

	members, err := f.store.Members(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, "U9", members[0].AttestationID)
	assert.Equal(t, 1, f.chain.SubmitCount())
}

func TestRecover_ConfirmedWithoutAttestationIsDegraded(t *testing.T) {
	f := newFixture(t, testutil.Step{TxRef: "0xT1", WaitErr: chain.ErrTimeout})
	ctx := context.Background()
	f.feed.set(rec(t, "A"))

	rep, err := f.engine.RunOnce(ctx)
	require.NoError(t, err)
	batchID := rep.Batch.BatchID

	f.chain.SetReceipt("0xT1", chain.Receipt{Status: chain.ReceiptConfirmed})
	f.clock.Advance(time.Minute)
	recRep, err := f.engine.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDegraded, recRep.Outcomes[batchID])

	h, err := f.store.GetHeader(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, UnknownAttestation, h.AttestationID)
	assert.Equal(t, store.StatusConfirmed, h.Status)

	assert.Equal(t,
		[]notify.EventType{notify.EventFailed, notify.EventConfirmed, notify.EventDegraded},
		f.events.types())
}

func TestRecover_StaleTransactionIsReset(t *testing.T) {
	f := newFixture(t, testutil.Step{TxRef: "0xT1", WaitErr: chain.ErrTimeout})
	f.engine.staleAfter = 10 * time.Minute
	ctx := context.Background()
	f.feed.set(rec(t, "A"))

	rep, err := f.engine.RunOnce(ctx)
	require.NoError(t, err)
	batchID := rep.Batch.BatchID

	// Not found, but young: left alone.
	f.clock.Advance(time.Minute)
	recRep, err := f.engine.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, recRep.Outcomes[batchID])

	// Not found and stale: reference dropped.
	f.clock.Advance(10 * time.Minute)
	recRep, err = f.engine.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReset, recRep.Outcomes[batchID])

	h, err := f.store.GetHeader(ctx, batchID)
	require.NoError(t, err)
	assert.Empty(t, h.TxRef)
	assert.Equal(t, store.StatusFailed, h.Status)

	// Next eligible pass resubmits the same batch.
	f.clock.Advance(time.Minute)
	recRep, err = f.engine.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConfirmed, recRep.Outcomes[batchID])
	require.Equal(t, 2, f.chain.SubmitCount())
	assert.Equal(t, batchID, f.chain.Submissions[1].BatchID)
	assert.Contains(t, f.events.types(), notify.EventReset)
}

func TestRecover_RevertedTransactionIsReset(t *testing.T) {
	f := newFixture(t, testutil.Step{TxRef: "0xT1", WaitErr: chain.ErrTimeout})
	ctx := context.Background()
	f.feed.set(rec(t, "A"))

	rep, err := f.engine.RunOnce(ctx)
	require.NoError(t, err)

	f.chain.SetReceipt("0xT1", chain.Receipt{Status: chain.ReceiptReverted})
	f.clock.Advance(time.Minute)
	recRep, err := f.engine.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReset, recRep.Outcomes[rep.Batch.BatchID])
}

func TestRecover_LookupErrorLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t, testutil.Step{TxRef: "0xT1", WaitErr: chain.ErrTimeout})
	ctx := context.Background()
	f.feed.set(rec(t, "A"))

	rep, err := f.engine.RunOnce(ctx)
	require.NoError(t, err)
	batchID := rep.Batch.BatchID
	before, err := f.store.BatchRows(ctx, batchID)
	require.NoError(t, err)

	f.chain.SetReceiptErr("0xT1", errors.New("rpc timeout"))
	f.clock.Advance(2 * time.Hour)
	recRep, err := f.engine.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUntouched, recRep.Outcomes[batchID])

	after, err := f.store.BatchRows(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRecover_RestoresMembersOfOrphanHeader(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	records := []record.Record{rec(t, "A"), rec(t, "B"), rec(t, "C")}
	b, err := merkle.BuildBatch(records)
	require.NoError(t, err)
	art, err := merkle.WriteArtifacts(f.dir, "orphan", testStart, b)
	require.NoError(t, err)

	// Header persisted, process died before the members.
	require.NoError(t, f.store.CreateHeader(ctx, "orphan", b.Root, art.ProofsPath, testStart))

	recRep, err := f.engine.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConfirmed, recRep.Outcomes["orphan"])

	n, err := f.store.CountMembers(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Equal(t, 1, f.chain.SubmitCount())
	assert.Equal(t, uint64(3), f.chain.Submissions[0].Count)
}

func TestRecover_OrphanHeaderWithoutProofsIsLeftAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateHeader(ctx, "orphan", testRootHash(), f.dir+"/missing.ndjson", testStart))

	recRep, err := f.engine.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUntouched, recRep.Outcomes["orphan"])
	assert.Zero(t, f.chain.SubmitCount(), "an empty batch is never submitted")
}

func TestRunOnce_CorruptOrphanProofsDoNotBlockNewBatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Proofs of A and B, but a header whose root is something else.
	b, err := merkle.BuildBatch([]record.Record{rec(t, "A"), rec(t, "B")})
	require.NoError(t, err)
	art, err := merkle.WriteArtifacts(f.dir, "orphan", testStart, b)
	require.NoError(t, err)
	require.NoError(t, f.store.CreateHeader(ctx, "orphan", testRootHash(), art.ProofsPath, testStart))

	f.feed.set(rec(t, "X"))
	rep, err := f.engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, rep.Recovery.Outcomes["orphan"])
	require.NotNil(t, rep.Batch)
	assert.Equal(t, OutcomeConfirmed, rep.Batch.Outcome)
	require.Equal(t, 1, f.chain.SubmitCount(), "the orphan is never submitted")
	assert.Equal(t, rep.Batch.BatchID, f.chain.Submissions[0].BatchID)

	h, err := f.store.GetHeader(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, h.Status)
	assert.Contains(t, h.Error, "proofs do not match root")
	n, err := f.store.CountMembers(ctx, "orphan")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Contains(t, f.events.types(), notify.EventFailed)

	// Later passes keep going as well.
	f.clock.Advance(time.Minute)
	f.feed.set(rec(t, "X"), rec(t, "Y"))
	rep, err = f.engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, rep.Recovery.Outcomes["orphan"])
	require.NotNil(t, rep.Batch)
	assert.Equal(t, 1, rep.Batch.Count)
}

func TestRunOnce_SkipsBatchIDTakenByAnotherRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Another run in the same second already wrote artifacts for the
	// timestamp id and has not recorded its header yet.
	other, err := merkle.BuildBatch([]record.Record{rec(t, "Z")})
	require.NoError(t, err)
	_, err = merkle.WriteArtifacts(f.dir, "2026-03-01T12-00-00Z", testStart, other)
	require.NoError(t, err)

	f.feed.set(rec(t, "A"))
	rep, err := f.engine.RunOnce(ctx)
	require.NoError(t, err)
	require.NotNil(t, rep.Batch)
	assert.Equal(t, "2026-03-01T12-00-00Z-001", rep.Batch.BatchID)

	rf, err := merkle.ReadRoot(merkle.RootPath(f.dir, "2026-03-01T12-00-00Z"))
	require.NoError(t, err)
	assert.Equal(t, other.Root, rf.Root, "the other run's artifacts are left alone")

	h, err := f.store.GetHeader(ctx, rep.Batch.BatchID)
	require.NoError(t, err)
	assert.Equal(t, rep.Batch.MerkleRoot, h.MerkleRoot)
}

func TestRunOnce_BatchIDsUniqueWithinOneSecond(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.feed.set(rec(t, "A"))
	rep1, err := f.engine.RunOnce(ctx)
	require.NoError(t, err)

	f.feed.set(rec(t, "B"))
	rep2, err := f.engine.RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, "2026-03-01T12-00-00Z", rep1.Batch.BatchID)
	assert.Equal(t, "2026-03-01T12-00-00Z-001", rep2.Batch.BatchID)
	assert.Less(t, rep1.Batch.BatchID, rep2.Batch.BatchID)
}

func TestRunOnce_LedgerErrorIsFatal(t *testing.T) {
	f := newFixture(t)
	f.feed.set(rec(t, "A"))
	require.NoError(t, f.store.Close())

	_, err := f.engine.RunOnce(context.Background())
	require.Error(t, err)
	assert.True(t, IsLedgerError(err))
	assert.Zero(t, f.chain.SubmitCount())
}

func TestRunOnce_LostClaimSkipsSubmission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Another process created and claimed the batch a moment ago.
	require.NoError(t, f.store.CreateBatch(ctx, store.NewBatch{
		BatchID: "other", MerkleRoot: testRootHash(), ProofsPointer: "p", RecordIDs: []string{"X"}, CreatedAt: testStart,
	}))
	ok, err := f.store.ClaimAttempt(ctx, "other", testStart, DefaultMinRetryDelay)
	require.NoError(t, err)
	require.True(t, ok)

	outcome, _, err := f.engine.attempt(ctx, f.engine.newPass(), chain.Summary{BatchID: "other", Count: 1})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Zero(t, f.chain.SubmitCount())
}

func testRootHash() common.Hash {
	return common.HexToHash("0x01")
}
