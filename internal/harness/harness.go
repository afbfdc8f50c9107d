package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/roach88/batchanchor/internal/canon"
	"github.com/roach88/batchanchor/internal/chain"
	"github.com/roach88/batchanchor/internal/engine"
	"github.com/roach88/batchanchor/internal/merkle"
	"github.com/roach88/batchanchor/internal/notify"
	"github.com/roach88/batchanchor/internal/record"
	"github.com/roach88/batchanchor/internal/store"
	"github.com/roach88/batchanchor/internal/testutil"
)

// Harness drives one scenario. The engine is real; the external ledger is
// scripted and the clock only moves on advance steps.
type Harness struct {
	store       *store.Store
	chain       *testutil.ScriptedChain
	clock       *testutil.FakeClock
	input       *input
	events      *eventLog
	engine      *engine.Engine
	artifactDir string
	result      *Result
}

// input is the record source; records steps append to it.
type input struct {
	mu      sync.Mutex
	records []record.Record
}

func (in *input) Records(context.Context) ([]record.Record, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]record.Record(nil), in.records...), nil
}

func (in *input) add(recs ...record.Record) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.records = append(in.records, recs...)
}

// eventLog records notifications and hands out the ones not yet traced.
type eventLog struct {
	mu     sync.Mutex
	all    []notify.Event
	traced int
}

func (l *eventLog) Notify(_ context.Context, ev notify.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.all = append(l.all, ev)
	return nil
}

func (l *eventLog) drain() []notify.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.all[l.traced:]
	l.traced = len(l.all)
	return out
}

func (l *eventLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.all))
	for _, ev := range l.all {
		out = append(out, string(ev.Type))
	}
	return out
}

// Run executes a scenario with its ledger and artifacts under dir.
//
// Execution flow:
// 1. Open a fresh ledger and script the external ledger
// 2. Execute steps, checking the ledger principles after each one
// 3. Evaluate assertions against the final state
//
// The returned error reports a scenario that could not be executed; failed
// expectations are collected in the Result.
func Run(scenario *Scenario, dir string) (*Result, error) {
	start, err := scenario.StartTime()
	if err != nil {
		return nil, fmt.Errorf("start time: %w", err)
	}

	st, err := store.Open(filepath.Join(dir, "state.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	defer st.Close()

	h := &Harness{
		store:       st,
		chain:       testutil.NewScriptedChain(chainSteps(scenario.Chain)...),
		clock:       testutil.NewFakeClock(start),
		input:       &input{},
		events:      &eventLog{},
		artifactDir: filepath.Join(dir, "merkle"),
		result:      NewResult(),
	}

	opts := []engine.Option{
		engine.WithClock(h.clock),
		engine.WithArtifactDir(h.artifactDir),
		engine.WithNotifier(h.events),
		engine.WithRunIDs(engine.NewFixedGenerator(scenario.RunIDs...)),
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	if d := scenario.Settings.MinRetryDelay; d != "" {
		v, _ := time.ParseDuration(d)
		opts = append(opts, engine.WithMinRetryDelay(v))
	}
	if d := scenario.Settings.StaleAfter; d != "" {
		v, _ := time.ParseDuration(d)
		opts = append(opts, engine.WithStaleAfter(v))
	}
	h.engine = engine.New(st, record.NewStore(h.input, st), h.chain, h.chain, opts...)

	ctx := context.Background()
	for i, step := range scenario.Steps {
		if err := h.execute(ctx, i, step); err != nil {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
		for _, ev := range h.events.drain() {
			h.result.add(TraceEvent{Op: "event", Event: string(ev.Type), BatchID: ev.BatchID, TxRef: ev.TxRef})
		}
		violations, err := CheckPrinciples(ctx, st)
		if err != nil {
			return nil, fmt.Errorf("steps[%d]: check principles: %w", i, err)
		}
		for _, v := range violations {
			h.result.AddError(fmt.Sprintf("after steps[%d]: %s", i, v))
		}
	}

	actx := &AssertionContext{Ctx: ctx, Store: st, Chain: h.chain, Events: h.events.types()}
	for _, msg := range EvaluateAssertions(scenario.Assertions, actx) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

func chainSteps(in []ChainStep) []testutil.Step {
	out := make([]testutil.Step, len(in))
	for i, c := range in {
		out[i] = testutil.Step{TxRef: c.TxRef, AttestationID: c.AttestationID}
		if c.SubmitError != "" {
			out[i].SubmitErr = errors.New(c.SubmitError)
		}
		if c.WaitError != "" {
			out[i].WaitErr = errors.New(c.WaitError)
		}
	}
	return out
}

func (h *Harness) execute(ctx context.Context, index int, step Step) error {
	switch {
	case step.Records != nil:
		return h.addRecords(step.Records)
	case step.Run != nil:
		rep, err := h.engine.RunOnce(ctx)
		h.tracePass("run", rep.RunID, rep.Recovery, err, rep.Batch)
		h.checkPass(index, *step.Run, rep.Recovery, err)
		h.checkBatch(index, step.Run.Outcome, rep.Batch)
	case step.Recover != nil:
		rec, err := h.engine.Recover(ctx)
		h.tracePass("recover", "", rec, err, nil)
		h.checkPass(index, *step.Recover, rec, err)
	case step.Advance != "":
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return err
		}
		now := h.clock.Advance(d)
		h.result.add(TraceEvent{Op: "advance", Now: now.Format(time.RFC3339)})
	case step.Receipt != nil:
		r := step.Receipt
		if r.Error != "" {
			h.chain.SetReceiptErr(r.TxRef, errors.New(r.Error))
		} else {
			h.chain.SetReceipt(r.TxRef, chain.Receipt{Status: chain.ReceiptStatus(r.Status), AttestationID: r.AttestationID})
		}
		h.result.add(TraceEvent{Op: "receipt", TxRef: r.TxRef, Status: r.Status, Error: r.Error})
	case step.Orphan != nil:
		return h.orphan(ctx, *step.Orphan)
	}
	return nil
}

func (h *Harness) addRecords(raw []map[string]interface{}) error {
	recs := make([]record.Record, 0, len(raw))
	for i, m := range raw {
		v, err := canon.FromAny(map[string]any(m))
		if err != nil {
			return fmt.Errorf("records[%d]: %w", i, err)
		}
		r, err := record.New(v.(canon.Object))
		if err != nil {
			return fmt.Errorf("records[%d]: %w", i, err)
		}
		recs = append(recs, r)
	}
	h.input.add(recs...)
	h.result.add(TraceEvent{Op: "records", Count: len(recs)})
	return nil
}

// orphan leaves a batch as a crash between the header and member writes
// would: artifacts on disk, a header, no members.
func (h *Harness) orphan(ctx context.Context, o OrphanStep) error {
	all, _ := h.input.Records(ctx)
	byID := make(map[string]record.Record, len(all))
	for _, r := range all {
		byID[r.ID] = r
	}
	recs := make([]record.Record, 0, len(o.Records))
	for _, id := range o.Records {
		r, ok := byID[id]
		if !ok {
			return fmt.Errorf("orphan: unknown record %q", id)
		}
		recs = append(recs, r)
	}

	b, err := merkle.BuildBatch(recs)
	if err != nil {
		return fmt.Errorf("orphan: %w", err)
	}
	now := h.clock.Now()
	art, err := merkle.WriteArtifacts(h.artifactDir, o.BatchID, now, b)
	if err != nil {
		return fmt.Errorf("orphan: %w", err)
	}
	if err := h.store.CreateHeader(ctx, o.BatchID, b.Root, art.ProofsPath, now); err != nil {
		return fmt.Errorf("orphan: %w", err)
	}
	h.result.add(TraceEvent{Op: "orphan", BatchID: o.BatchID, Count: b.Count()})
	return nil
}

func (h *Harness) tracePass(op, runID string, rec engine.RecoveryReport, err error, batch *engine.BatchResult) {
	ev := TraceEvent{Op: op, RunID: runID, Error: errorCode(err)}
	if len(rec.Outcomes) > 0 {
		ev.Recovered = make(map[string]string, len(rec.Outcomes))
		for id, o := range rec.Outcomes {
			ev.Recovered[id] = string(o)
		}
	}
	if batch != nil {
		ev.BatchID = batch.BatchID
		ev.Outcome = string(batch.Outcome)
		ev.TxRef = batch.TxRef
		ev.Count = batch.Count
	}
	h.result.add(ev)
}

func (h *Harness) checkPass(index int, want PassExpect, rec engine.RecoveryReport, err error) {
	if got := errorCode(err); got != want.Error {
		h.result.AddError(fmt.Sprintf("steps[%d]: expected error %q, got %q (%v)", index, want.Error, got, err))
	}

	ids := make([]string, 0, len(want.Recovered))
	for id := range want.Recovered {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		got, ok := rec.Outcomes[id]
		if !ok {
			h.result.AddError(fmt.Sprintf("steps[%d]: batch %s was not recovered", index, id))
			continue
		}
		if string(got) != want.Recovered[id] {
			h.result.AddError(fmt.Sprintf("steps[%d]: recovery of %s: expected %s, got %s", index, id, want.Recovered[id], got))
		}
	}
}

func (h *Harness) checkBatch(index int, want string, got *engine.BatchResult) {
	switch {
	case want == "":
	case want == "none" && got != nil:
		h.result.AddError(fmt.Sprintf("steps[%d]: expected no new batch, got %s", index, got.BatchID))
	case want == "none":
	case got == nil:
		h.result.AddError(fmt.Sprintf("steps[%d]: expected a new batch with outcome %s, got none", index, want))
	case string(got.Outcome) != want:
		h.result.AddError(fmt.Sprintf("steps[%d]: batch %s: expected outcome %s, got %s", index, got.BatchID, want, got.Outcome))
	}
}

func errorCode(err error) string {
	if err == nil {
		return ""
	}
	var re *engine.RunError
	if errors.As(err, &re) {
		return string(re.Code)
	}
	return err.Error()
}
