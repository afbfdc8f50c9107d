package harness

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/roach88/batchanchor/internal/store"
	"github.com/roach88/batchanchor/internal/testutil"
)

// AssertionContext is the final state assertions are evaluated against.
type AssertionContext struct {
	Ctx    context.Context
	Store  *store.Store
	Chain  *testutil.ScriptedChain
	Events []string
}

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	return fmt.Sprintf("assertion failed: %s: expected %s, actual %s", e.Type, e.Expected, e.Actual)
}

// EvaluateAssertions runs every assertion and returns the failure messages.
func EvaluateAssertions(assertions []Assertion, actx *AssertionContext) []string {
	var out []string
	for i, a := range assertions {
		if err := evaluate(a, actx); err != nil {
			out = append(out, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return out
}

func evaluate(a Assertion, actx *AssertionContext) error {
	switch a.Type {
	case AssertBatch:
		return assertBatch(a, actx)
	case AssertBatches:
		headers, err := actx.Store.ListHeaders(actx.Ctx)
		if err != nil {
			return err
		}
		if len(headers) != *a.Count {
			return &AssertionError{Type: a.Type, Expected: fmt.Sprint(*a.Count), Actual: fmt.Sprint(len(headers))}
		}
	case AssertSubmissions:
		return assertSubmissions(a, actx)
	case AssertEvents:
		want := a.Types
		if want == nil {
			want = []string{}
		}
		if !reflect.DeepEqual(want, actx.Events) {
			return &AssertionError{Type: a.Type, Expected: fmt.Sprint(want), Actual: fmt.Sprint(actx.Events)}
		}
	case AssertConfirmed:
		ids, err := actx.Store.ConfirmedRecordIDs(actx.Ctx)
		if err != nil {
			return err
		}
		got := make([]string, 0, len(ids))
		for id := range ids {
			got = append(got, id)
		}
		want := append([]string{}, a.IDs...)
		sort.Strings(got)
		sort.Strings(want)
		if !reflect.DeepEqual(want, got) {
			return &AssertionError{Type: a.Type, Expected: fmt.Sprint(want), Actual: fmt.Sprint(got)}
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

// batchFields flattens a header for subset matching.
func batchFields(h store.Header, members int) map[string]string {
	return map[string]string{
		"status":         string(h.Status),
		"phase":          string(h.Phase()),
		"tx_ref":         h.TxRef,
		"attestation_id": h.AttestationID,
		"retry_count":    fmt.Sprint(h.RetryCount),
		"members":        fmt.Sprint(members),
		"error":          h.Error,
	}
}

func assertBatch(a Assertion, actx *AssertionContext) error {
	h, err := actx.Store.GetHeader(actx.Ctx, a.BatchID)
	if errors.Is(err, store.ErrNotFound) {
		return &AssertionError{Type: a.Type, Expected: "batch " + a.BatchID, Actual: "no such batch"}
	}
	if err != nil {
		return err
	}
	members, err := actx.Store.CountMembers(actx.Ctx, a.BatchID)
	if err != nil {
		return err
	}
	got := batchFields(h, members)

	keys := make([]string, 0, len(a.Expect))
	for k := range a.Expect {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var mismatches []string
	for _, k := range keys {
		actual, ok := got[k]
		if !ok {
			return fmt.Errorf("batch %s: unknown field %q", a.BatchID, k)
		}
		if want := fmt.Sprint(a.Expect[k]); want != actual {
			mismatches = append(mismatches, fmt.Sprintf("%s=%q (want %q)", k, actual, want))
		}
	}
	if len(mismatches) > 0 {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("batch %s to match %v", a.BatchID, a.Expect),
			Actual:   strings.Join(mismatches, ", "),
		}
	}
	return nil
}

func assertSubmissions(a Assertion, actx *AssertionContext) error {
	subs := actx.Chain.Submitted()
	if a.Count != nil && len(subs) != *a.Count {
		return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("%d submissions", *a.Count), Actual: fmt.Sprint(len(subs))}
	}
	if a.BatchIDs != nil {
		got := make([]string, 0, len(subs))
		for _, s := range subs {
			got = append(got, s.BatchID)
		}
		if !reflect.DeepEqual(a.BatchIDs, got) {
			return &AssertionError{Type: a.Type, Expected: fmt.Sprint(a.BatchIDs), Actual: fmt.Sprint(got)}
		}
	}
	return nil
}
