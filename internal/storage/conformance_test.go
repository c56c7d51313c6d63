package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"crosspost/internal/post"
)

// Whole seconds so every driver round-trips timestamps exactly.
var t0 = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

func mkJob(id string, at time.Time, targets ...string) post.Job {
	if len(targets) == 0 {
		targets = []string{"mastodon", "bluesky"}
	}
	return post.Job{
		ID:          id,
		Content:     post.Content{Text: "hello " + id, Hashtags: []string{"go"}},
		Targets:     targets,
		ScheduledAt: at,
		Status:      post.StatusPending,
		CreatedAt:   t0,
		UpdatedAt:   t0,
	}
}

// runConformance exercises the Store contract against one driver.
func runConformance(t *testing.T, open func(t *testing.T) Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s Store)
	}{
		{"CreateGet", testCreateGet},
		{"ListDue", testListDue},
		{"List", testList},
		{"ClaimIsExclusive", testClaimIsExclusive},
		{"ClaimCancelRace", testClaimCancelRace},
		{"CancelRules", testCancelRules},
		{"WriteBack", testWriteBack},
		{"ReleaseAndOrphans", testReleaseAndOrphans},
		{"DeleteFinished", testDeleteFinished},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			s := open(t)
			t.Cleanup(func() { _ = s.Close() })
			tc.fn(t, s)
		})
	}
}

func testCreateGet(t *testing.T, s Store) {
	ctx := context.Background()
	j := mkJob("a", t0)
	if err := s.Create(ctx, j); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Create(ctx, j); !errors.Is(err, ErrExists) {
		t.Fatalf("duplicate Create err=%v", err)
	}
	got, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != "a" || got.Content.Text != "hello a" || len(got.Targets) != 2 || got.Targets[1] != "bluesky" {
		t.Fatalf("got=%+v", got)
	}
	if got.Status != post.StatusPending || got.Results != nil || got.ClaimedAt != nil {
		t.Fatalf("state=%+v", got)
	}
	if !got.ScheduledAt.Equal(t0) || !got.CreatedAt.Equal(t0) {
		t.Fatalf("times=%v %v", got.ScheduledAt, got.CreatedAt)
	}
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing err=%v", err)
	}
}

func testListDue(t *testing.T, s Store) {
	ctx := context.Background()
	for _, j := range []post.Job{
		mkJob("late", t0.Add(-time.Minute)),
		mkJob("early", t0.Add(-time.Hour)),
		mkJob("future", t0.Add(time.Minute)),
		mkJob("claimed", t0.Add(-time.Minute)),
		mkJob("cancelled", t0.Add(-time.Minute)),
		mkJob("exact", t0),
	} {
		if err := s.Create(ctx, j); err != nil {
			t.Fatalf("Create %s: %v", j.ID, err)
		}
	}
	if _, ok, _ := s.TryClaim(ctx, "claimed", t0); !ok {
		t.Fatalf("claim failed")
	}
	if _, ok, _ := s.TryCancel(ctx, "cancelled", t0); !ok {
		t.Fatalf("cancel failed")
	}

	due, err := s.ListDue(ctx, t0, 0)
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}
	if got := ids(due); got != "[early late exact]" {
		t.Fatalf("due=%s", got)
	}
	due, _ = s.ListDue(ctx, t0, 1)
	if got := ids(due); got != "[early]" {
		t.Fatalf("limited due=%s", got)
	}
}

func testList(t *testing.T, s Store) {
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_ = s.Create(ctx, mkJob(fmt.Sprintf("j%d", i), t0.Add(time.Duration(i)*time.Minute)))
	}
	_, _, _ = s.TryCancel(ctx, "j2", t0)

	all, err := s.List(ctx, Filter{})
	if err != nil || ids(all) != "[j0 j1 j2 j3]" {
		t.Fatalf("all=%s err=%v", ids(all), err)
	}
	pending, _ := s.List(ctx, Filter{Status: post.StatusPending})
	if ids(pending) != "[j0 j1 j3]" {
		t.Fatalf("pending=%s", ids(pending))
	}
	limited, _ := s.List(ctx, Filter{Limit: 2})
	if ids(limited) != "[j0 j1]" {
		t.Fatalf("limited=%s", ids(limited))
	}
	cancelled, _ := s.List(ctx, Filter{Status: post.StatusCancelled})
	if ids(cancelled) != "[j2]" {
		t.Fatalf("cancelled=%s", ids(cancelled))
	}
}

func testClaimIsExclusive(t *testing.T, s Store) {
	ctx := context.Background()
	if err := s.Create(ctx, mkJob("x", t0)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := s.TryClaim(ctx, "x", t0.Add(time.Second))
			if err != nil {
				t.Errorf("TryClaim: %v", err)
			}
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("wins=%d want exactly 1", wins)
	}

	j, _ := s.Get(ctx, "x")
	if j.ClaimedAt == nil || !j.ClaimedAt.Equal(t0.Add(time.Second)) || j.Status != post.StatusPending {
		t.Fatalf("claimed job=%+v", j)
	}
	if _, ok, _ := s.TryClaim(ctx, "missing", t0); ok {
		t.Fatalf("claimed missing job")
	}
}

func testClaimCancelRace(t *testing.T, s Store) {
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("r%d", i)
		if err := s.Create(ctx, mkJob(id, t0)); err != nil {
			t.Fatalf("Create: %v", err)
		}
		var claimed, cancelled bool
		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); _, claimed, _ = s.TryClaim(ctx, id, t0) }()
		go func() { defer wg.Done(); _, cancelled, _ = s.TryCancel(ctx, id, t0) }()
		wg.Wait()
		if claimed == cancelled {
			t.Fatalf("%s: claimed=%v cancelled=%v, want exactly one", id, claimed, cancelled)
		}
	}
}

func testCancelRules(t *testing.T, s Store) {
	ctx := context.Background()
	_ = s.Create(ctx, mkJob("p", t0))
	j, ok, err := s.TryCancel(ctx, "p", t0.Add(time.Minute))
	if err != nil || !ok || j.Status != post.StatusCancelled || !j.UpdatedAt.Equal(t0.Add(time.Minute)) {
		t.Fatalf("cancel pending: ok=%v err=%v job=%+v", ok, err, j)
	}
	if _, ok, _ := s.TryCancel(ctx, "p", t0); ok {
		t.Fatalf("cancelled twice")
	}
	if _, ok, _ := s.TryClaim(ctx, "p", t0); ok {
		t.Fatalf("claimed a cancelled job")
	}
	if _, ok, _ := s.TryCancel(ctx, "missing", t0); ok {
		t.Fatalf("cancelled missing job")
	}
}

func testWriteBack(t *testing.T, s Store) {
	ctx := context.Background()
	j := mkJob("w", t0)
	_ = s.Create(ctx, j)

	final := j
	final.Complete([]post.TargetResult{
		{Target: "mastodon", Success: true, ExternalID: "m1", Attempts: 1, CompletedAt: t0},
		{Target: "bluesky", Error: "client_error (status 400): bad", Attempts: 1, CompletedAt: t0},
	}, t0.Add(time.Minute))

	if err := s.WriteBack(ctx, final); !errors.Is(err, ErrConflict) {
		t.Fatalf("write-back of unclaimed job err=%v", err)
	}
	if _, ok, _ := s.TryClaim(ctx, "w", t0); !ok {
		t.Fatalf("claim failed")
	}
	if err := s.WriteBack(ctx, final); err != nil {
		t.Fatalf("WriteBack: %v", err)
	}
	got, _ := s.Get(ctx, "w")
	if got.Status != post.StatusFailed || len(got.Results) != 2 || got.Results[0].ExternalID != "m1" || got.Results[1].Success {
		t.Fatalf("got=%+v", got)
	}
	if !got.UpdatedAt.Equal(t0.Add(time.Minute)) {
		t.Fatalf("UpdatedAt=%v", got.UpdatedAt)
	}
	if err := s.WriteBack(ctx, final); !errors.Is(err, ErrConflict) {
		t.Fatalf("second write-back err=%v", err)
	}
	missing := final
	missing.ID = "nope"
	if err := s.WriteBack(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing write-back err=%v", err)
	}

	// Infrastructure failure: failed with no results.
	k := mkJob("k", t0)
	_ = s.Create(ctx, k)
	_, _, _ = s.TryClaim(ctx, "k", t0)
	k.Complete(nil, t0.Add(time.Second))
	if err := s.WriteBack(ctx, k); err != nil {
		t.Fatalf("WriteBack nil results: %v", err)
	}
	got, _ = s.Get(ctx, "k")
	if got.Status != post.StatusFailed || len(got.Results) != 0 {
		t.Fatalf("got=%+v", got)
	}
}

func testReleaseAndOrphans(t *testing.T, s Store) {
	ctx := context.Background()
	_ = s.Create(ctx, mkJob("o1", t0))
	_ = s.Create(ctx, mkJob("o2", t0))
	_, _, _ = s.TryClaim(ctx, "o1", t0)
	_, _, _ = s.TryClaim(ctx, "o2", t0.Add(time.Hour))

	orphans, err := s.ListClaimed(ctx, t0.Add(time.Minute))
	if err != nil || ids(orphans) != "[o1]" {
		t.Fatalf("orphans=%s err=%v", ids(orphans), err)
	}
	ok, err := s.ReleaseClaim(ctx, "o1")
	if err != nil || !ok {
		t.Fatalf("ReleaseClaim ok=%v err=%v", ok, err)
	}
	if ok, _ := s.ReleaseClaim(ctx, "o1"); ok {
		t.Fatalf("released twice")
	}
	due, _ := s.ListDue(ctx, t0, 0)
	if ids(due) != "[o1]" {
		t.Fatalf("released job not due: %s", ids(due))
	}
}

func testDeleteFinished(t *testing.T, s Store) {
	ctx := context.Background()
	_ = s.Create(ctx, mkJob("old", t0))
	_ = s.Create(ctx, mkJob("new", t0))
	_ = s.Create(ctx, mkJob("open", t0))
	_, _, _ = s.TryCancel(ctx, "old", t0)
	_, _, _ = s.TryCancel(ctx, "new", t0.Add(2*time.Hour))

	n, err := s.DeleteFinished(ctx, t0.Add(time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("DeleteFinished n=%d err=%v", n, err)
	}
	all, _ := s.List(ctx, Filter{})
	if ids(all) != "[new open]" {
		t.Fatalf("left=%s", ids(all))
	}
	ok, err := s.Delete(ctx, "open")
	if err != nil || !ok {
		t.Fatalf("Delete ok=%v err=%v", ok, err)
	}
	if ok, _ := s.Delete(ctx, "open"); ok {
		t.Fatalf("deleted twice")
	}
}

func ids(js []post.Job) string {
	out := make([]string, len(js))
	for i, j := range js {
		out[i] = j.ID
	}
	return fmt.Sprint(out)
}
