package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"knowtifd/internal/classify"
	logx "knowtifd/pkg/logx"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "state.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestAppendHistoryCapAndOrder(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < HistoryCap+20; i++ {
		n := Notification{
			ID:        fmt.Sprintf("n-%d", i),
			Title:     "t",
			Category:  classify.Info,
			CreatedAt: time.Now(),
		}
		if err := st.AppendHistory(ctx, n); err != nil {
			t.Fatalf("AppendHistory: %v", err)
		}
	}

	hist, err := st.History(ctx)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != HistoryCap {
		t.Fatalf("history length = %d, want %d", len(hist), HistoryCap)
	}
	// Newest-first: the last append must be at index 0.
	if hist[0].ID != fmt.Sprintf("n-%d", HistoryCap+19) {
		t.Fatalf("unexpected newest entry: %s", hist[0].ID)
	}
	// The oldest 20 appends must have been evicted.
	if hist[len(hist)-1].ID != "n-20" {
		t.Fatalf("unexpected oldest entry: %s", hist[len(hist)-1].ID)
	}
}

func TestStateSurvivesReopen(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	ctx := context.Background()

	st, err := Open(Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := st.AppendHistory(ctx, Notification{ID: "a", Title: "x", Category: classify.Success, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("AppendHistory: %v", err)
	}
	if err := st.SetPaused(ctx, true); err != nil {
		t.Fatalf("SetPaused: %v", err)
	}
	if err := st.SetCursor(ctx, 1700000000); err != nil {
		t.Fatalf("SetCursor: %v", err)
	}
	_ = st.Close()

	st2, err := Open(Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()

	hist, err := st2.History(ctx)
	if err != nil || len(hist) != 1 || hist[0].ID != "a" {
		t.Fatalf("history after reopen = %v (err %v)", hist, err)
	}
	if hist[0].Category != classify.Success {
		t.Fatalf("category not preserved: %s", hist[0].Category)
	}
	paused, err := st2.Paused(ctx)
	if err != nil || !paused {
		t.Fatalf("paused after reopen = %v (err %v)", paused, err)
	}
	cur, ok, err := st2.Cursor(ctx)
	if err != nil || !ok || cur != 1700000000 {
		t.Fatalf("cursor after reopen = %d ok=%v err=%v", cur, ok, err)
	}
}

func TestCursorAbsentByDefault(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	_, ok, err := st.Cursor(context.Background())
	if err != nil {
		t.Fatalf("Cursor: %v", err)
	}
	if ok {
		t.Fatal("expected no cursor on a fresh store")
	}
}

func TestAlertURLOneShot(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.PutAlertURL(ctx, "alert-1", "https://example.com/build/42"); err != nil {
		t.Fatalf("PutAlertURL: %v", err)
	}
	url, ok, err := st.TakeAlertURL(ctx, "alert-1")
	if err != nil || !ok || url != "https://example.com/build/42" {
		t.Fatalf("TakeAlertURL = %q ok=%v err=%v", url, ok, err)
	}
	// Second take must find nothing.
	_, ok, err = st.TakeAlertURL(ctx, "alert-1")
	if err != nil {
		t.Fatalf("TakeAlertURL second: %v", err)
	}
	if ok {
		t.Fatal("alert url must be one-shot")
	}
}

func TestTakeAlertURLKeepsMappingOnFlushFailure(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	ctx := context.Background()

	st, err := Open(Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	if err := st.PutAlertURL(ctx, "alert-1", "https://example.com/build/7"); err != nil {
		t.Fatalf("PutAlertURL: %v", err)
	}

	// Point the store at an unwritable location so the next flush fails.
	fs := st.(*fileStore)
	fs.path = filepath.Join(dir, "missing", "state.json")
	if _, _, err := st.TakeAlertURL(ctx, "alert-1"); err == nil {
		t.Fatal("expected a flush error")
	}

	// A failed take must not consume the mapping.
	fs.path = path
	url, ok, err := st.TakeAlertURL(ctx, "alert-1")
	if err != nil || !ok || url != "https://example.com/build/7" {
		t.Fatalf("TakeAlertURL after failed flush = %q ok=%v err=%v", url, ok, err)
	}
}

func TestReplaceHistory(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := st.AppendHistory(ctx, Notification{ID: fmt.Sprintf("n-%d", i), CreatedAt: time.Now()}); err != nil {
			t.Fatalf("AppendHistory: %v", err)
		}
	}
	hist, _ := st.History(ctx)
	for i := range hist {
		hist[i].Read = true
	}
	if err := st.ReplaceHistory(ctx, hist); err != nil {
		t.Fatalf("ReplaceHistory: %v", err)
	}
	got, err := st.History(ctx)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("length = %d, want 3", len(got))
	}
	for _, n := range got {
		if !n.Read {
			t.Fatalf("entry %s not marked read", n.ID)
		}
	}
	if got[0].ID != "n-2" {
		t.Fatalf("order not preserved: %s", got[0].ID)
	}
}
