package stats_test

import (
	"testing"
	"time"

	"github.com/microdote/collection-core/internal/clockid"
	"github.com/microdote/collection-core/internal/stats"
	"github.com/microdote/collection-core/internal/store"
)

func newTestStore(t *testing.T, at time.Time) (*store.Store, clockid.Clock) {
	t.Helper()
	clock := clockid.Fixed{At: at}
	return store.New(clock, "stats-test"), clock
}

func addNote(t *testing.T, st *store.Store, id int64, flds string) *store.Note {
	t.Helper()
	n, err := st.AddNote(store.Note{ID: id, Flds: flds, SortField: flds})
	if err != nil {
		t.Fatalf("AddNote: %v", err)
	}
	return n
}

func addCard(t *testing.T, st *store.Store, c store.Card) *store.Card {
	t.Helper()
	added, err := st.AddCard(c)
	if err != nil {
		t.Fatalf("AddCard: %v", err)
	}
	return added
}

func TestCardCountsClassifiesByState(t *testing.T) {
	at := time.Unix(1_700_000_000, 0).UTC()
	st, _ := newTestStore(t, at)
	addNote(t, st, 1, "a\x1fb")
	addCard(t, st, store.Card{ID: 1, NoteID: 1, DeckID: store.DefaultDeckID, Type: store.CardNew, Queue: store.QueueNew})
	addCard(t, st, store.Card{ID: 2, NoteID: 1, DeckID: store.DefaultDeckID, Type: store.CardReview, Queue: store.QueueReview, Ivl: 5})
	addCard(t, st, store.Card{ID: 3, NoteID: 1, DeckID: store.DefaultDeckID, Type: store.CardReview, Queue: store.QueueReview, Ivl: 40})
	addCard(t, st, store.Card{ID: 4, NoteID: 1, DeckID: store.DefaultDeckID, Type: store.CardReview, Queue: store.QueueSuspended, Ivl: 10})
	addCard(t, st, store.Card{ID: 5, NoteID: 1, DeckID: store.DefaultDeckID, Type: store.CardReview, Queue: store.QueueUserBuried, Ivl: 10})
	addCard(t, st, store.Card{ID: 6, NoteID: 1, DeckID: store.DefaultDeckID, Type: store.CardReview, Queue: store.QueueReview, Ivl: 10, Lapses: 8})

	counts := stats.ComputeCardCounts(st, stats.Config{})
	if counts.New != 1 {
		t.Errorf("New = %d, want 1", counts.New)
	}
	if counts.Young != 2 {
		t.Errorf("Young = %d, want 2", counts.Young)
	}
	if counts.Mature != 1 {
		t.Errorf("Mature = %d, want 1", counts.Mature)
	}
	if counts.Suspended != 1 {
		t.Errorf("Suspended = %d, want 1", counts.Suspended)
	}
	if counts.Buried != 1 {
		t.Errorf("Buried = %d, want 1", counts.Buried)
	}
	if counts.Leeches != 1 {
		t.Errorf("Leeches = %d, want 1", counts.Leeches)
	}
}

func TestEmptyDeckYieldsZeroCounts(t *testing.T) {
	at := time.Unix(1_700_000_000, 0).UTC()
	st, _ := newTestStore(t, at)
	counts := stats.ComputeCardCounts(st, stats.Config{})
	if counts != (stats.CardCounts{}) {
		t.Fatalf("expected zero counts for an empty store, got %+v", counts)
	}
	retention := stats.ComputeRetention(st, clockid.Fixed{At: at}, 7, nil)
	if retention.Total != 0 || retention.Rate != 0 {
		t.Fatalf("expected zero retention for an empty store, got %+v", retention)
	}
}

func TestRetentionComputesRateAndPartitions(t *testing.T) {
	at := time.Unix(1_700_000_000, 0).UTC()
	st, clock := newTestStore(t, at)
	nowMillis := at.UnixMilli()

	entries := []store.RevlogEntry{
		{ID: nowMillis - 1000, CardID: 1, Ease: store.EaseGood, LastIvl: 5, Type: store.RevlogReview},
		{ID: nowMillis - 2000, CardID: 1, Ease: store.EaseAgain, LastIvl: 5, Type: store.RevlogReview},
		{ID: nowMillis - 3000, CardID: 1, Ease: store.EaseGood, LastIvl: 30, Type: store.RevlogReview},
		{ID: nowMillis - 90*24*3600*1000, CardID: 1, Ease: store.EaseGood, LastIvl: 5, Type: store.RevlogReview}, // outside window
	}
	for _, e := range entries {
		st.AppendRevlog(e)
	}

	r := stats.ComputeRetention(st, clock, 7, nil)
	if r.Total != 3 {
		t.Fatalf("Total = %d, want 3 (outside-window entry must be excluded)", r.Total)
	}
	if r.Correct != 2 {
		t.Fatalf("Correct = %d, want 2", r.Correct)
	}
	if r.YoungTotal != 2 || r.MatureTotal != 1 {
		t.Fatalf("partition mismatch: young=%d mature=%d", r.YoungTotal, r.MatureTotal)
	}
}

func TestThroughputComputesRates(t *testing.T) {
	at := time.Unix(1_700_000_000, 0).UTC()
	st, clock := newTestStore(t, at)
	nowMillis := at.UnixMilli()
	for i := 0; i < 4; i++ {
		st.AppendRevlog(store.RevlogEntry{ID: nowMillis - int64(i*1000), CardID: 1, Time: 3000, Type: store.RevlogReview})
	}

	tp := stats.ComputeThroughput(st, clock, 7, nil)
	if tp.TotalReviews != 4 {
		t.Fatalf("TotalReviews = %d, want 4", tp.TotalReviews)
	}
	if tp.SecondsPerReview != 3 {
		t.Fatalf("SecondsPerReview = %v, want 3", tp.SecondsPerReview)
	}
}

func TestForecastBucketsReviewCardsByDueDay(t *testing.T) {
	at := time.Unix(1_700_000_000, 0).UTC()
	st, clock := newTestStore(t, at)
	today := clockid.DayIndex(st.Collection.Crt, clock.Now(), st.Global.RolloverHour)

	addNote(t, st, 1, "a\x1fb")
	addCard(t, st, store.Card{ID: 1, NoteID: 1, DeckID: store.DefaultDeckID, Type: store.CardReview, Queue: store.QueueReview, Due: int64(today)})
	addCard(t, st, store.Card{ID: 2, NoteID: 1, DeckID: store.DefaultDeckID, Type: store.CardReview, Queue: store.QueueReview, Due: int64(today + 2)})
	addCard(t, st, store.Card{ID: 3, NoteID: 1, DeckID: store.DefaultDeckID, Type: store.CardReview, Queue: store.QueueReview, Due: int64(today + 500)}) // clamps to last bucket

	buckets := stats.ComputeForecast(st, clock, 7, nil)
	if len(buckets) != 7 {
		t.Fatalf("expected 7 buckets, got %d", len(buckets))
	}
	if buckets[0] != 1 {
		t.Fatalf("bucket[0] = %d, want 1", buckets[0])
	}
	if buckets[2] != 1 {
		t.Fatalf("bucket[2] = %d, want 1", buckets[2])
	}
	if buckets[6] != 1 {
		t.Fatalf("bucket[6] (clamped) = %d, want 1", buckets[6])
	}
}

func TestLeechesSortedDescendingByLapses(t *testing.T) {
	at := time.Unix(1_700_000_000, 0).UTC()
	st, _ := newTestStore(t, at)
	addNote(t, st, 1, "First\x1fBack")
	addNote(t, st, 2, "Second\x1fBack")
	addCard(t, st, store.Card{ID: 1, NoteID: 1, DeckID: store.DefaultDeckID, Type: store.CardReview, Lapses: 9})
	addCard(t, st, store.Card{ID: 2, NoteID: 2, DeckID: store.DefaultDeckID, Type: store.CardReview, Lapses: 12})
	addCard(t, st, store.Card{ID: 3, NoteID: 1, DeckID: store.DefaultDeckID, Type: store.CardReview, Lapses: 3}) // below threshold

	leeches := stats.ComputeLeeches(st, nil)
	if len(leeches) != 2 {
		t.Fatalf("expected 2 leeches, got %d", len(leeches))
	}
	if leeches[0].CardID != 2 || leeches[0].Lapses != 12 {
		t.Fatalf("expected card 2 first (highest lapses), got %+v", leeches[0])
	}
	if leeches[0].FirstField != "Second" {
		t.Fatalf("expected first field joined from note, got %q", leeches[0].FirstField)
	}
}

func TestBacklogClearByComputesOverdueness(t *testing.T) {
	at := time.Unix(1_700_000_000, 0).UTC()
	st, clock := newTestStore(t, at)
	today := clockid.DayIndex(st.Collection.Crt, clock.Now(), st.Global.RolloverHour)

	addNote(t, st, 1, "a\x1fb")
	addCard(t, st, store.Card{ID: 1, NoteID: 1, DeckID: store.DefaultDeckID, Type: store.CardReview, Due: int64(today - 5)})
	addCard(t, st, store.Card{ID: 2, NoteID: 1, DeckID: store.DefaultDeckID, Type: store.CardReview, Due: int64(today - 1)})
	addCard(t, st, store.Card{ID: 3, NoteID: 1, DeckID: store.DefaultDeckID, Type: store.CardReview, Due: int64(today + 10)}) // not overdue

	backlog := stats.ComputeBacklog(st, clock, 30, nil)
	if backlog.BacklogCount != 2 {
		t.Fatalf("BacklogCount = %d, want 2", backlog.BacklogCount)
	}
	if backlog.MedianOverdueDays != 3 {
		t.Fatalf("MedianOverdueDays = %v, want 3", backlog.MedianOverdueDays)
	}
	if backlog.OverduenessIndex <= 0 {
		t.Fatalf("expected a positive overdueness index, got %v", backlog.OverduenessIndex)
	}
}

func TestBestHoursRanksTopThreeFromGrid(t *testing.T) {
	at := time.Unix(1_700_000_000, 0).UTC()
	st, _ := newTestStore(t, at)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for hour := 0; hour < 5; hour++ {
		ts := base.Add(time.Duration(hour) * time.Hour)
		for i := 0; i < hour+1; i++ {
			st.AppendRevlog(store.RevlogEntry{ID: ts.UnixMilli() + int64(i), CardID: 1, Ease: store.EaseGood, Type: store.RevlogReview})
		}
	}

	result := stats.ComputeBestHours(st, nil)
	if len(result.Top) != 3 {
		t.Fatalf("expected 3 top hours, got %d", len(result.Top))
	}
	if len(result.Grid) != 24 {
		t.Fatalf("expected a 24-cell grid, got %d", len(result.Grid))
	}
	// Hour 4 has the most reviews (5) and perfect retention, so it should rank first.
	if result.Top[0].Hour != 4 {
		t.Fatalf("expected hour 4 to rank first, got hour %d", result.Top[0].Hour)
	}
}

func TestSummaryAggregatesSubcomputations(t *testing.T) {
	at := time.Unix(1_700_000_000, 0).UTC()
	st, clock := newTestStore(t, at)
	addNote(t, st, 1, "a\x1fb")
	addCard(t, st, store.Card{ID: 1, NoteID: 1, DeckID: store.DefaultDeckID, Type: store.CardNew, Queue: store.QueueNew})
	st.AppendRevlog(store.RevlogEntry{ID: at.UnixMilli(), CardID: 1, Ease: store.EaseGood, Time: 2000, Type: store.RevlogReview})

	summary := stats.ComputeSummary(st, clock, nil)
	if summary.Counts.New != 1 {
		t.Fatalf("expected summary counts to include the new card, got %+v", summary.Counts)
	}
	if summary.Retention7.Total != 1 || summary.Retention30.Total != 1 {
		t.Fatalf("expected both retention windows to see the single review, got %+v / %+v", summary.Retention7, summary.Retention30)
	}
	if summary.Throughput.TotalReviews != 1 {
		t.Fatalf("expected throughput to see the single review, got %+v", summary.Throughput)
	}
}
