// Package stats computes pure, derived statistics from a Store
// snapshot. Every function here is side-effect free: it reads
// Store/clock and returns a plain value, never mutates.
package stats

import (
	"log"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/microdote/collection-core/internal/clockid"
	"github.com/microdote/collection-core/internal/store"
)

const youngMatureBoundaryDays = 21

// logger reports fatal-but-skippable inconsistencies found while
// deriving statistics over Store data (e.g. a card whose note is
// missing): the offending item is logged and skipped, never
// propagated. Stats functions are pure free functions with no
// constructor to thread a logger through, so the package-level default
// stands in.
var logger = log.Default()

// Config scopes a derivation to a window and optionally one deck.
type Config struct {
	WindowDays int
	DeckID     *int64
}

func today(st *store.Store, clock clockid.Clock) int {
	return clockid.DayIndex(st.Collection.Crt, clock.Now(), st.Global.RolloverHour)
}

func inDeck(deckID *int64, cardDeck int64) bool {
	return deckID == nil || *deckID == cardDeck
}

func cardsInScope(st *store.Store, deckID *int64) []*store.Card {
	out := make([]*store.Card, 0)
	for _, c := range st.ListCards() {
		if inDeck(deckID, c.DeckID) {
			out = append(out, c)
		}
	}
	return out
}

// ---- Card counts ----

// CardCounts buckets the scoped cards by scheduling state: New, Young
// (Review ivl<21), Mature (Review ivl>=21), Suspended, Buried (either
// burial queue), Leeches (lapses>=8).
type CardCounts struct {
	New       int `json:"new"`
	Young     int `json:"young"`
	Mature    int `json:"mature"`
	Suspended int `json:"suspended"`
	Buried    int `json:"buried"`
	Leeches   int `json:"leeches"`
}

func ComputeCardCounts(st *store.Store, cfg Config) CardCounts {
	var out CardCounts
	for _, c := range cardsInScope(st, cfg.DeckID) {
		if c.Lapses >= 8 {
			out.Leeches++
		}
		switch c.Queue {
		case store.QueueSuspended:
			out.Suspended++
			continue
		case store.QueueUserBuried, store.QueueSchedBuried:
			out.Buried++
			continue
		}
		switch c.Type {
		case store.CardNew:
			out.New++
		case store.CardReview:
			if c.Ivl >= youngMatureBoundaryDays {
				out.Mature++
			} else {
				out.Young++
			}
		}
	}
	return out
}

// ---- Retention ----

// Retention is correct/total over Review-type revlog entries in a
// window, partitioned by the pre-answer interval (lastIvl) into young
// and mature. Correct means ease >= Hard.
type Retention struct {
	WindowDays    int     `json:"windowDays"`
	Total         int     `json:"total"`
	Correct       int     `json:"correct"`
	Rate          float64 `json:"rate"`
	YoungTotal    int     `json:"youngTotal"`
	YoungCorrect  int     `json:"youngCorrect"`
	MatureTotal   int     `json:"matureTotal"`
	MatureCorrect int     `json:"matureCorrect"`
}

func windowCutoffMillis(clock clockid.Clock, windowDays int) int64 {
	return clock.Now().Add(-time.Duration(windowDays) * 24 * time.Hour).UnixMilli()
}

func cardDeck(st *store.Store, cardID int64) (int64, bool) {
	c, err := st.GetCard(cardID)
	if err != nil {
		return 0, false
	}
	return c.DeckID, true
}

func ComputeRetention(st *store.Store, clock clockid.Clock, windowDays int, deckID *int64) Retention {
	cutoff := windowCutoffMillis(clock, windowDays)
	out := Retention{WindowDays: windowDays}
	for _, r := range st.ListRevlog() {
		if r.Type != store.RevlogReview || r.ID < cutoff {
			continue
		}
		if deckID != nil {
			if d, ok := cardDeck(st, r.CardID); !ok || d != *deckID {
				continue
			}
		}
		correct := r.Ease >= store.EaseHard
		out.Total++
		if correct {
			out.Correct++
		}
		if r.LastIvl >= youngMatureBoundaryDays {
			out.MatureTotal++
			if correct {
				out.MatureCorrect++
			}
		} else {
			out.YoungTotal++
			if correct {
				out.YoungCorrect++
			}
		}
	}
	if out.Total > 0 {
		out.Rate = float64(out.Correct) / float64(out.Total)
	}
	return out
}

// ---- Throughput ----

// Throughput reports study pace over a window, derived from recorded
// response times rather than wall-clock span between reviews.
type Throughput struct {
	WindowDays       int     `json:"windowDays"`
	TotalReviews     int     `json:"totalReviews"`
	TotalSeconds     float64 `json:"totalSeconds"`
	ReviewsPerMinute float64 `json:"reviewsPerMinute"`
	SecondsPerReview float64 `json:"secondsPerReview"`
}

func ComputeThroughput(st *store.Store, clock clockid.Clock, windowDays int, deckID *int64) Throughput {
	cutoff := windowCutoffMillis(clock, windowDays)
	out := Throughput{WindowDays: windowDays}
	var totalMs int64
	for _, r := range st.ListRevlog() {
		if r.ID < cutoff {
			continue
		}
		if deckID != nil {
			if d, ok := cardDeck(st, r.CardID); !ok || d != *deckID {
				continue
			}
		}
		out.TotalReviews++
		totalMs += int64(r.Time)
	}
	out.TotalSeconds = float64(totalMs) / 1000
	if out.TotalSeconds > 0 {
		out.ReviewsPerMinute = float64(out.TotalReviews) / (out.TotalSeconds / 60)
	}
	if out.TotalReviews > 0 {
		out.SecondsPerReview = out.TotalSeconds / float64(out.TotalReviews)
	}
	return out
}

// ---- Forecast ----

// ComputeForecast buckets expected review arrivals over the next n
// days: due Review cards land in the bucket for their due day; due
// Learning/Relearning cards land by their absolute due second;
// New cards are spread across days at each deck's new-card daily rate.
func ComputeForecast(st *store.Store, clock clockid.Clock, n int, deckID *int64) []int {
	if n <= 0 {
		return nil
	}
	buckets := make([]int, n)
	clampIdx := func(i int) int {
		if i < 0 {
			return 0
		}
		if i >= n {
			return n - 1
		}
		return i
	}

	t := today(st, clock)
	nowSec := clockid.NowSeconds(clock)
	remainingNew := map[int64]int{}

	for _, c := range cardsInScope(st, deckID) {
		switch {
		case c.Queue == store.QueueSuspended || c.Queue == store.QueueUserBuried || c.Queue == store.QueueSchedBuried:
			continue
		case c.Type == store.CardReview:
			buckets[clampIdx(int(c.Due)-t)]++
		case c.Type == store.CardLearning || c.Type == store.CardRelearning:
			buckets[clampIdx(int((c.Due-nowSec)/86400))]++
		case c.Type == store.CardNew:
			remainingNew[c.DeckID]++
		}
	}

	for did, count := range remainingNew {
		perDay := count
		if cfg, err := deckConfigFor(st, did); err == nil && cfg.New.PerDay > 0 {
			perDay = cfg.New.PerDay
		}
		left := count
		for day := 0; day < n && left > 0; day++ {
			take := perDay
			if take > left {
				take = left
			}
			buckets[day] += take
			left -= take
		}
	}
	return buckets
}

func deckConfigFor(st *store.Store, deckID int64) (*store.DeckConfig, error) {
	d, err := st.GetDeck(deckID)
	if err != nil {
		return nil, err
	}
	return st.GetDeckConfig(d.ConfigID)
}

// ---- Survival curves ----

// SurvivalPoint is one sparse (interval_days, survival_rate) sample.
type SurvivalPoint struct {
	IntervalDays int     `json:"intervalDays"`
	SurvivalRate float64 `json:"survivalRate"`
}

// SurvivalCurve is a sparse step-survival curve plus a log-linear
// half-life estimate.
type SurvivalCurve struct {
	Points       []SurvivalPoint `json:"points"`
	HalfLifeDays float64         `json:"halfLifeDays"`
}

// ComputeSurvivalCurves walks each card's Review-type revlog in id
// order and records, for every observed pre-answer interval
// (lastIvl), whether the card survived (ease != Again) the step to
// its next interval. Cards are grouped into young/mature by that
// pre-answer interval.
func ComputeSurvivalCurves(st *store.Store, deckID *int64) (young, mature SurvivalCurve) {
	byCard := map[int64][]store.RevlogEntry{}
	for _, r := range st.ListRevlog() {
		if r.Type != store.RevlogReview {
			continue
		}
		if deckID != nil {
			if d, ok := cardDeck(st, r.CardID); !ok || d != *deckID {
				continue
			}
		}
		byCard[r.CardID] = append(byCard[r.CardID], r)
	}

	youngTotal := map[int]int{}
	youngSurv := map[int]int{}
	matureTotal := map[int]int{}
	matureSurv := map[int]int{}

	for _, entries := range byCard {
		sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
		for _, r := range entries {
			interval := r.LastIvl
			survived := r.Ease != store.EaseAgain
			if interval >= youngMatureBoundaryDays {
				matureTotal[interval]++
				if survived {
					matureSurv[interval]++
				}
			} else {
				youngTotal[interval]++
				if survived {
					youngSurv[interval]++
				}
			}
		}
	}

	young = buildCurve(youngTotal, youngSurv)
	mature = buildCurve(matureTotal, matureSurv)
	return young, mature
}

func buildCurve(total, surv map[int]int) SurvivalCurve {
	intervals := make([]int, 0, len(total))
	for iv := range total {
		intervals = append(intervals, iv)
	}
	sort.Ints(intervals)

	var points []SurvivalPoint
	var xs, ys []float64
	for _, iv := range intervals {
		if total[iv] == 0 {
			continue
		}
		rate := float64(surv[iv]) / float64(total[iv])
		points = append(points, SurvivalPoint{IntervalDays: iv, SurvivalRate: rate})
		if rate > 0 {
			xs = append(xs, float64(iv))
			ys = append(ys, math.Log(rate))
		}
	}
	return SurvivalCurve{Points: points, HalfLifeDays: halfLifeFromLogLinearFit(xs, ys)}
}

// halfLifeFromLogLinearFit fits log(rate) = intercept + slope*interval
// by least squares and converts a negative slope into a half-life in
// days; returns 0 when there isn't enough decay signal to fit.
func halfLifeFromLogLinearFit(xs, ys []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var sumX, sumY float64
	for i := range xs {
		sumX += xs[i]
		sumY += ys[i]
	}
	n := float64(len(xs))
	xbar, ybar := sumX/n, sumY/n

	var num, den float64
	for i := range xs {
		dx := xs[i] - xbar
		num += dx * (ys[i] - ybar)
		den += dx * dx
	}
	if den == 0 {
		return 0
	}
	slope := num / den
	if slope >= 0 {
		return 0
	}
	return -math.Ln2 / slope
}

// ---- Best hours ----

// BestHour is one hour-of-day's retention sample.
type BestHour struct {
	Hour        int     `json:"hour"`
	Retention   float64 `json:"retention"`
	ReviewCount int     `json:"reviewCount"`
	Score       float64 `json:"score"`
}

// BestHoursResult is the top-three ranked hours plus the full 24-cell
// grid.
type BestHoursResult struct {
	Top  []BestHour   `json:"top"`
	Grid [24]BestHour `json:"grid"`
}

func ComputeBestHours(st *store.Store, deckID *int64) BestHoursResult {
	type acc struct{ total, correct int }
	byHour := map[int]*acc{}

	for _, r := range st.ListRevlog() {
		if deckID != nil {
			if d, ok := cardDeck(st, r.CardID); !ok || d != *deckID {
				continue
			}
		}
		hour := time.UnixMilli(r.ID).UTC().Hour()
		a, ok := byHour[hour]
		if !ok {
			a = &acc{}
			byHour[hour] = a
		}
		a.total++
		if r.Ease >= store.EaseHard {
			a.correct++
		}
	}

	var result BestHoursResult
	for h := 0; h < 24; h++ {
		bh := BestHour{Hour: h}
		if a, ok := byHour[h]; ok && a.total > 0 {
			bh.ReviewCount = a.total
			bh.Retention = float64(a.correct) / float64(a.total)
			bh.Score = bh.Retention * math.Log(float64(a.total)+1)
		}
		result.Grid[h] = bh
	}

	ranked := make([]BestHour, 24)
	copy(ranked, result.Grid[:])
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	top := 3
	if len(ranked) < top {
		top = len(ranked)
	}
	result.Top = ranked[:top]
	return result
}

// ---- Leeches ----

// LeechEntry is one leeched card joined with its note's first field,
// for display.
type LeechEntry struct {
	CardID     int64  `json:"cardId"`
	NoteID     int64  `json:"noteId"`
	Lapses     int    `json:"lapses"`
	FirstField string `json:"firstField"`
}

func firstField(flds string) string {
	if i := strings.IndexByte(flds, 0x1f); i >= 0 {
		return flds[:i]
	}
	return flds
}

func ComputeLeeches(st *store.Store, deckID *int64) []LeechEntry {
	var out []LeechEntry
	for _, c := range cardsInScope(st, deckID) {
		if c.Lapses < 8 {
			continue
		}
		n, err := st.GetNote(c.NoteID)
		if err != nil {
			logger.Printf("stats: card %d references missing note %d, treating as orphan and skipping", c.ID, c.NoteID)
			continue
		}
		out = append(out, LeechEntry{CardID: c.ID, NoteID: c.NoteID, Lapses: c.Lapses, FirstField: firstField(n.Flds)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Lapses > out[j].Lapses })
	return out
}

// ---- Backlog clear-by ----

// Backlog summarizes overdue Review cards: how many, how fast they
// clear at the recent pace, and how overdue the tail is.
type Backlog struct {
	BacklogCount      int     `json:"backlogCount"`
	AvgReviewsPerDay  float64 `json:"avgReviewsPerDay"`
	DaysToClear       float64 `json:"daysToClear"`
	MedianOverdueDays float64 `json:"medianOverdueDays"`
	OverduenessIndex  float64 `json:"overduenessIndex"`
}

func ComputeBacklog(st *store.Store, clock clockid.Clock, windowDays int, deckID *int64) Backlog {
	t := today(st, clock)
	var out Backlog
	var totalReviewCards int
	var overdueSum int
	var overdueDays []int

	for _, c := range cardsInScope(st, deckID) {
		if c.Type != store.CardReview {
			continue
		}
		totalReviewCards++
		overdue := int(int64(t) - c.Due)
		if overdue > 0 {
			overdueSum += overdue
			overdueDays = append(overdueDays, overdue)
		}
	}
	out.BacklogCount = len(overdueDays)

	throughput := ComputeThroughput(st, clock, windowDays, deckID)
	if windowDays > 0 {
		out.AvgReviewsPerDay = float64(throughput.TotalReviews) / float64(windowDays)
	}
	if out.AvgReviewsPerDay > 0 {
		out.DaysToClear = float64(out.BacklogCount) / out.AvgReviewsPerDay
	}
	if totalReviewCards > 0 {
		out.OverduenessIndex = float64(overdueSum) / float64(totalReviewCards)
	}

	sort.Ints(overdueDays)
	out.MedianOverdueDays = median(overdueDays)
	return out
}

func median(xs []int) float64 {
	n := len(xs)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return float64(xs[n/2])
	}
	return float64(xs[n/2-1]+xs[n/2]) / 2
}

// ---- Summary ----

// Summary combines card counts, 7- and 30-day retention, and 7-day
// throughput into one aggregate for a single summary endpoint.
type Summary struct {
	Counts      CardCounts `json:"counts"`
	Retention7  Retention  `json:"retention7"`
	Retention30 Retention  `json:"retention30"`
	Throughput  Throughput `json:"throughput"`
}

func ComputeSummary(st *store.Store, clock clockid.Clock, deckID *int64) Summary {
	return Summary{
		Counts:      ComputeCardCounts(st, Config{DeckID: deckID}),
		Retention7:  ComputeRetention(st, clock, 7, deckID),
		Retention30: ComputeRetention(st, clock, 30, deckID),
		Throughput:  ComputeThroughput(st, clock, 7, deckID),
	}
}
