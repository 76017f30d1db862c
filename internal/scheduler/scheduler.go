// Package scheduler implements the multi-queue SM-2-family scheduler:
// queue selection, per-deck daily limits, sibling burial, the answer
// state machine, and revlog writes. It is the only component that
// mutates Store in response to a study action.
package scheduler

import (
	"log"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/microdote/collection-core/internal/clockid"
	"github.com/microdote/collection-core/internal/collerr"
	"github.com/microdote/collection-core/internal/store"
)

// TodayUsage tracks per-deck, per-day counters the daily-limit gate
// reads. It is not part of Store because it is a derived, resettable
// counter, not collection content; a host that wants usage to survive
// a restart can rebuild it from the revlog.
type TodayUsage struct {
	review map[usageKey]int
	new    map[usageKey]int
}

type usageKey struct {
	deckID int64
	day    int
}

// NewTodayUsage creates an empty usage tracker.
func NewTodayUsage() *TodayUsage {
	return &TodayUsage{review: make(map[usageKey]int), new: make(map[usageKey]int)}
}

func (u *TodayUsage) ReviewDone(deckID int64, day int) int { return u.review[usageKey{deckID, day}] }
func (u *TodayUsage) NewIntroduced(deckID int64, day int) int {
	return u.new[usageKey{deckID, day}]
}

func (u *TodayUsage) incrementReview(deckID int64, day int) { u.review[usageKey{deckID, day}]++ }
func (u *TodayUsage) incrementNew(deckID int64, day int)    { u.new[usageKey{deckID, day}]++ }

// Clear resets both counters for deckID/day, reopening the deck's
// daily new/review budget.
func (u *TodayUsage) Clear(deckID int64, day int) {
	delete(u.review, usageKey{deckID, day})
	delete(u.new, usageKey{deckID, day})
}

// Scheduler selects the next card to study and applies answers to a
// Store. It holds the session-only sibling-bury state (never
// persisted) and per-card revlog id minters, each seeded from the max
// existing revlog id so ids stay strictly increasing across restarts.
type Scheduler struct {
	store  *store.Store
	clock  clockid.Clock
	rng    func() float64
	usage  *TodayUsage
	logger *log.Logger

	revlogMinters map[int64]*clockid.MillisID
	buriedNotes   map[int64]bool
	buryStash     map[int64]store.Queue
}

// New builds a Scheduler over st. rng defaults to a fixed 0.5 (no
// randomization) when nil; tests pass a seeded RNG for reproducible
// fuzz. usage defaults to a fresh TodayUsage when nil, and logger to
// log.Default().
func New(st *store.Store, clock clockid.Clock, rng func() float64, usage *TodayUsage, logger *log.Logger) *Scheduler {
	if rng == nil {
		rng = func() float64 { return 0.5 }
	}
	if usage == nil {
		usage = NewTodayUsage()
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Scheduler{
		store:         st,
		clock:         clock,
		rng:           rng,
		usage:         usage,
		logger:        logger,
		revlogMinters: make(map[int64]*clockid.MillisID),
		buriedNotes:   make(map[int64]bool),
		buryStash:     make(map[int64]store.Queue),
	}
}

// Today returns the day-since-collection-creation index for at, using
// the store's configured rollover hour.
func (s *Scheduler) Today(at time.Time) int {
	return clockid.DayIndex(s.store.Collection.Crt, at, s.store.Global.RolloverHour)
}

// ---- Queue selection ----

// filterCandidates returns the cards eligible for selection: those in
// deckID (or every card, if nil) excluding Suspended/UserBuried/
// SchedBuried queues and cards whose note has a sibling currently
// buried this session.
func (s *Scheduler) filterCandidates(deckID *int64) []*store.Card {
	var all []*store.Card
	if deckID != nil {
		all = s.store.ListCardsByDeck(*deckID)
	} else {
		all = s.store.ListCards()
	}
	out := make([]*store.Card, 0, len(all))
	for _, c := range all {
		switch c.Queue {
		case store.QueueSuspended, store.QueueUserBuried, store.QueueSchedBuried:
			continue
		}
		if s.buriedNotes[c.NoteID] {
			continue
		}
		if _, err := s.store.GetNote(c.NoteID); err != nil {
			s.logger.Printf("scheduler: card %d references missing note %d, treating as orphan and skipping", c.ID, c.NoteID)
			continue
		}
		out = append(out, c)
	}
	return out
}

// buildSequence returns the full priority-ordered candidate sequence:
// due Learning cards, then due Review cards (capped to the deck's
// remaining daily review budget when deckID is given), then New
// cards (capped likewise). PickNext returns its head; PeekNext
// returns its second element.
func (s *Scheduler) buildSequence(deckID *int64) []*store.Card {
	now := s.clock.Now()
	nowSec := now.Unix()
	today := s.Today(now)

	var learning, review, fresh []*store.Card
	for _, c := range s.filterCandidates(deckID) {
		switch {
		case (c.Queue == store.QueueLearning || c.Queue == store.QueueDayLearn) && c.Due <= nowSec:
			learning = append(learning, c)
		case c.Queue == store.QueueReview && c.Due <= int64(today):
			review = append(review, c)
		case c.Queue == store.QueueNew:
			fresh = append(fresh, c)
		}
	}
	sort.Slice(learning, func(i, j int) bool { return learning[i].Due < learning[j].Due })
	sort.Slice(review, func(i, j int) bool { return review[i].Due < review[j].Due })
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].Due < fresh[j].Due })

	if deckID != nil {
		if deck, err := s.store.GetDeck(*deckID); err == nil {
			if cfg, err := s.store.GetDeckConfig(deck.ConfigID); err == nil {
				revRemaining := cfg.Rev.PerDay - s.usage.ReviewDone(*deckID, today)
				if revRemaining < 0 {
					revRemaining = 0
				}
				if revRemaining < len(review) {
					review = review[:revRemaining]
				}
				newRemaining := cfg.New.PerDay - s.usage.NewIntroduced(*deckID, today)
				if newRemaining < 0 {
					newRemaining = 0
				}
				if newRemaining < len(fresh) {
					fresh = fresh[:newRemaining]
				}
			}
		}
	}

	seq := make([]*store.Card, 0, len(learning)+len(review)+len(fresh))
	seq = append(seq, learning...)
	seq = append(seq, review...)
	seq = append(seq, fresh...)
	return seq
}

// PickNext returns the next card to study in deckID (every deck, if
// nil), or nil if nothing is due.
func (s *Scheduler) PickNext(deckID *int64) *store.Card {
	seq := s.buildSequence(deckID)
	if len(seq) == 0 {
		return nil
	}
	return seq[0]
}

// PeekNext returns the card after PickNext's pick, without selecting
// it, or nil if there is no second candidate.
func (s *Scheduler) PeekNext(deckID *int64) *store.Card {
	seq := s.buildSequence(deckID)
	if len(seq) < 2 {
		return nil
	}
	return seq[1]
}

// Due returns up to limit cards from the head of the priority-ordered
// candidate sequence, for callers that show a study queue rather than
// one card at a time.
func (s *Scheduler) Due(deckID *int64, limit int) []*store.Card {
	seq := s.buildSequence(deckID)
	if limit > 0 && len(seq) > limit {
		seq = seq[:limit]
	}
	return seq
}

// ---- Sibling burial ----

// BurySiblings adds cardID's note to the session bury set and buries
// every other card sharing that note, stashing each one's prior queue
// so ClearBuried can restore it.
func (s *Scheduler) BurySiblings(cardID int64) error {
	card, err := s.store.GetCard(cardID)
	if err != nil {
		return err
	}
	s.buriedNotes[card.NoteID] = true
	for _, sib := range s.store.ListCardsByNote(card.NoteID) {
		if sib.ID == cardID {
			continue
		}
		if _, stashed := s.buryStash[sib.ID]; !stashed {
			s.buryStash[sib.ID] = sib.Queue
		}
		if err := s.store.UpdateCard(sib.ID, func(c *store.Card) { c.Queue = store.QueueUserBuried }); err != nil {
			return err
		}
	}
	return nil
}

// ClearBuried restores every stashed queue and empties the session
// bury set. The bury set is in-memory only and does not survive a
// snapshot round-trip.
func (s *Scheduler) ClearBuried() error {
	for id, queue := range s.buryStash {
		q := queue
		if err := s.store.UpdateCard(id, func(c *store.Card) { c.Queue = q }); err != nil {
			return err
		}
	}
	s.buryStash = make(map[int64]store.Queue)
	s.buriedNotes = make(map[int64]bool)
	return nil
}

// ---- Answer state machine ----

// stepOutcome is the result of advancing one learning/relearning step.
type stepOutcome struct {
	due      int64
	left     int
	graduate bool
}

// computeStep advances one learning-style step. New, Learning, and
// Relearning all share it; Relearning just passes the lapse delays.
// Hard re-shows the card at its current step without resetting or
// advancing progress.
func computeStep(delays []int, stepsTotal, repsLeft int, ease store.Ease, nowSec int64) stepOutcome {
	stepIdx := stepsTotal - repsLeft
	if stepIdx < 0 {
		stepIdx = 0
	}
	switch ease {
	case store.EaseAgain:
		return stepOutcome{due: nowSec + int64(delays[0])*60, left: store.EncodeLeft(stepsTotal, stepsTotal)}
	case store.EaseHard:
		idx := stepIdx
		if idx >= len(delays) {
			idx = len(delays) - 1
		}
		if idx < 0 {
			idx = 0
		}
		return stepOutcome{due: nowSec + int64(delays[idx])*60, left: store.EncodeLeft(repsLeft, stepsTotal)}
	case store.EaseGood:
		if stepIdx+1 < len(delays) {
			return stepOutcome{due: nowSec + int64(delays[stepIdx+1])*60, left: store.EncodeLeft(repsLeft-1, stepsTotal)}
		}
		return stepOutcome{graduate: true}
	default: // EaseEasy
		return stepOutcome{graduate: true}
	}
}

// learningStepSeconds recovers the delay, in seconds, of the step a
// Learning/Relearning card was sitting on before an answer. Revlog
// entries record learning intervals as negative seconds.
func learningStepSeconds(left int, delays []int) int {
	if len(delays) == 0 {
		return 0
	}
	repsLeft, stepsTotal := store.DecodeLeft(left)
	idx := stepsTotal - repsLeft
	if idx < 0 {
		idx = 0
	}
	if idx >= len(delays) {
		idx = len(delays) - 1
	}
	return delays[idx] * 60
}

// stepNewOrLearning applies the New/Learning answer branches. A New
// card is modeled as sitting on step 0 (stepsTotal == repsLeft
// == len(delays)), which makes New+Again/Good/Easy fall out of the
// same computeStep call Learning uses.
func (s *Scheduler) stepNewOrLearning(next *store.Card, cfg *store.DeckConfig, ease store.Ease, nowSec int64, today int, isNew bool) {
	delays := cfg.New.Delays
	if len(delays) == 0 {
		delays = []int{1}
	}
	var stepsTotal, repsLeft int
	if isNew {
		stepsTotal, repsLeft = len(delays), len(delays)
	} else {
		repsLeft, stepsTotal = store.DecodeLeft(next.Left)
	}
	out := computeStep(delays, stepsTotal, repsLeft, ease, nowSec)
	if out.graduate {
		next.Type = store.CardReview
		next.Queue = store.QueueReview
		next.Left = 0
		if ease == store.EaseEasy {
			next.Ivl = cfg.New.EasyDays
			next.Factor += cfg.Rev.Ease4
		} else {
			next.Ivl = cfg.New.GraduatingDays
		}
		next.Due = int64(today) + int64(next.Ivl)
		return
	}
	next.Type = store.CardLearning
	next.Queue = store.QueueLearning
	next.Due = out.due
	next.Left = out.left
	if isNew && ease == store.EaseAgain {
		next.Factor = cfg.New.InitialFactor
	}
}

// stepRelearning steps through cfg.Lapse.Delays like Learning,
// graduating back to Review with ivl = max(cfg.Lapse.MinInt, oldIvl).
func (s *Scheduler) stepRelearning(next *store.Card, cfg *store.DeckConfig, ease store.Ease, nowSec int64, today int, oldIvl int) {
	delays := cfg.Lapse.Delays
	if len(delays) == 0 {
		delays = []int{10}
	}
	repsLeft, stepsTotal := store.DecodeLeft(next.Left)
	out := computeStep(delays, stepsTotal, repsLeft, ease, nowSec)
	if out.graduate {
		ivl := max(cfg.Lapse.MinInt, oldIvl)
		next.Type = store.CardReview
		next.Queue = store.QueueReview
		next.Ivl = ivl
		next.Due = int64(today) + int64(ivl)
		next.Left = 0
		if ease == store.EaseEasy {
			next.Factor += cfg.Rev.Ease4
		}
		return
	}
	next.Type = store.CardRelearning
	next.Queue = store.QueueLearning
	next.Due = out.due
	next.Left = out.left
}

// stepReview handles a Review-state answer: lapse on Again, fuzzed
// interval growth on Hard/Good/Easy, with monotone growth enforced
// and the configured leech action consulted after a lapse.
func (s *Scheduler) stepReview(next *store.Card, cfg *store.DeckConfig, ease store.Ease, nowSec int64, today int) error {
	oldIvl := next.Ivl
	oldFactor := next.Factor

	if ease == store.EaseAgain {
		next.Factor = max(1300, oldFactor-200)
		newIvl := int(math.Floor(float64(oldIvl) * cfg.Lapse.Mult))
		if newIvl < 1 {
			newIvl = 1
		}
		next.Ivl = newIvl
		next.Lapses++
		next.Type = store.CardRelearning
		next.Queue = store.QueueLearning
		delays := cfg.Lapse.Delays
		if len(delays) == 0 {
			delays = []int{10}
		}
		next.Due = nowSec + int64(delays[0])*60
		next.Left = store.EncodeLeft(len(delays), len(delays))
		return s.applyLeech(next, cfg)
	}

	switch ease {
	case store.EaseHard:
		next.Factor = max(1300, oldFactor-150)
	case store.EaseEasy:
		next.Factor = oldFactor + cfg.Rev.Ease4
	}

	var newIvlF float64
	switch ease {
	case store.EaseHard:
		newIvlF = math.Ceil(float64(oldIvl) * 1.2 * cfg.Rev.IvlFct)
	case store.EaseGood:
		newIvlF = math.Ceil(float64(oldIvl) * (float64(next.Factor) / 1000) * cfg.Rev.IvlFct)
	case store.EaseEasy:
		newIvlF = math.Ceil(float64(oldIvl) * (float64(next.Factor) / 1000) * cfg.Rev.IvlFct * 1.3)
	}
	newIvl := int(newIvlF)
	if newIvl >= 2 {
		fuzzRange := int(math.Floor(float64(newIvl) * cfg.Rev.Fuzz))
		if fuzzRange > 0 {
			lo := newIvl - fuzzRange
			span := 2*fuzzRange + 1
			newIvl = lo + int(s.rng()*float64(span))
		}
	}
	if cfg.Rev.MaxIvl > 0 && newIvl > cfg.Rev.MaxIvl {
		newIvl = cfg.Rev.MaxIvl
	}
	if newIvl < oldIvl+1 {
		newIvl = oldIvl + 1
	}
	next.Ivl = newIvl
	next.Due = int64(today) + int64(newIvl)
	next.Type = store.CardReview
	next.Queue = store.QueueReview
	return nil
}

// applyLeech consults cfg.Lapse.LeechAction once next.Lapses reaches
// cfg.Lapse.LeechFails: Suspend takes the card out of the queue
// entirely, TagOnly marks the owning note so a presentation layer can
// surface a leech list.
func (s *Scheduler) applyLeech(next *store.Card, cfg *store.DeckConfig) error {
	if next.Lapses < cfg.Lapse.LeechFails {
		return nil
	}
	switch cfg.Lapse.LeechAction {
	case store.LeechSuspend:
		next.Queue = store.QueueSuspended
	case store.LeechTagOnly:
		return s.store.UpdateNote(next.NoteID, func(n *store.Note) {
			if !strings.Contains(n.Tags, " leech ") {
				n.Tags = strings.TrimRight(n.Tags, " ") + " leech "
			}
		})
	}
	return nil
}

// revlogIvlField renders c's post-answer state into the revlog Ivl
// convention: positive days for Review, negative seconds until due
// otherwise. The sign convention is part of the archive format, not a
// style choice.
func revlogIvlField(c *store.Card, nowSec int64) int {
	if c.Type == store.CardReview {
		return c.Ivl
	}
	diff := c.Due - nowSec
	if diff < 0 {
		diff = 0
	}
	return int(-diff)
}

func clampResponseTime(ms int) int {
	if ms < 0 {
		return 0
	}
	if ms > 60000 {
		return 60000
	}
	return ms
}

// nextRevlogID mints a strictly-increasing id for cardID, seeding the
// per-card minter from the highest existing entry on first use.
func (s *Scheduler) nextRevlogID(cardID, nowMillis int64) int64 {
	m, ok := s.revlogMinters[cardID]
	if !ok {
		m = &clockid.MillisID{}
		m.Seed(s.store.LastRevlogID(cardID))
		s.revlogMinters[cardID] = m
	}
	return m.Next(nowMillis)
}

// Answer applies ease to cardID's current state, persists the result,
// appends a revlog entry, and updates today's deck usage counters.
func (s *Scheduler) Answer(cardID int64, ease store.Ease, responseMs int) (*store.Card, *store.RevlogEntry, error) {
	if ease < store.EaseAgain || ease > store.EaseEasy {
		return nil, nil, collerr.Validationf("scheduler.Answer", "invalid ease %d", ease)
	}
	old, err := s.store.GetCard(cardID)
	if err != nil {
		return nil, nil, err
	}
	deck, err := s.store.GetDeck(old.DeckID)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := s.store.GetDeckConfig(deck.ConfigID)
	if err != nil {
		return nil, nil, err
	}

	now := s.clock.Now()
	nowSec := now.Unix()
	today := s.Today(now)

	next := *old
	var revType store.RevlogType
	var lastIvl int

	switch old.Type {
	case store.CardNew:
		revType = store.RevlogLearn
		lastIvl = 0
		s.stepNewOrLearning(&next, cfg, ease, nowSec, today, true)
	case store.CardLearning:
		revType = store.RevlogLearn
		lastIvl = -learningStepSeconds(old.Left, cfg.New.Delays)
		s.stepNewOrLearning(&next, cfg, ease, nowSec, today, false)
	case store.CardReview:
		revType = store.RevlogReview
		lastIvl = old.Ivl
		if err := s.stepReview(&next, cfg, ease, nowSec, today); err != nil {
			return nil, nil, err
		}
	case store.CardRelearning:
		revType = store.RevlogRelearn
		lastIvl = -learningStepSeconds(old.Left, cfg.Lapse.Delays)
		s.stepRelearning(&next, cfg, ease, nowSec, today, old.Ivl)
	default:
		return nil, nil, collerr.Validationf("scheduler.Answer", "unknown card type %d", old.Type)
	}
	next.Reps = old.Reps + 1

	if err := s.store.UpdateCard(cardID, func(c *store.Card) {
		id := c.ID
		*c = next
		c.ID = id
	}); err != nil {
		return nil, nil, err
	}
	updated, err := s.store.GetCard(cardID)
	if err != nil {
		return nil, nil, err
	}

	entry := s.store.AppendRevlog(store.RevlogEntry{
		ID:      s.nextRevlogID(cardID, clockid.NowMillis(s.clock)),
		CardID:  cardID,
		Ease:    ease,
		Ivl:     revlogIvlField(updated, nowSec),
		LastIvl: lastIvl,
		Factor:  updated.Factor,
		Time:    clampResponseTime(responseMs),
		Type:    revType,
	})

	if old.Type == store.CardNew {
		s.usage.incrementNew(old.DeckID, today)
	}
	if old.Type == store.CardReview {
		s.usage.incrementReview(old.DeckID, today)
	}

	return updated, &entry, nil
}

// Usage exposes the scheduler's TodayUsage repository, so a caller can
// clear a deck's daily counters without threading a second handle.
func (s *Scheduler) Usage() *TodayUsage { return s.usage }
