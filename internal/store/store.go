package store

import (
	"sort"
	"strings"

	"github.com/microdote/collection-core/internal/clockid"
	"github.com/microdote/collection-core/internal/collerr"
)

// DefaultDeckID is the id of the immutable "Default" deck every
// collection is initialized with.
const DefaultDeckID int64 = 1

// DefaultDeckConfigID is the id of the deck config the Default deck
// (and any deck created without an explicit config) studies under.
const DefaultDeckConfigID int64 = 1

// Store owns every entity in a collection. It is not safe for
// concurrent use from more than one goroutine at a time; the core's
// concurrency model is single-threaded cooperative, so Store carries
// no locks of its own.
type Store struct {
	clock  clockid.Clock
	minter *clockid.Minter

	Collection Collection
	Global     GlobalConfig

	decks       map[int64]*Deck
	deckConfigs map[int64]*DeckConfig
	models      map[int64]*Model
	notes       map[int64]*Note
	cards       map[int64]*Card
	media       map[int64]*Media

	revlog []RevlogEntry
	graves []Grave
}

// New creates a Store seeded with the mandatory Default deck and its
// deck config.
func New(clock clockid.Clock, collectionID string) *Store {
	now := clockid.NowSeconds(clock)
	s := &Store{
		clock:  clock,
		minter: clockid.NewMinter(),
		Collection: Collection{
			ID:            collectionID,
			Crt:           now,
			Mod:           clockid.NowMillis(clock),
			SchemaVersion: 1,
			LastSync:      0,
		},
		Global: GlobalConfig{
			ActiveDeckIDs:    []int64{DefaultDeckID},
			NextPos:          1,
			SortType:         "noteCrt",
			SchedulerVersion: 2,
			RolloverHour:     clockid.DefaultRolloverHour,
		},
		decks:       make(map[int64]*Deck),
		deckConfigs: make(map[int64]*DeckConfig),
		models:      make(map[int64]*Model),
		notes:       make(map[int64]*Note),
		cards:       make(map[int64]*Card),
		media:       make(map[int64]*Media),
	}
	s.minter.Seed("deck", DefaultDeckID)
	s.minter.Seed("deckConfig", DefaultDeckConfigID)
	cfg := DefaultDeckConfig(DefaultDeckConfigID)
	s.deckConfigs[DefaultDeckConfigID] = &cfg
	s.decks[DefaultDeckID] = &Deck{
		ID:       DefaultDeckID,
		Name:     "Default",
		ConfigID: DefaultDeckConfigID,
		Mod:      now,
	}
	return s
}

// touch bumps the collection's modification time and returns the
// entity mod timestamp in seconds.
func (s *Store) touch() int64 {
	s.Collection.Mod = clockid.NowMillis(s.clock)
	return clockid.NowSeconds(s.clock)
}

// nextUSN returns the usn a newly mutated local entity carries. Every
// mutation originating in this process is unsynced, so it is always
// -1; a future sync layer would replace this with a real counter.
func (s *Store) nextUSN() int64 {
	return -1
}

// ---- Decks ----

func (s *Store) GetDeck(id int64) (*Deck, error) {
	d, ok := s.decks[id]
	if !ok {
		return nil, collerr.NotFoundf("store.GetDeck", "deck %d not found", id)
	}
	cp := *d
	return &cp, nil
}

func (s *Store) ListDecks() []*Deck {
	out := make([]*Deck, 0, len(s.decks))
	for _, d := range s.decks {
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AddDeck inserts a new deck, minting its id if d.ID is zero.
func (s *Store) AddDeck(d Deck) (*Deck, error) {
	if d.ID == 0 {
		d.ID = s.minter.Next("deck")
	} else {
		s.minter.Seed("deck", d.ID)
	}
	d.Mod = s.touch()
	d.USN = s.nextUSN()
	s.decks[d.ID] = &d
	cp := d
	return &cp, nil
}

// UpdateDeck applies mutate to the stored deck and bumps mod/usn.
func (s *Store) UpdateDeck(id int64, mutate func(*Deck)) error {
	d, ok := s.decks[id]
	if !ok {
		return collerr.NotFoundf("store.UpdateDeck", "deck %d not found", id)
	}
	if id == DefaultDeckID {
		name := d.Name
		mutate(d)
		d.Name = name // Default deck name is immutable
	} else {
		mutate(d)
	}
	d.Mod = s.touch()
	d.USN = s.nextUSN()
	return nil
}

func (s *Store) DeleteDeck(id int64) error {
	if _, ok := s.decks[id]; !ok {
		return collerr.NotFoundf("store.DeleteDeck", "deck %d not found", id)
	}
	delete(s.decks, id)
	s.graves = append(s.graves, Grave{USN: s.nextUSN(), OID: id, Type: GraveDeck})
	return nil
}

// EnsureDeckHierarchy finds or creates the deck named name, creating
// every "::"-delimited ancestor that doesn't already exist: creating
// "A::B::C" forces creation of "A" and "A::B" if absent. Created
// ancestors study under DefaultDeckConfigID; only the leaf deck is
// returned.
func (s *Store) EnsureDeckHierarchy(name string) (*Deck, error) {
	parts := strings.Split(name, "::")
	var built string
	var leaf *Deck
	for i, part := range parts {
		if i == 0 {
			built = part
		} else {
			built = built + "::" + part
		}
		if d, ok := s.findDeckByName(built); ok {
			leaf = d
			continue
		}
		added, err := s.AddDeck(Deck{Name: built, ConfigID: DefaultDeckConfigID})
		if err != nil {
			return nil, err
		}
		leaf = added
	}
	return leaf, nil
}

func (s *Store) findDeckByName(name string) (*Deck, bool) {
	for _, d := range s.decks {
		if d.Name == name {
			cp := *d
			return &cp, true
		}
	}
	return nil, false
}

// ---- Deck configs ----

func (s *Store) GetDeckConfig(id int64) (*DeckConfig, error) {
	c, ok := s.deckConfigs[id]
	if !ok {
		return nil, collerr.NotFoundf("store.GetDeckConfig", "deck config %d not found", id)
	}
	cp := *c
	return &cp, nil
}

func (s *Store) ListDeckConfigs() []*DeckConfig {
	out := make([]*DeckConfig, 0, len(s.deckConfigs))
	for _, c := range s.deckConfigs {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) AddDeckConfig(c DeckConfig) (*DeckConfig, error) {
	if c.ID == 0 {
		c.ID = s.minter.Next("deckConfig")
	} else {
		s.minter.Seed("deckConfig", c.ID)
	}
	s.deckConfigs[c.ID] = &c
	cp := c
	return &cp, nil
}

func (s *Store) UpdateDeckConfig(id int64, mutate func(*DeckConfig)) error {
	c, ok := s.deckConfigs[id]
	if !ok {
		return collerr.NotFoundf("store.UpdateDeckConfig", "deck config %d not found", id)
	}
	mutate(c)
	return nil
}

func (s *Store) DeleteDeckConfig(id int64) error {
	if _, ok := s.deckConfigs[id]; !ok {
		return collerr.NotFoundf("store.DeleteDeckConfig", "deck config %d not found", id)
	}
	delete(s.deckConfigs, id)
	return nil
}

// ---- Models ----

func (s *Store) GetModel(id int64) (*Model, error) {
	m, ok := s.models[id]
	if !ok {
		return nil, collerr.NotFoundf("store.GetModel", "model %d not found", id)
	}
	cp := *m
	return &cp, nil
}

func (s *Store) ListModels() []*Model {
	out := make([]*Model, 0, len(s.models))
	for _, m := range s.models {
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) AddModel(m Model) (*Model, error) {
	if m.ID == 0 {
		m.ID = s.minter.Next("model")
	} else {
		s.minter.Seed("model", m.ID)
	}
	s.models[m.ID] = &m
	cp := m
	return &cp, nil
}

func (s *Store) UpdateModel(id int64, mutate func(*Model)) error {
	m, ok := s.models[id]
	if !ok {
		return collerr.NotFoundf("store.UpdateModel", "model %d not found", id)
	}
	mutate(m)
	return nil
}

func (s *Store) DeleteModel(id int64) error {
	if _, ok := s.models[id]; !ok {
		return collerr.NotFoundf("store.DeleteModel", "model %d not found", id)
	}
	delete(s.models, id)
	return nil
}

// ---- Notes ----

func (s *Store) GetNote(id int64) (*Note, error) {
	n, ok := s.notes[id]
	if !ok {
		return nil, collerr.NotFoundf("store.GetNote", "note %d not found", id)
	}
	cp := *n
	return &cp, nil
}

func (s *Store) ListNotes() []*Note {
	out := make([]*Note, 0, len(s.notes))
	for _, n := range s.notes {
		cp := *n
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AddNote mints a note id if n.ID is zero and inserts it.
func (s *Store) AddNote(n Note) (*Note, error) {
	if n.ID == 0 {
		n.ID = s.minter.Next("note")
	} else {
		s.minter.Seed("note", n.ID)
	}
	n.Mod = s.touch()
	n.USN = s.nextUSN()
	s.notes[n.ID] = &n
	cp := n
	return &cp, nil
}

func (s *Store) UpdateNote(id int64, mutate func(*Note)) error {
	n, ok := s.notes[id]
	if !ok {
		return collerr.NotFoundf("store.UpdateNote", "note %d not found", id)
	}
	mutate(n)
	n.Mod = s.touch()
	n.USN = s.nextUSN()
	return nil
}

func (s *Store) DeleteNote(id int64) error {
	if _, ok := s.notes[id]; !ok {
		return collerr.NotFoundf("store.DeleteNote", "note %d not found", id)
	}
	delete(s.notes, id)
	s.graves = append(s.graves, Grave{USN: s.nextUSN(), OID: id, Type: GraveNote})
	return nil
}

// ---- Cards ----

func (s *Store) GetCard(id int64) (*Card, error) {
	c, ok := s.cards[id]
	if !ok {
		return nil, collerr.NotFoundf("store.GetCard", "card %d not found", id)
	}
	cp := *c
	return &cp, nil
}

func (s *Store) ListCards() []*Card {
	out := make([]*Card, 0, len(s.cards))
	for _, c := range s.cards {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) ListCardsByDeck(deckID int64) []*Card {
	out := make([]*Card, 0)
	for _, c := range s.cards {
		if c.DeckID == deckID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListCardsByNote returns every card owned by noteID, used by Cards &
// Notes to regenerate/delete cards on update and change-type.
func (s *Store) ListCardsByNote(noteID int64) []*Card {
	out := make([]*Card, 0)
	for _, c := range s.cards {
		if c.NoteID == noteID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) AddCard(c Card) (*Card, error) {
	if c.ID == 0 {
		c.ID = s.minter.Next("card")
	} else {
		s.minter.Seed("card", c.ID)
	}
	c.Mod = s.touch()
	c.USN = s.nextUSN()
	s.cards[c.ID] = &c
	cp := c
	return &cp, nil
}

func (s *Store) UpdateCard(id int64, mutate func(*Card)) error {
	c, ok := s.cards[id]
	if !ok {
		return collerr.NotFoundf("store.UpdateCard", "card %d not found", id)
	}
	mutate(c)
	c.Mod = s.touch()
	c.USN = s.nextUSN()
	return nil
}

func (s *Store) DeleteCard(id int64) error {
	if _, ok := s.cards[id]; !ok {
		return collerr.NotFoundf("store.DeleteCard", "card %d not found", id)
	}
	delete(s.cards, id)
	s.graves = append(s.graves, Grave{USN: s.nextUSN(), OID: id, Type: GraveCard})
	return nil
}

// ---- Media ----

func (s *Store) GetMedia(id int64) (*Media, error) {
	m, ok := s.media[id]
	if !ok {
		return nil, collerr.NotFoundf("store.GetMedia", "media %d not found", id)
	}
	cp := *m
	return &cp, nil
}

func (s *Store) ListMedia() []*Media {
	out := make([]*Media, 0, len(s.media))
	for _, m := range s.media {
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindMediaByHash returns the existing entry with the given hash, if
// any. Media.Add relies on this for content dedup.
func (s *Store) FindMediaByHash(hash string) (*Media, bool) {
	for _, m := range s.media {
		if m.Hash == hash {
			cp := *m
			return &cp, true
		}
	}
	return nil, false
}

// FindMediaByFilename returns the existing entry with the given
// filename, if any.
func (s *Store) FindMediaByFilename(filename string) (*Media, bool) {
	for _, m := range s.media {
		if m.Filename == filename {
			cp := *m
			return &cp, true
		}
	}
	return nil, false
}

func (s *Store) AddMedia(m Media) (*Media, error) {
	if m.ID == 0 {
		m.ID = s.minter.Next("media")
	} else {
		s.minter.Seed("media", m.ID)
	}
	s.media[m.ID] = &m
	cp := m
	return &cp, nil
}

func (s *Store) DeleteMedia(id int64) error {
	if _, ok := s.media[id]; !ok {
		return collerr.NotFoundf("store.DeleteMedia", "media %d not found", id)
	}
	delete(s.media, id)
	return nil
}

// ---- Revlog & graves ----

// AppendRevlog appends r as given and returns it; the caller supplies
// r.ID, and no id is minted here.
func (s *Store) AppendRevlog(r RevlogEntry) RevlogEntry {
	s.revlog = append(s.revlog, r)
	return r
}

// ListRevlogByCard returns every revlog entry for cardID in append order.
func (s *Store) ListRevlogByCard(cardID int64) []RevlogEntry {
	out := make([]RevlogEntry, 0)
	for _, r := range s.revlog {
		if r.CardID == cardID {
			out = append(out, r)
		}
	}
	return out
}

// ListRevlog returns every revlog entry in append order.
func (s *Store) ListRevlog() []RevlogEntry {
	out := make([]RevlogEntry, len(s.revlog))
	copy(out, s.revlog)
	return out
}

// LastRevlogID returns the highest revlog id recorded for cardID, or 0
// if none exists, used to seed clockid.MillisID on restore.
func (s *Store) LastRevlogID(cardID int64) int64 {
	var max int64
	for _, r := range s.revlog {
		if r.CardID == cardID && r.ID > max {
			max = r.ID
		}
	}
	return max
}

func (s *Store) ListGraves() []Grave {
	out := make([]Grave, len(s.graves))
	copy(out, s.graves)
	return out
}

// ---- Global config ----

// IncrementNextPos returns the current NextPos and post-increments it.
// Each new card takes the returned value as its initial due position.
func (s *Store) IncrementNextPos() int64 {
	v := s.Global.NextPos
	s.Global.NextPos++
	return v
}

// Stats is a whole-collection entity-count summary, used by
// cmd/server's collection endpoint.
type Stats struct {
	Decks       int `json:"decks"`
	DeckConfigs int `json:"deckConfigs"`
	Models      int `json:"models"`
	Notes       int `json:"notes"`
	Cards       int `json:"cards"`
	Media       int `json:"media"`
	Revlog      int `json:"revlog"`
	Graves      int `json:"graves"`
}

func (s *Store) Stats() Stats {
	return Stats{
		Decks:       len(s.decks),
		DeckConfigs: len(s.deckConfigs),
		Models:      len(s.models),
		Notes:       len(s.notes),
		Cards:       len(s.cards),
		Media:       len(s.media),
		Revlog:      len(s.revlog),
		Graves:      len(s.graves),
	}
}

// SeedMinter lets the archive importer and snapshot restorer raise the
// id floor for a sequence after bulk-loading rows with explicit ids.
func (s *Store) SeedMinter(sequence string, max int64) {
	s.minter.Seed(sequence, max)
}

// AdoptNextPos raises Global.NextPos to next if next is larger.
// NextPos is never adjusted downward; an import only ever raises it.
func (s *Store) AdoptNextPos(next int64) {
	if next > s.Global.NextPos {
		s.Global.NextPos = next
	}
}

// ImportGrave records a tombstone carried in by an imported archive
// without deleting a live entity of its own — the archive's "graves"
// table can reference rows this collection never held, so merging
// means appending the record, not replaying a delete.
func (s *Store) ImportGrave(g Grave) {
	s.graves = append(s.graves, g)
}
