package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/microdote/collection-core/internal/clockid"
	"github.com/microdote/collection-core/internal/collerr"
)

func fixedClock() clockid.Clock {
	return clockid.Fixed{At: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func TestNewSeedsDefaultDeck(t *testing.T) {
	s := New(fixedClock(), "col-1")
	d, err := s.GetDeck(DefaultDeckID)
	if err != nil {
		t.Fatalf("GetDeck(Default): %v", err)
	}
	if d.Name != "Default" {
		t.Fatalf("expected Default deck name, got %q", d.Name)
	}
	if _, err := s.GetDeckConfig(DefaultDeckConfigID); err != nil {
		t.Fatalf("GetDeckConfig(Default): %v", err)
	}
}

func TestDefaultDeckNameImmutable(t *testing.T) {
	s := New(fixedClock(), "col-1")
	err := s.UpdateDeck(DefaultDeckID, func(d *Deck) {
		d.Name = "Renamed"
		d.Desc = "new description"
	})
	if err != nil {
		t.Fatalf("UpdateDeck: %v", err)
	}
	d, _ := s.GetDeck(DefaultDeckID)
	if d.Name != "Default" {
		t.Fatalf("expected Default deck name to stay immutable, got %q", d.Name)
	}
	if d.Desc != "new description" {
		t.Fatalf("expected other fields to still be mutable, got %+v", d)
	}
}

func TestDeckCRUD(t *testing.T) {
	s := New(fixedClock(), "col-1")
	added, err := s.AddDeck(Deck{Name: "Spanish"})
	if err != nil {
		t.Fatalf("AddDeck: %v", err)
	}
	if added.ID == 0 {
		t.Fatalf("expected minted id, got 0")
	}
	if added.USN != -1 {
		t.Fatalf("expected usn -1 on local mutation, got %d", added.USN)
	}

	got, err := s.GetDeck(added.ID)
	if err != nil || got.Name != "Spanish" {
		t.Fatalf("GetDeck after add: %+v, err=%v", got, err)
	}

	if err := s.UpdateDeck(added.ID, func(d *Deck) { d.Name = "Spanish (Latin America)" }); err != nil {
		t.Fatalf("UpdateDeck: %v", err)
	}
	got, _ = s.GetDeck(added.ID)
	if got.Name != "Spanish (Latin America)" {
		t.Fatalf("update did not persist, got %q", got.Name)
	}

	if err := s.DeleteDeck(added.ID); err != nil {
		t.Fatalf("DeleteDeck: %v", err)
	}
	if _, err := s.GetDeck(added.ID); !collerr.Is(err, collerr.KindNotFound) {
		t.Fatalf("expected NotFound after delete, got %v", err)
	}
	graves := s.ListGraves()
	if len(graves) != 1 || graves[0].Type != GraveDeck || graves[0].OID != added.ID {
		t.Fatalf("expected one deck grave, got %+v", graves)
	}
}

func TestUpdateMissingFails(t *testing.T) {
	s := New(fixedClock(), "col-1")
	err := s.UpdateCard(999, func(c *Card) {})
	if !collerr.Is(err, collerr.KindNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestIncrementNextPos(t *testing.T) {
	s := New(fixedClock(), "col-1")
	first := s.IncrementNextPos()
	second := s.IncrementNextPos()
	if second != first+1 {
		t.Fatalf("expected sequential positions, got %d then %d", first, second)
	}
}

func TestMediaDedupByHash(t *testing.T) {
	s := New(fixedClock(), "col-1")
	m1, _ := s.AddMedia(Media{Filename: "a.jpg", Hash: "abc"})
	if _, ok := s.FindMediaByHash("abc"); !ok {
		t.Fatalf("expected to find media by hash")
	}
	if m1.ID == 0 {
		t.Fatalf("expected minted media id")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := New(fixedClock(), "col-1")
	deck, _ := s.AddDeck(Deck{Name: "Spanish"})
	model, _ := s.AddModel(Model{
		Name: "Basic",
		Fields: []Field{{Name: "Front"}, {Name: "Back"}},
		Templates: []Template{{Ord: 0, Name: "Card 1", QFmt: "{{Front}}", AFmt: "{{FrontSide}}<hr>{{Back}}"}},
	})
	note, _ := s.AddNote(Note{ModelID: model.ID, Flds: "Hola\x1fHello"})
	card, _ := s.AddCard(Card{NoteID: note.ID, DeckID: deck.ID, Ord: 0, Factor: 2500})
	s.AppendRevlog(RevlogEntry{ID: 1000, CardID: card.ID, Ease: EaseGood})
	s.IncrementNextPos()

	data, err := s.SnapshotToJSON()
	if err != nil {
		t.Fatalf("SnapshotToJSON: %v", err)
	}

	restored := New(fixedClock(), "col-other")
	if err := restored.RestoreFromJSON(data); err != nil {
		t.Fatalf("RestoreFromJSON: %v", err)
	}
	rd, err := restored.GetDeck(deck.ID)
	if err != nil || rd.Name != "Spanish" {
		t.Fatalf("deck did not round-trip: %+v, err=%v", rd, err)
	}
	rn, err := restored.GetNote(note.ID)
	if err != nil || rn.Flds != "Hola\x1fHello" {
		t.Fatalf("note did not round-trip: %+v, err=%v", rn, err)
	}
	rc, err := restored.GetCard(card.ID)
	if err != nil || rc.Factor != 2500 {
		t.Fatalf("card did not round-trip: %+v, err=%v", rc, err)
	}
	if restored.Global.NextPos != s.Global.NextPos {
		t.Fatalf("global config did not round-trip: got %d want %d", restored.Global.NextPos, s.Global.NextPos)
	}

	next, err := restored.AddDeck(Deck{Name: "French"})
	if err != nil {
		t.Fatalf("AddDeck after restore: %v", err)
	}
	if next.ID <= deck.ID {
		t.Fatalf("expected minter seeded above restored ids, got %d after %d", next.ID, deck.ID)
	}
}

func TestRestoreFromJSONRejectsMissingKey(t *testing.T) {
	s := New(fixedClock(), "col-1")
	before, _ := s.SnapshotToJSON()

	err := s.RestoreFromJSON([]byte(`{"version":1}`))
	if !collerr.Is(err, collerr.KindCorruptSnapshot) {
		t.Fatalf("expected CorruptSnapshot, got %v", err)
	}
	after, _ := s.SnapshotToJSON()
	if string(before) != string(after) {
		t.Fatalf("store mutated on failed restore")
	}
}

func TestRestoreFromJSONRejectsMalformed(t *testing.T) {
	s := New(fixedClock(), "col-1")
	err := s.RestoreFromJSON([]byte(`not json`))
	if !collerr.Is(err, collerr.KindCorruptSnapshot) {
		t.Fatalf("expected CorruptSnapshot, got %v", err)
	}
}

func TestSaveAndLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "collection.json")

	s := New(fixedClock(), "col-1")
	s.AddDeck(Deck{Name: "Spanish"})
	if err := s.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile: %v", err)
	}

	loaded := New(fixedClock(), "col-other")
	if err := loaded.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	found := false
	for _, d := range loaded.ListDecks() {
		if d.Name == "Spanish" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected loaded store to contain Spanish deck")
	}

	if entries, err := os.ReadDir(dir); err != nil || len(entries) != 1 {
		t.Fatalf("expected exactly the final snapshot file, no leftover temp files: %v (err=%v)", entries, err)
	}
}

func TestEnsureDeckHierarchyCreatesAncestors(t *testing.T) {
	s := New(fixedClock(), "col-1")
	leaf, err := s.EnsureDeckHierarchy("Language::Spanish::Verbs")
	if err != nil {
		t.Fatalf("EnsureDeckHierarchy: %v", err)
	}
	if leaf.Name != "Language::Spanish::Verbs" {
		t.Fatalf("expected leaf deck Language::Spanish::Verbs, got %q", leaf.Name)
	}
	names := map[string]bool{}
	for _, d := range s.ListDecks() {
		names[d.Name] = true
	}
	for _, want := range []string{"Language", "Language::Spanish", "Language::Spanish::Verbs"} {
		if !names[want] {
			t.Fatalf("expected deck %q to exist, got %v", want, names)
		}
	}
}

func TestEnsureDeckHierarchyReusesExistingAncestors(t *testing.T) {
	s := New(fixedClock(), "col-1")
	if _, err := s.EnsureDeckHierarchy("Language::Spanish"); err != nil {
		t.Fatalf("EnsureDeckHierarchy: %v", err)
	}
	before := len(s.ListDecks())
	if _, err := s.EnsureDeckHierarchy("Language::Spanish::Verbs"); err != nil {
		t.Fatalf("EnsureDeckHierarchy: %v", err)
	}
	after := len(s.ListDecks())
	if after != before+1 {
		t.Fatalf("expected exactly one new deck, went from %d to %d decks", before, after)
	}
}

func TestLoadFromFileMissingIsNotError(t *testing.T) {
	s := New(fixedClock(), "col-1")
	err := s.LoadFromFile(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("expected no error loading a missing snapshot, got %v", err)
	}
	if _, err := s.GetDeck(DefaultDeckID); err != nil {
		t.Fatalf("expected store to remain freshly initialized, got %v", err)
	}
}
