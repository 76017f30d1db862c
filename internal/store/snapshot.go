package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/microdote/collection-core/internal/collerr"
)

const snapshotVersion = 1

// requiredSnapshotKeys are the top-level keys every snapshot document
// must carry; restore fails with CorruptSnapshot if any is missing.
var requiredSnapshotKeys = []string{
	"version", "col", "cards", "notes", "revlog", "graves",
	"decks", "deckConfigs", "models", "media", "colConfig", "usn",
}

// snapshotDoc is the on-disk shape of a collection snapshot.
type snapshotDoc struct {
	Version     int           `json:"version"`
	Col         Collection    `json:"col"`
	Cards       []*Card       `json:"cards"`
	Notes       []*Note       `json:"notes"`
	Revlog      []RevlogEntry `json:"revlog"`
	Graves      []Grave       `json:"graves"`
	Decks       []*Deck       `json:"decks"`
	DeckConfigs []*DeckConfig `json:"deckConfigs"`
	Models      []*Model      `json:"models"`
	Media       []*Media      `json:"media"`
	ColConfig   GlobalConfig  `json:"colConfig"`
	USN         int64         `json:"usn"`
}

// SnapshotToJSON serializes every owned structure plus usn.
func (s *Store) SnapshotToJSON() ([]byte, error) {
	doc := snapshotDoc{
		Version:     snapshotVersion,
		Col:         s.Collection,
		Cards:       s.ListCards(),
		Notes:       s.ListNotes(),
		Revlog:      s.ListRevlog(),
		Graves:      s.ListGraves(),
		Decks:       s.ListDecks(),
		DeckConfigs: s.ListDeckConfigs(),
		Models:      s.ListModels(),
		Media:       s.ListMedia(),
		ColConfig:   s.Global,
		USN:         0,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, collerr.Wrap(collerr.KindIoFailure, "store.SnapshotToJSON", "marshal failed", err)
	}
	return data, nil
}

// RestoreFromJSON replaces the Store's contents with the snapshot
// encoded in data. On any failure the Store is left completely
// unchanged.
func (s *Store) RestoreFromJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return collerr.Wrap(collerr.KindCorruptSnapshot, "store.RestoreFromJSON", "malformed JSON", err)
	}
	for _, key := range requiredSnapshotKeys {
		if _, ok := raw[key]; !ok {
			return collerr.New(collerr.KindCorruptSnapshot, "store.RestoreFromJSON",
				fmt.Sprintf("missing required key %q", key))
		}
	}
	var doc snapshotDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return collerr.Wrap(collerr.KindCorruptSnapshot, "store.RestoreFromJSON", "malformed snapshot shape", err)
	}

	decks := make(map[int64]*Deck, len(doc.Decks))
	for _, d := range doc.Decks {
		decks[d.ID] = d
	}
	deckConfigs := make(map[int64]*DeckConfig, len(doc.DeckConfigs))
	for _, c := range doc.DeckConfigs {
		deckConfigs[c.ID] = c
	}
	models := make(map[int64]*Model, len(doc.Models))
	for _, m := range doc.Models {
		models[m.ID] = m
	}
	notes := make(map[int64]*Note, len(doc.Notes))
	for _, n := range doc.Notes {
		notes[n.ID] = n
	}
	cards := make(map[int64]*Card, len(doc.Cards))
	for _, c := range doc.Cards {
		cards[c.ID] = c
	}
	media := make(map[int64]*Media, len(doc.Media))
	for _, m := range doc.Media {
		media[m.ID] = m
	}

	// All fields constructed successfully; commit atomically.
	s.Collection = doc.Col
	s.Global = doc.ColConfig
	s.decks = decks
	s.deckConfigs = deckConfigs
	s.models = models
	s.notes = notes
	s.cards = cards
	s.media = media
	s.revlog = append([]RevlogEntry(nil), doc.Revlog...)
	s.graves = append([]Grave(nil), doc.Graves...)

	s.reseedMinters()
	return nil
}

// reseedMinters raises every id sequence's floor above the max id
// present in the restored data, so ids minted after a restart never
// collide with restored ones.
func (s *Store) reseedMinters() {
	var maxDeck, maxDeckConfig, maxModel, maxNote, maxCard, maxMedia int64
	for id := range s.decks {
		if id > maxDeck {
			maxDeck = id
		}
	}
	for id := range s.deckConfigs {
		if id > maxDeckConfig {
			maxDeckConfig = id
		}
	}
	for id := range s.models {
		if id > maxModel {
			maxModel = id
		}
	}
	for id := range s.notes {
		if id > maxNote {
			maxNote = id
		}
	}
	for id := range s.cards {
		if id > maxCard {
			maxCard = id
		}
	}
	for id := range s.media {
		if id > maxMedia {
			maxMedia = id
		}
	}
	s.minter.Seed("deck", maxDeck)
	s.minter.Seed("deckConfig", maxDeckConfig)
	s.minter.Seed("model", maxModel)
	s.minter.Seed("note", maxNote)
	s.minter.Seed("card", maxCard)
	s.minter.Seed("media", maxMedia)
}

// SaveToFile writes the snapshot atomically: a temp file in the same
// directory as path, fsynced, then renamed over path.
func (s *Store) SaveToFile(path string) error {
	data, err := s.SnapshotToJSON()
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".snapshot-*.tmp")
	if err != nil {
		return collerr.Wrap(collerr.KindIoFailure, "store.SaveToFile", "create temp file failed", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return collerr.Wrap(collerr.KindIoFailure, "store.SaveToFile", "write temp file failed", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return collerr.Wrap(collerr.KindIoFailure, "store.SaveToFile", "fsync temp file failed", err)
	}
	if err := tmp.Close(); err != nil {
		return collerr.Wrap(collerr.KindIoFailure, "store.SaveToFile", "close temp file failed", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return collerr.Wrap(collerr.KindIoFailure, "store.SaveToFile", "rename over live snapshot failed", err)
	}
	return nil
}

// LoadFromFile loads a snapshot from path into s. A missing file is
// not an error: s is left as its current (typically freshly
// initialized) state.
func (s *Store) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return collerr.Wrap(collerr.KindIoFailure, "store.LoadFromFile", "read snapshot failed", err)
	}
	return s.RestoreFromJSON(data)
}
