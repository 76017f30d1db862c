// Package cards implements note lifecycle and per-model card
// generation: create, update, change-type, delete, plus duplicate
// detection.
package cards

import (
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"runtime"
	"sort"
	"strings"

	"github.com/microdote/collection-core/internal/clockid"
	"github.com/microdote/collection-core/internal/collerr"
	"github.com/microdote/collection-core/internal/media"
	"github.com/microdote/collection-core/internal/store"
	"github.com/microdote/collection-core/internal/template"
)

// Service generates and maintains notes/cards against a Store. Card
// generation is model-type-dependent: one card per template for
// Standard, one per cloze index for Cloze, and one per mask (or a
// single card in hide-all mode) for Image-Occlusion.
type Service struct {
	store *store.Store
	media *media.Manager
	clock clockid.Clock
}

// NewService builds a cards Service over st, using mgr for the
// orphan sweep Delete triggers.
func NewService(st *store.Store, mgr *media.Manager, clock clockid.Clock) *Service {
	return &Service{store: st, media: mgr, clock: clock}
}

// checksum computes a deterministic 32-bit hash of the sort field.
// The archive schema only needs a deterministic integer here; FNV-1a
// matches the csum column's 32-bit width without dragging in a
// cryptographic hash.
func checksum(sortField string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(sortField))
	return h.Sum32()
}

// noteGUID derives a stable globally-unique id from the note's content
// and home deck, so re-creating the same note yields the same guid.
func noteGUID(deckID int64, flds string) string {
	return fmt.Sprintf("%x", sha1.Sum([]byte(fmt.Sprintf("%d%s", deckID, flds))))
}

// encodeTags renders a tag slice into the schema's space-surrounded,
// space-separated form.
func encodeTags(tags []string) string {
	if len(tags) == 0 {
		return " "
	}
	return " " + strings.Join(tags, " ") + " "
}

// DecodeTags splits a note's stored tag string back into a slice.
func DecodeTags(tagString string) []string {
	fields := strings.Fields(tagString)
	return fields
}

// CreateNote validates and inserts a note, then generates its cards
// per the model's type.
func (s *Service) CreateNote(modelID, deckID int64, fields []string, tags []string) (*store.Note, []*store.Card, error) {
	model, err := s.store.GetModel(modelID)
	if err != nil {
		return nil, nil, err
	}
	if _, err := s.store.GetDeck(deckID); err != nil {
		return nil, nil, err
	}
	if len(fields) != len(model.Fields) {
		return nil, nil, collerr.Validationf("cards.CreateNote",
			"field count %d does not match model %q's %d fields", len(fields), model.Name, len(model.Fields))
	}

	flds := strings.Join(fields, "\x1f")
	sortField := ""
	if model.SortField >= 0 && model.SortField < len(fields) {
		sortField = fields[model.SortField]
	}

	note, err := s.store.AddNote(store.Note{
		GUID:      noteGUID(deckID, flds),
		ModelID:   modelID,
		Tags:      encodeTags(tags),
		Flds:      flds,
		SortField: sortField,
		Csum:      checksum(sortField),
	})
	if err != nil {
		return nil, nil, err
	}

	generated, err := s.generateCards(model, note, deckID)
	if err != nil {
		return note, nil, err
	}
	return note, generated, nil
}

// generateCards materializes cards for note under model's per-type
// generation rules.
func (s *Service) generateCards(model *store.Model, note *store.Note, deckID int64) ([]*store.Card, error) {
	var ords []int
	switch model.Type {
	case store.ModelStandard:
		for _, tmpl := range model.Templates {
			ords = append(ords, tmpl.Ord)
		}
	case store.ModelCloze:
		parts := strings.Split(note.Flds, "\x1f")
		text := ""
		if len(parts) > 0 {
			text = parts[0]
		}
		ords = template.ExtractClozeOrdinals(text)
		for i := range ords {
			ords[i]-- // cloze token N maps to card ordinal N-1
		}
	case store.ModelImageOcclusion:
		masks, mode, err := ImageOcclusionMasks(note.Data)
		if err != nil {
			return nil, err
		}
		if mode == "hide-all" {
			ords = []int{0}
		} else {
			for i := range masks {
				ords = append(ords, i)
			}
		}
	default:
		return nil, collerr.Validationf("cards.generateCards", "unknown model type %d", model.Type)
	}

	sort.Ints(ords)
	out := make([]*store.Card, 0, len(ords))
	for _, ord := range ords {
		card, err := s.store.AddCard(store.Card{
			NoteID: note.ID,
			DeckID: deckID,
			Ord:    ord,
			Type:   store.CardNew,
			Queue:  store.QueueNew,
			Due:    s.store.IncrementNextPos(),
			Factor: 2500,
		})
		if err != nil {
			return out, err
		}
		out = append(out, card)
	}
	return out, nil
}

// ImageOcclusionMasks parses the io.masks/io.mode members of an
// Image-Occlusion note's data JSON.
func ImageOcclusionMasks(data string) ([]json.RawMessage, string, error) {
	if strings.TrimSpace(data) == "" {
		return nil, "hide-one", nil
	}
	var doc struct {
		IO struct {
			Mode  string            `json:"mode"`
			Masks []json.RawMessage `json:"masks"`
		} `json:"io"`
	}
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return nil, "", collerr.Wrap(collerr.KindValidation, "cards.ImageOcclusionMasks", "malformed note data", err)
	}
	mode := doc.IO.Mode
	if mode == "" {
		mode = "hide-one"
	}
	return doc.IO.Masks, mode, nil
}

// UpdateNote validates field count when fields are provided, rewrites
// the note, and regenerates cards for Cloze/Image-Occlusion notes
// whose fields changed; Standard notes keep their existing cards.
func (s *Service) UpdateNote(noteID int64, fields []string, tags []string) (*store.Note, error) {
	existing, err := s.store.GetNote(noteID)
	if err != nil {
		return nil, err
	}
	model, err := s.store.GetModel(existing.ModelID)
	if err != nil {
		return nil, err
	}
	if fields != nil && len(fields) != len(model.Fields) {
		return nil, collerr.Validationf("cards.UpdateNote",
			"field count %d does not match model %q's %d fields", len(fields), model.Name, len(model.Fields))
	}

	fieldsChanged := fields != nil && strings.Join(fields, "\x1f") != existing.Flds
	err = s.store.UpdateNote(noteID, func(n *store.Note) {
		if fieldsChanged {
			n.Flds = strings.Join(fields, "\x1f")
			sortField := ""
			if model.SortField >= 0 && model.SortField < len(fields) {
				sortField = fields[model.SortField]
			}
			n.SortField = sortField
			n.Csum = checksum(sortField)
		}
		if tags != nil {
			n.Tags = encodeTags(tags)
		}
	})
	if err != nil {
		return nil, err
	}
	updated, err := s.store.GetNote(noteID)
	if err != nil {
		return nil, err
	}

	needsRegen := model.Type != store.ModelStandard
	if fieldsChanged && needsRegen {
		if err := s.regenerateCards(model, updated); err != nil {
			return updated, err
		}
	}
	return updated, nil
}

// regenerateCards deletes every card the note currently owns and
// recomputes the set from the note's freshly written fields/data, not
// from any caller-held stale copy.
func (s *Service) regenerateCards(model *store.Model, note *store.Note) error {
	existingCards := s.store.ListCardsByNote(note.ID)
	var deckID int64 = store.DefaultDeckID
	if len(existingCards) > 0 {
		deckID = existingCards[0].DeckID
	}
	for _, c := range existingCards {
		if err := s.store.DeleteCard(c.ID); err != nil {
			return err
		}
	}
	_, err := s.generateCards(model, note, deckID)
	return err
}

// ChangeType deletes existing cards, remaps fields via oldToNew (a
// caller-supplied old index to new index table; missing entries
// become empty), rewrites the note under newModelID, and regenerates
// cards under the new model.
func (s *Service) ChangeType(noteID, newModelID int64, oldToNew map[int]int) (*store.Note, []*store.Card, error) {
	existing, err := s.store.GetNote(noteID)
	if err != nil {
		return nil, nil, err
	}
	newModel, err := s.store.GetModel(newModelID)
	if err != nil {
		return nil, nil, err
	}
	oldFields := strings.Split(existing.Flds, "\x1f")
	newFields := make([]string, len(newModel.Fields))
	for oldIdx, newIdx := range oldToNew {
		if newIdx < 0 || newIdx >= len(newFields) || oldIdx < 0 || oldIdx >= len(oldFields) {
			continue
		}
		newFields[newIdx] = oldFields[oldIdx]
	}

	var deckID int64 = store.DefaultDeckID
	existingCards := s.store.ListCardsByNote(noteID)
	if len(existingCards) > 0 {
		deckID = existingCards[0].DeckID
	}
	for _, c := range existingCards {
		if err := s.store.DeleteCard(c.ID); err != nil {
			return nil, nil, err
		}
	}

	flds := strings.Join(newFields, "\x1f")
	sortField := ""
	if newModel.SortField >= 0 && newModel.SortField < len(newFields) {
		sortField = newFields[newModel.SortField]
	}
	if err := s.store.UpdateNote(noteID, func(n *store.Note) {
		n.ModelID = newModelID
		n.Flds = flds
		n.SortField = sortField
		n.Csum = checksum(sortField)
	}); err != nil {
		return nil, nil, err
	}
	updated, err := s.store.GetNote(noteID)
	if err != nil {
		return nil, nil, err
	}
	generated, err := s.generateCards(newModel, updated, deckID)
	return updated, generated, err
}

// DeleteNote deletes every card owned by noteID, deletes the note,
// then runs Media's orphan sweep.
func (s *Service) DeleteNote(noteID int64) error {
	for _, c := range s.store.ListCardsByNote(noteID) {
		if err := s.store.DeleteCard(c.ID); err != nil {
			return err
		}
	}
	if err := s.store.DeleteNote(noteID); err != nil {
		return err
	}
	if s.media != nil {
		if _, err := s.media.GCUnused(); err != nil {
			return err
		}
	}
	return nil
}

// DeckDeletion is a precomputed plan for removing a deck subtree: the
// decks themselves (a deck's children are every deck whose name
// extends it with "::"), every card in those decks, and every note
// left with no cards once those are gone. The plan captures ids only —
// no closures, no live entity references — so planning and execution
// are cleanly separated phases.
type DeckDeletion struct {
	DeckIDs []int64
	CardIDs []int64
	NoteIDs []int64
}

// Total returns the number of entities the plan will remove.
func (p *DeckDeletion) Total() int {
	return len(p.DeckIDs) + len(p.CardIDs) + len(p.NoteIDs)
}

// deletionYield is how many entities ExecuteDeckDeletion processes
// between cooperative yields.
const deletionYield = 500

// PlanDeckDeletion computes the plan for deleting deckID and its
// descendants. The Default deck cannot be deleted.
func (s *Service) PlanDeckDeletion(deckID int64) (*DeckDeletion, error) {
	if deckID == store.DefaultDeckID {
		return nil, collerr.Validationf("cards.PlanDeckDeletion", "the Default deck cannot be deleted")
	}
	deck, err := s.store.GetDeck(deckID)
	if err != nil {
		return nil, err
	}

	plan := &DeckDeletion{}
	doomed := map[int64]bool{}
	prefix := deck.Name + "::"
	for _, d := range s.store.ListDecks() {
		if d.ID == deckID || strings.HasPrefix(d.Name, prefix) {
			doomed[d.ID] = true
			plan.DeckIDs = append(plan.DeckIDs, d.ID)
		}
	}

	doomedCards := map[int64]bool{}
	cardsPerNote := map[int64]int{}
	doomedPerNote := map[int64]int{}
	for _, c := range s.store.ListCards() {
		cardsPerNote[c.NoteID]++
		if doomed[c.DeckID] {
			doomedCards[c.ID] = true
			doomedPerNote[c.NoteID]++
			plan.CardIDs = append(plan.CardIDs, c.ID)
		}
	}
	// A note dies with the deck only when every one of its cards does.
	for nid, count := range doomedPerNote {
		if count == cardsPerNote[nid] {
			plan.NoteIDs = append(plan.NoteIDs, nid)
		}
	}
	return plan, nil
}

// ExecuteDeckDeletion applies a plan, yielding cooperatively every
// deletionYield entities. cancel, if non-nil, is checked at each yield
// boundary; on cancellation already-applied deletions remain and a
// Cancelled error is returned. A media orphan sweep runs after a
// completed execution.
func (s *Service) ExecuteDeckDeletion(plan *DeckDeletion, cancel <-chan struct{}, progress func(done, total int)) error {
	total := plan.Total()
	done := 0
	step := func() error {
		done++
		if done%deletionYield == 0 {
			if progress != nil {
				progress(done, total)
			}
			runtime.Gosched()
			if cancel != nil {
				select {
				case <-cancel:
					return collerr.New(collerr.KindCancelled, "cards.ExecuteDeckDeletion",
						fmt.Sprintf("cancelled after %d of %d deletions", done, total))
				default:
				}
			}
		}
		return nil
	}

	for _, id := range plan.CardIDs {
		if err := s.store.DeleteCard(id); err != nil && !collerr.Is(err, collerr.KindNotFound) {
			return err
		}
		if err := step(); err != nil {
			return err
		}
	}
	for _, id := range plan.NoteIDs {
		if err := s.store.DeleteNote(id); err != nil && !collerr.Is(err, collerr.KindNotFound) {
			return err
		}
		if err := step(); err != nil {
			return err
		}
	}
	for _, id := range plan.DeckIDs {
		if err := s.store.DeleteDeck(id); err != nil && !collerr.Is(err, collerr.KindNotFound) {
			return err
		}
		if err := step(); err != nil {
			return err
		}
	}
	if progress != nil {
		progress(done, total)
	}
	if s.media != nil {
		if _, err := s.media.GCUnused(); err != nil {
			return err
		}
	}
	return nil
}

// Duplicate is one match returned by FindDuplicates.
type Duplicate struct {
	NoteID int64
	Fields []string
}

// FindDuplicates searches every note of modelID whose field at
// fieldIndex normalizes (trimmed, case-folded) to value, optionally
// restricted to notes with a card in deckID (0 means any deck).
func (s *Service) FindDuplicates(modelID int64, fieldIndex int, value string, deckID int64) ([]Duplicate, error) {
	model, err := s.store.GetModel(modelID)
	if err != nil {
		return nil, err
	}
	if fieldIndex < 0 || fieldIndex >= len(model.Fields) {
		return nil, collerr.Validationf("cards.FindDuplicates", "field index %d out of range for model %q", fieldIndex, model.Name)
	}
	normalized := strings.ToLower(strings.TrimSpace(value))

	var out []Duplicate
	for _, n := range s.store.ListNotes() {
		if n.ModelID != modelID {
			continue
		}
		parts := strings.Split(n.Flds, "\x1f")
		if fieldIndex >= len(parts) {
			continue
		}
		if strings.ToLower(strings.TrimSpace(parts[fieldIndex])) != normalized {
			continue
		}
		if deckID != 0 {
			if !s.noteHasCardInDeck(n.ID, deckID) {
				continue
			}
		}
		out = append(out, Duplicate{NoteID: n.ID, Fields: parts})
	}
	return out, nil
}

func (s *Service) noteHasCardInDeck(noteID, deckID int64) bool {
	for _, c := range s.store.ListCardsByNote(noteID) {
		if c.DeckID == deckID {
			return true
		}
	}
	return false
}
