// Package archive imports Anki-compatible `.apkg` packages into a
// Store. An `.apkg` is a ZIP containing a SQLite
// database (`collection.anki2` or the newer `.anki21`), a `media`
// manifest mapping numeric blob ids to original filenames, and the
// blobs themselves, numbered.
package archive

import (
	"archive/zip"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	_ "modernc.org/sqlite"

	"github.com/microdote/collection-core/internal/collerr"
	"github.com/microdote/collection-core/internal/media"
	"github.com/microdote/collection-core/internal/store"
)

// zipEntryYield is the suspension-point granularity while streaming
// rows and ZIP entries during import.
const zipEntryYield = 1

// Report summarizes one completed (or cancelled) import.
type Report struct {
	NotesImported  int
	CardsImported  int
	RevlogImported int
	GravesImported int
	MediaImported  int
	Cancelled      bool
}

// ProgressFunc is called periodically during import with a
// human-readable stage and a done/total pair; total is 0 when the
// count isn't known up front (e.g. while streaming SQL rows).
type ProgressFunc func(stage string, done, total int)

// Import opens the `.apkg` at path, merges its contents into st, and
// extracts its media blobs into mediaMgr's directory. cancel, if
// non-nil, is checked at every suspension point; progress, if
// non-nil, is called at each one. Returns collerr.KindBadArchive for
// a file that isn't a ZIP, has no recognizable collection database,
// or whose embedded JSON configs don't parse.
func Import(path string, st *store.Store, mediaMgr *media.Manager, cancel <-chan struct{}, progress ProgressFunc) (*Report, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, collerr.Wrap(collerr.KindBadArchive, "archive.Import", "not a valid zip archive", err)
	}
	defer zr.Close()

	dbFile, mediaFile, err := locateEntries(&zr.Reader)
	if err != nil {
		return nil, err
	}
	if dbFile == nil {
		return nil, collerr.New(collerr.KindBadArchive, "archive.Import", "no collection.anki2/.anki21 entry found")
	}

	tmpDir, err := os.MkdirTemp("", "collection-core-import-*")
	if err != nil {
		return nil, collerr.Wrap(collerr.KindIoFailure, "archive.Import", "create temp dir failed", err)
	}
	defer os.RemoveAll(tmpDir)

	dbPath := filepath.Join(tmpDir, "collection.anki2")
	if err := extractTo(dbFile, dbPath); err != nil {
		return nil, collerr.Wrap(collerr.KindBadArchive, "archive.Import", "extract database failed", err)
	}

	var manifest map[string]string
	if mediaFile != nil {
		manifest, err = readMediaManifest(mediaFile)
		if err != nil {
			return nil, collerr.Wrap(collerr.KindBadArchive, "archive.Import", "parse media manifest failed", err)
		}
	}

	report := &Report{}
	if cancelled(cancel) {
		report.Cancelled = true
		return report, nil
	}

	db, err := sql.Open("sqlite", "file:"+dbPath+"?mode=ro")
	if err != nil {
		return nil, collerr.Wrap(collerr.KindBadArchive, "archive.Import", "open extracted database failed", err)
	}
	defer db.Close()

	if err := importCol(db, st); err != nil {
		return nil, err
	}
	if err := importNotes(db, st, report, cancel, progress); err != nil {
		return report, err
	}
	if err := importCards(db, st, report, cancel, progress); err != nil {
		return report, err
	}
	if err := importRevlog(db, st, report, cancel, progress); err != nil {
		return report, err
	}
	if err := importGraves(db, st, report, cancel, progress); err != nil {
		return report, err
	}

	if cancelled(cancel) {
		report.Cancelled = true
		return report, nil
	}

	if len(manifest) > 0 {
		if err := importMedia(zr.File, manifest, tmpDir, mediaMgr, report, progress); err != nil {
			return report, err
		}
	}

	return report, nil
}

func cancelled(cancel <-chan struct{}) bool {
	if cancel == nil {
		return false
	}
	select {
	case <-cancel:
		return true
	default:
		return false
	}
}

// locateEntries finds the collection database (preferring the newer
// `.anki21` schema over `.anki2` when both are present) and the media
// manifest among the ZIP's entries.
func locateEntries(zr *zip.Reader) (db, mediaEntry *zip.File, err error) {
	for _, f := range zr.File {
		switch f.Name {
		case "collection.anki21":
			db = f
		case "collection.anki2":
			if db == nil {
				db = f
			}
		case "media":
			mediaEntry = f
		}
	}
	return db, mediaEntry, nil
}

func extractTo(f *zip.File, destPath string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	out, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, rc); err != nil {
		return err
	}
	return out.Sync()
}

func readMediaManifest(f *zip.File) (map[string]string, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	var manifest map[string]string
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, err
	}
	return manifest, nil
}

// ---- col row: conf/models/decks/dconf ----

// ankiNewConfig mirrors the `new` sub-object of an Anki dconf entry.
// `ints` is `[graduatingDays, easyDays, ...]`; our DeckConfig splits
// those into two named fields.
type ankiNewConfig struct {
	Delays        []int `json:"delays"`
	Ints          []int `json:"ints"`
	InitialFactor int   `json:"initialFactor"`
	PerDay        int   `json:"perDay"`
	Order         int   `json:"order"`
}

type ankiRevConfig struct {
	PerDay float64 `json:"perDay"`
	Ease4  float64 `json:"ease4"`
	IvlFct float64 `json:"ivlFct"`
	MaxIvl int     `json:"maxIvl"`
	Fuzz   float64 `json:"fuzz"`
}

type ankiLapseConfig struct {
	Delays      []int   `json:"delays"`
	Mult        float64 `json:"mult"`
	MinInt      int     `json:"minInt"`
	LeechFails  int     `json:"leechFails"`
	LeechAction int     `json:"leechAction"`
}

type ankiDeckConfig struct {
	ID    int64           `json:"id"`
	Name  string          `json:"name"`
	New   ankiNewConfig   `json:"new"`
	Rev   ankiRevConfig   `json:"rev"`
	Lapse ankiLapseConfig `json:"lapse"`
}

type ankiDeck struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Desc      string `json:"desc"`
	Conf      int64  `json:"conf"`
	Collapsed bool   `json:"collapsed"`
	Mod       int64  `json:"mod"`
}

type ankiField struct {
	Name string `json:"name"`
	Font string `json:"font"`
	Size int    `json:"size"`
}

type ankiTemplate struct {
	Ord  int    `json:"ord"`
	Name string `json:"name"`
	QFmt string `json:"qfmt"`
	AFmt string `json:"afmt"`
}

type ankiModel struct {
	ID    int64          `json:"id"`
	Name  string         `json:"name"`
	Type  int            `json:"type"`
	Sortf int            `json:"sortf"`
	CSS   string         `json:"css"`
	Flds  []ankiField    `json:"flds"`
	Tmpls []ankiTemplate `json:"tmpls"`
}

type ankiConf struct {
	NextPos       int64  `json:"nextPos"`
	ActiveDecks   []int64 `json:"activeDecks"`
	SortType      string `json:"sortType"`
	SortBackwards bool   `json:"sortBackwards"`
	SchedVer      int    `json:"schedVer"`
}

// maxSchemaVersion is the newest col.ver this importer understands
// (11 is the long-stable schema both .anki2 and .anki21 carry).
const maxSchemaVersion = 11

// importCol reads the single col row and merges its four embedded
// JSON documents into st.
func importCol(db *sql.DB, st *store.Store) error {
	var ver int
	var confRaw, modelsRaw, decksRaw, dconfRaw string
	row := db.QueryRow(`SELECT ver, conf, models, decks, dconf FROM col LIMIT 1`)
	if err := row.Scan(&ver, &confRaw, &modelsRaw, &decksRaw, &dconfRaw); err != nil {
		return collerr.Wrap(collerr.KindBadArchive, "archive.importCol", "read col row failed", err)
	}
	if ver > maxSchemaVersion {
		return collerr.New(collerr.KindBadArchive, "archive.importCol",
			fmt.Sprintf("unsupported schema version %d (newest supported is %d)", ver, maxSchemaVersion))
	}

	var conf ankiConf
	if err := json.Unmarshal([]byte(confRaw), &conf); err != nil {
		return collerr.Wrap(collerr.KindBadArchive, "archive.importCol", "parse conf json failed", err)
	}

	var dconfs map[string]ankiDeckConfig
	if err := json.Unmarshal([]byte(dconfRaw), &dconfs); err != nil {
		return collerr.Wrap(collerr.KindBadArchive, "archive.importCol", "parse dconf json failed", err)
	}
	for _, c := range dconfs {
		cfg := store.DeckConfig{
			ID:   c.ID,
			Name: c.Name,
			New: store.NewCardConfig{
				Delays:        c.New.Delays,
				InitialFactor: c.New.InitialFactor,
				PerDay:        c.New.PerDay,
				Order:         c.New.Order,
			},
			Rev: store.ReviewConfig{
				PerDay: int(c.Rev.PerDay),
				// apkg stores ease4 as a multiplier (e.g. 1.3); this
				// store's Ease4 is the additive per-mille bonus applied
				// directly to Factor, so convert (multiplier-1)*1000.
				Ease4:  int((c.Rev.Ease4 - 1.0) * 1000),
				IvlFct: c.Rev.IvlFct,
				MaxIvl: c.Rev.MaxIvl,
				Fuzz:   c.Rev.Fuzz,
			},
			Lapse: store.LapseConfig{
				Delays:      c.Lapse.Delays,
				Mult:        c.Lapse.Mult,
				MinInt:      c.Lapse.MinInt,
				LeechFails:  c.Lapse.LeechFails,
				LeechAction: store.LeechAction(c.Lapse.LeechAction),
			},
		}
		if len(c.New.Ints) > 0 {
			cfg.New.GraduatingDays = c.New.Ints[0]
		}
		if len(c.New.Ints) > 1 {
			cfg.New.EasyDays = c.New.Ints[1]
		}
		if _, err := st.AddDeckConfig(cfg); err != nil {
			return err
		}
	}

	var decks map[string]ankiDeck
	if err := json.Unmarshal([]byte(decksRaw), &decks); err != nil {
		return collerr.Wrap(collerr.KindBadArchive, "archive.importCol", "parse decks json failed", err)
	}
	for _, d := range decks {
		deck := store.Deck{
			ID:        d.ID,
			Name:      d.Name,
			Desc:      d.Desc,
			ConfigID:  d.Conf,
			Collapsed: d.Collapsed,
		}
		if _, err := st.AddDeck(deck); err != nil {
			return err
		}
	}

	var models map[string]ankiModel
	if err := json.Unmarshal([]byte(modelsRaw), &models); err != nil {
		return collerr.Wrap(collerr.KindBadArchive, "archive.importCol", "parse models json failed", err)
	}
	for _, m := range models {
		model := store.Model{
			ID:        m.ID,
			Name:      m.Name,
			Type:      store.ModelType(m.Type),
			CSS:       m.CSS,
			SortField: m.Sortf,
		}
		for _, f := range m.Flds {
			model.Fields = append(model.Fields, store.Field{Name: f.Name, Font: f.Font, Size: f.Size})
		}
		for _, t := range m.Tmpls {
			model.Templates = append(model.Templates, store.Template{Ord: t.Ord, Name: t.Name, QFmt: t.QFmt, AFmt: t.AFmt})
		}
		if _, err := st.AddModel(model); err != nil {
			return err
		}
	}

	if conf.NextPos > 0 {
		st.AdoptNextPos(conf.NextPos)
	}
	if len(conf.ActiveDecks) > 0 {
		st.Global.ActiveDeckIDs = conf.ActiveDecks
	}
	if conf.SortType != "" {
		st.Global.SortType = conf.SortType
	}
	st.Global.SortBackwards = conf.SortBackwards
	if conf.SchedVer != 0 {
		st.Global.SchedulerVersion = conf.SchedVer
	}
	return nil
}

// ---- row streaming: notes/cards/revlog/graves ----

func importNotes(db *sql.DB, st *store.Store, report *Report, cancel <-chan struct{}, progress ProgressFunc) error {
	rows, err := db.Query(`SELECT id, guid, mid, mod, usn, tags, flds, sfld, csum, data FROM notes`)
	if err != nil {
		return collerr.Wrap(collerr.KindBadArchive, "archive.importNotes", "query notes failed", err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var note store.Note
		var csum int64
		if err := rows.Scan(&note.ID, &note.GUID, &note.ModelID, &note.Mod, &note.USN,
			&note.Tags, &note.Flds, &note.SortField, &csum, &note.Data); err != nil {
			return collerr.Wrap(collerr.KindBadArchive, "archive.importNotes", "scan note row failed", err)
		}
		note.Csum = uint32(csum)
		if _, err := st.AddNote(note); err != nil {
			return err
		}
		report.NotesImported++
		n++
		if n%zipEntryYield == 0 {
			if progress != nil {
				progress("notes", n, 0)
			}
			runtime.Gosched()
			if cancelled(cancel) {
				report.Cancelled = true
				return nil
			}
		}
	}
	return rows.Err()
}

func importCards(db *sql.DB, st *store.Store, report *Report, cancel <-chan struct{}, progress ProgressFunc) error {
	rows, err := db.Query(`SELECT id, nid, did, ord, mod, usn, type, queue, due, ivl, factor, reps, lapses, left, odue, odid, flags, data FROM cards`)
	if err != nil {
		return collerr.Wrap(collerr.KindBadArchive, "archive.importCards", "query cards failed", err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var c store.Card
		var typ, queue int
		if err := rows.Scan(&c.ID, &c.NoteID, &c.DeckID, &c.Ord, &c.Mod, &c.USN,
			&typ, &queue, &c.Due, &c.Ivl, &c.Factor, &c.Reps, &c.Lapses, &c.Left,
			&c.ODue, &c.ODeck, &c.Flags, &c.Data); err != nil {
			return collerr.Wrap(collerr.KindBadArchive, "archive.importCards", "scan card row failed", err)
		}
		c.Type = store.CardType(typ)
		c.Queue = store.Queue(queue)
		if _, err := st.AddCard(c); err != nil {
			return err
		}
		report.CardsImported++
		n++
		if n%zipEntryYield == 0 {
			if progress != nil {
				progress("cards", n, 0)
			}
			runtime.Gosched()
			if cancelled(cancel) {
				report.Cancelled = true
				return nil
			}
		}
	}
	return rows.Err()
}

func importRevlog(db *sql.DB, st *store.Store, report *Report, cancel <-chan struct{}, progress ProgressFunc) error {
	rows, err := db.Query(`SELECT id, cid, usn, ease, ivl, lastIvl, factor, time, type FROM revlog`)
	if err != nil {
		return collerr.Wrap(collerr.KindBadArchive, "archive.importRevlog", "query revlog failed", err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var r store.RevlogEntry
		var ease, typ int
		if err := rows.Scan(&r.ID, &r.CardID, &r.USN, &ease, &r.Ivl, &r.LastIvl, &r.Factor, &r.Time, &typ); err != nil {
			return collerr.Wrap(collerr.KindBadArchive, "archive.importRevlog", "scan revlog row failed", err)
		}
		r.Ease = store.Ease(ease)
		r.Type = store.RevlogType(typ)
		st.AppendRevlog(r)
		report.RevlogImported++
		n++
		if n%zipEntryYield == 0 {
			if progress != nil {
				progress("revlog", n, 0)
			}
			runtime.Gosched()
			if cancelled(cancel) {
				report.Cancelled = true
				return nil
			}
		}
	}
	return rows.Err()
}

func importGraves(db *sql.DB, st *store.Store, report *Report, cancel <-chan struct{}, progress ProgressFunc) error {
	rows, err := db.Query(`SELECT usn, oid, type FROM graves`)
	if err != nil {
		return collerr.Wrap(collerr.KindBadArchive, "archive.importGraves", "query graves failed", err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var g store.Grave
		var typ int
		if err := rows.Scan(&g.USN, &g.OID, &typ); err != nil {
			return collerr.Wrap(collerr.KindBadArchive, "archive.importGraves", "scan grave row failed", err)
		}
		g.Type = store.GraveType(typ)
		st.ImportGrave(g)
		report.GravesImported++
		n++
		if n%zipEntryYield == 0 {
			if progress != nil {
				progress("graves", n, 0)
			}
			runtime.Gosched()
			if cancelled(cancel) {
				report.Cancelled = true
				return nil
			}
		}
	}
	return rows.Err()
}

// ---- media manifest extraction ----

// importMedia extracts every blob named in manifest (keyed by the
// numeric filename it has inside the ZIP) to mediaMgr's directory,
// sanitizing the original filename through the exact routine
// media.Add uses, then registers the batch.
func importMedia(zipFiles []*zip.File, manifest map[string]string, tmpDir string, mediaMgr *media.Manager, report *Report, progress ProgressFunc) error {
	byName := make(map[string]*zip.File, len(zipFiles))
	for _, f := range zipFiles {
		byName[f.Name] = f
	}

	ids := make([]string, 0, len(manifest))
	for id := range manifest {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	filenames := make([]string, 0, len(ids))
	for _, id := range ids {
		original := manifest[id]
		blob, ok := byName[id]
		if !ok {
			continue
		}
		safe := media.SanitizeFilename(original, id)
		destPath := filepath.Join(mediaMgr.Dir(), safe)
		if err := extractTo(blob, destPath); err != nil {
			return collerr.Wrap(collerr.KindIoFailure, "archive.importMedia", "extract media blob failed", err)
		}
		filenames = append(filenames, safe)
	}

	registered, err := mediaMgr.BatchRegisterExisting(filenames, func(done, total int) {
		if progress != nil {
			progress("media", done, total)
		}
	})
	if err != nil {
		return err
	}
	report.MediaImported = len(registered)
	return nil
}
