package archive_test

import (
	"archive/zip"
	"database/sql"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/microdote/collection-core/internal/archive"
	"github.com/microdote/collection-core/internal/clockid"
	"github.com/microdote/collection-core/internal/media"
	"github.com/microdote/collection-core/internal/store"
)

// buildFixtureApkg writes a minimal but schema-faithful .apkg to dir
// and returns its path: two decks (Default and Imported), one deck
// config, one Basic model, one note with one card, one revlog entry,
// one grave, and one media blob referenced from the note's fields.
func buildFixtureApkg(t *testing.T, dir string) string {
	t.Helper()
	return buildFixtureApkgVer(t, dir, 11)
}

func buildFixtureApkgVer(t *testing.T, dir string, schemaVer int) string {
	t.Helper()

	dbPath := filepath.Join(dir, "collection.anki21")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open scratch db: %v", err)
	}
	defer db.Close()

	schema := []string{
		`CREATE TABLE col (
			id integer PRIMARY KEY, crt integer NOT NULL, mod integer NOT NULL,
			scm integer NOT NULL, ver integer NOT NULL, dty integer NOT NULL,
			usn integer NOT NULL, ls integer NOT NULL, conf text NOT NULL,
			models text NOT NULL, decks text NOT NULL, dconf text NOT NULL, tags text NOT NULL
		)`,
		`CREATE TABLE notes (
			id integer PRIMARY KEY, guid text NOT NULL, mid integer NOT NULL,
			mod integer NOT NULL, usn integer NOT NULL, tags text NOT NULL,
			flds text NOT NULL, sfld text NOT NULL, csum integer NOT NULL, data text NOT NULL
		)`,
		`CREATE TABLE cards (
			id integer PRIMARY KEY, nid integer NOT NULL, did integer NOT NULL,
			ord integer NOT NULL, mod integer NOT NULL, usn integer NOT NULL,
			type integer NOT NULL, queue integer NOT NULL, due integer NOT NULL,
			ivl integer NOT NULL, factor integer NOT NULL, reps integer NOT NULL,
			lapses integer NOT NULL, left integer NOT NULL, odue integer NOT NULL,
			odid integer NOT NULL, flags integer NOT NULL, data text NOT NULL
		)`,
		`CREATE TABLE revlog (
			id integer PRIMARY KEY, cid integer NOT NULL, usn integer NOT NULL,
			ease integer NOT NULL, ivl integer NOT NULL, lastIvl integer NOT NULL,
			factor integer NOT NULL, time integer NOT NULL, type integer NOT NULL
		)`,
		`CREATE TABLE graves (usn integer NOT NULL, oid integer NOT NULL, type integer NOT NULL)`,
	}
	for _, q := range schema {
		if _, err := db.Exec(q); err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}

	decks := map[string]any{
		"1": map[string]any{"id": 1, "name": "Default", "desc": "", "conf": 1, "collapsed": false, "mod": 1000},
		"2": map[string]any{"id": 2, "name": "Imported", "desc": "from fixture", "conf": 1, "collapsed": false, "mod": 1000},
	}
	decksJSON, _ := json.Marshal(decks)

	models := map[string]any{
		"10": map[string]any{
			"id": 10, "name": "Basic", "type": 0, "sortf": 0, "css": ".card{}",
			"flds": []map[string]any{
				{"name": "Front", "font": "Arial", "size": 20},
				{"name": "Back", "font": "Arial", "size": 20},
			},
			"tmpls": []map[string]any{
				{"ord": 0, "name": "Card 1", "qfmt": "{{Front}}", "afmt": "{{FrontSide}}<hr>{{Back}}"},
			},
		},
	}
	modelsJSON, _ := json.Marshal(models)

	conf := map[string]any{
		"nextPos": 42, "activeDecks": []int64{1, 2}, "sortType": "noteFld",
		"sortBackwards": false, "schedVer": 2,
	}
	confJSON, _ := json.Marshal(conf)

	dconf := map[string]any{
		"1": map[string]any{
			"id": 1, "name": "Default",
			"new":   map[string]any{"delays": []int{1, 10}, "ints": []int{1, 4}, "initialFactor": 2500, "perDay": 20, "order": 1},
			"rev":   map[string]any{"perDay": 200, "ease4": 1.3, "ivlFct": 1.0, "maxIvl": 36500, "fuzz": 0.05},
			"lapse": map[string]any{"delays": []int{10}, "mult": 0.5, "minInt": 1, "leechFails": 8, "leechAction": 0},
		},
	}
	dconfJSON, _ := json.Marshal(dconf)

	_, err = db.Exec(`INSERT INTO col VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		1, 1_700_000_000, 1_700_000_000_000, 1_700_000_000_000, schemaVer, 0, 0, 0,
		string(confJSON), string(modelsJSON), string(decksJSON), string(dconfJSON), "{}")
	if err != nil {
		t.Fatalf("insert col: %v", err)
	}

	fields := "Capital of France" + "\x1f" + `Paris <img src="flag.svg">`
	_, err = db.Exec(`INSERT INTO notes VALUES (?,?,?,?,?,?,?,?,?,?)`,
		500, "fixture-guid-1", 10, 1_700_000_000, -1, "", fields, "Capital of France", 12345, "")
	if err != nil {
		t.Fatalf("insert note: %v", err)
	}

	_, err = db.Exec(`INSERT INTO cards VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		501, 500, 2, 0, 1_700_000_000, -1, 0, 0, 1, 0, 2500, 0, 0, 0, 0, 0, 0, "")
	if err != nil {
		t.Fatalf("insert card: %v", err)
	}

	_, err = db.Exec(`INSERT INTO revlog VALUES (?,?,?,?,?,?,?,?,?)`,
		1_700_000_001_000, 501, -1, 3, 4, -600, 2650, 3000, 0)
	if err != nil {
		t.Fatalf("insert revlog: %v", err)
	}

	_, err = db.Exec(`INSERT INTO graves VALUES (?,?,?)`, -1, 999, 1)
	if err != nil {
		t.Fatalf("insert grave: %v", err)
	}
	db.Close()

	manifest := map[string]string{"0": "flag.svg"}
	manifestJSON, _ := json.Marshal(manifest)

	apkgPath := filepath.Join(dir, "fixture.apkg")
	out, err := os.Create(apkgPath)
	if err != nil {
		t.Fatalf("create apkg: %v", err)
	}
	defer out.Close()
	zw := zip.NewWriter(out)

	addEntry := func(name string, content []byte) {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create %s: %v", name, err)
		}
		if _, err := w.Write(content); err != nil {
			t.Fatalf("zip write %s: %v", name, err)
		}
	}

	dbBytes, err := os.ReadFile(dbPath)
	if err != nil {
		t.Fatalf("read scratch db: %v", err)
	}
	addEntry("collection.anki21", dbBytes)
	addEntry("media", manifestJSON)
	addEntry("0", []byte("<svg></svg>"))

	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return apkgPath
}

func newTargets(t *testing.T) (*store.Store, *media.Manager) {
	t.Helper()
	clock := clockid.Fixed{At: time.Unix(1_700_000_000, 0).UTC()}
	st := store.New(clock, "import-target")
	mgr, err := media.NewManager(st, t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return st, mgr
}

func TestImportMergesEntities(t *testing.T) {
	dir := t.TempDir()
	apkgPath := buildFixtureApkg(t, dir)
	st, mgr := newTargets(t)

	report, err := archive.Import(apkgPath, st, mgr, nil, nil)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if report.Cancelled {
		t.Fatalf("expected import to complete, got cancelled")
	}
	if report.NotesImported != 1 || report.CardsImported != 1 || report.RevlogImported != 1 || report.GravesImported != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}

	note, err := st.GetNote(500)
	if err != nil {
		t.Fatalf("GetNote: %v", err)
	}
	if note.SortField != "Capital of France" {
		t.Fatalf("unexpected sort field: %q", note.SortField)
	}

	card, err := st.GetCard(501)
	if err != nil {
		t.Fatalf("GetCard: %v", err)
	}
	if card.DeckID != 2 || card.Factor != 2500 {
		t.Fatalf("unexpected imported card: %+v", card)
	}

	deck, err := st.GetDeck(2)
	if err != nil {
		t.Fatalf("GetDeck: %v", err)
	}
	if deck.Name != "Imported" {
		t.Fatalf("unexpected deck name: %q", deck.Name)
	}

	model, err := st.GetModel(10)
	if err != nil {
		t.Fatalf("GetModel: %v", err)
	}
	if len(model.Fields) != 2 || model.Fields[0].Name != "Front" {
		t.Fatalf("unexpected imported model: %+v", model)
	}

	revlog := st.ListRevlogByCard(501)
	if len(revlog) != 1 || revlog[0].Ease != store.EaseGood {
		t.Fatalf("unexpected revlog: %+v", revlog)
	}

	graves := st.ListGraves()
	found := false
	for _, g := range graves {
		if g.OID == 999 && g.Type == store.GraveNote {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected imported grave to be present, got %+v", graves)
	}

	if report.MediaImported != 1 {
		t.Fatalf("expected one media blob registered, got %d", report.MediaImported)
	}
	if entry, ok := st.FindMediaByFilename("flag.svg"); !ok || entry.Size == 0 {
		t.Fatalf("expected flag.svg registered with nonzero size, got %+v (ok=%v)", entry, ok)
	}
}

func TestImportAdoptsNextPosUpward(t *testing.T) {
	dir := t.TempDir()
	apkgPath := buildFixtureApkg(t, dir)
	st, mgr := newTargets(t)
	st.Global.NextPos = 5

	if _, err := archive.Import(apkgPath, st, mgr, nil, nil); err != nil {
		t.Fatalf("Import: %v", err)
	}
	if st.Global.NextPos != 42 {
		t.Fatalf("expected NextPos adopted from archive (42), got %d", st.Global.NextPos)
	}
}

func TestImportNeverLowersNextPos(t *testing.T) {
	dir := t.TempDir()
	apkgPath := buildFixtureApkg(t, dir)
	st, mgr := newTargets(t)
	st.Global.NextPos = 1000

	if _, err := archive.Import(apkgPath, st, mgr, nil, nil); err != nil {
		t.Fatalf("Import: %v", err)
	}
	if st.Global.NextPos != 1000 {
		t.Fatalf("expected NextPos to stay at 1000, got %d", st.Global.NextPos)
	}
}

func TestImportRejectsNewerSchemaVersion(t *testing.T) {
	dir := t.TempDir()
	apkgPath := buildFixtureApkgVer(t, dir, 99)
	st, mgr := newTargets(t)

	_, err := archive.Import(apkgPath, st, mgr, nil, nil)
	if err == nil {
		t.Fatalf("expected an error for a schema version newer than supported")
	}
}

func TestImportRejectsNonZipFile(t *testing.T) {
	dir := t.TempDir()
	badPath := filepath.Join(dir, "not-an-apkg.apkg")
	if err := os.WriteFile(badPath, []byte("not a zip"), 0o644); err != nil {
		t.Fatalf("write bad file: %v", err)
	}
	st, mgr := newTargets(t)

	_, err := archive.Import(badPath, st, mgr, nil, nil)
	if err == nil {
		t.Fatalf("expected an error importing a non-zip file")
	}
}

func TestImportRejectsArchiveWithoutDatabase(t *testing.T) {
	dir := t.TempDir()
	apkgPath := filepath.Join(dir, "empty.apkg")
	out, err := os.Create(apkgPath)
	if err != nil {
		t.Fatalf("create apkg: %v", err)
	}
	zw := zip.NewWriter(out)
	w, _ := zw.Create("media")
	io.WriteString(w, "{}")
	zw.Close()
	out.Close()

	st, mgr := newTargets(t)
	_, err = archive.Import(apkgPath, st, mgr, nil, nil)
	if err == nil {
		t.Fatalf("expected an error when no collection database entry is present")
	}
}

func TestImportCancelledBeforeStart(t *testing.T) {
	dir := t.TempDir()
	apkgPath := buildFixtureApkg(t, dir)
	st, mgr := newTargets(t)

	cancel := make(chan struct{})
	close(cancel)

	report, err := archive.Import(apkgPath, st, mgr, cancel, nil)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if !report.Cancelled {
		t.Fatalf("expected report.Cancelled=true")
	}
	if len(st.ListNotes()) != 0 {
		t.Fatalf("expected no notes imported when cancelled up front, got %d", len(st.ListNotes()))
	}
}
