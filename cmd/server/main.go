// Command server exposes a collection over HTTP: decks, notes, cards,
// study/answer, archive import, and statistics. It is a thin façade —
// every operation delegates to the core packages and persists via the
// JSON snapshot.
package main

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/microdote/collection-core/internal/archive"
	"github.com/microdote/collection-core/internal/cards"
	"github.com/microdote/collection-core/internal/clockid"
	"github.com/microdote/collection-core/internal/collerr"
	"github.com/microdote/collection-core/internal/media"
	"github.com/microdote/collection-core/internal/scheduler"
	"github.com/microdote/collection-core/internal/stats"
	"github.com/microdote/collection-core/internal/store"
	"github.com/microdote/collection-core/internal/template"
)

// APIHandler wraps every subsystem a request might touch.
type APIHandler struct {
	store        *store.Store
	media        *media.Manager
	cards        *cards.Service
	scheduler    *scheduler.Scheduler
	templates    *template.Registry
	snapshotPath string
	logger       *log.Logger
}

func NewAPIHandler(st *store.Store, mgr *media.Manager, svc *cards.Service, sched *scheduler.Scheduler, registry *template.Registry, snapshotPath string, logger *log.Logger) *APIHandler {
	return &APIHandler{
		store:        st,
		media:        mgr,
		cards:        svc,
		scheduler:    sched,
		templates:    registry,
		snapshotPath: snapshotPath,
		logger:       logger,
	}
}

// persist writes the current collection state to snapshotPath,
// logging failures rather than failing the request that triggered it:
// a mutation already succeeded in memory, so the HTTP response should
// reflect that even if the disk write lags.
func (h *APIHandler) persist() {
	if h.snapshotPath == "" {
		return
	}
	if err := h.store.SaveToFile(h.snapshotPath); err != nil {
		h.logger.Printf("server: snapshot save failed: %v", err)
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondErr maps a collerr.Kind to the matching HTTP status. Callers
// branch on kind, never on message text; the HTTP edge is where kind
// finally becomes a status code.
func respondErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case collerr.Is(err, collerr.KindNotFound):
		status = http.StatusNotFound
	case collerr.Is(err, collerr.KindValidation):
		status = http.StatusBadRequest
	case collerr.Is(err, collerr.KindBadArchive):
		status = http.StatusUnprocessableEntity
	case collerr.Is(err, collerr.KindCancelled):
		status = http.StatusConflict
	}
	http.Error(w, err.Error(), status)
}

func parseIDParam(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}

func optionalDeckID(r *http.Request) *int64 {
	raw := r.URL.Query().Get("deckId")
	if raw == "" {
		return nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	return &id
}

func (h *APIHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "collection-core",
	})
}

func (h *APIHandler) GetCollection(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"collection": h.store.Collection,
		"global":     h.store.Global,
		"stats":      h.store.Stats(),
	})
}

// ---- Decks ----

func (h *APIHandler) ListDecks(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.store.ListDecks())
}

type createDeckRequest struct {
	Name     string `json:"name"`
	ConfigID int64  `json:"configId"`
}

func (h *APIHandler) CreateDeck(w http.ResponseWriter, r *http.Request) {
	var req createDeckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	deck, err := h.store.EnsureDeckHierarchy(req.Name)
	if err != nil {
		respondErr(w, err)
		return
	}
	if req.ConfigID != 0 && req.ConfigID != deck.ConfigID {
		if err := h.store.UpdateDeck(deck.ID, func(d *store.Deck) { d.ConfigID = req.ConfigID }); err != nil {
			respondErr(w, err)
			return
		}
		deck, err = h.store.GetDeck(deck.ID)
		if err != nil {
			respondErr(w, err)
			return
		}
	}
	h.persist()
	respondJSON(w, http.StatusCreated, deck)
}

func (h *APIHandler) GetDeck(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		http.Error(w, "invalid deck id", http.StatusBadRequest)
		return
	}
	deck, err := h.store.GetDeck(id)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, deck)
}

// DeleteDeck removes a deck subtree in two phases: plan, then execute
// with the request context as the cancellation token.
func (h *APIHandler) DeleteDeck(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		http.Error(w, "invalid deck id", http.StatusBadRequest)
		return
	}
	plan, err := h.cards.PlanDeckDeletion(id)
	if err != nil {
		respondErr(w, err)
		return
	}
	if err := h.cards.ExecuteDeckDeletion(plan, r.Context().Done(), nil); err != nil {
		respondErr(w, err)
		return
	}
	h.persist()
	respondJSON(w, http.StatusOK, map[string]int{"deleted": plan.Total()})
}

func (h *APIHandler) GetDueCards(w http.ResponseWriter, r *http.Request) {
	deckID, err := parseIDParam(r, "deckId")
	if err != nil {
		http.Error(w, "invalid deck id", http.StatusBadRequest)
		return
	}
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if l, err := strconv.Atoi(raw); err == nil && l > 0 {
			limit = l
		}
	}
	respondJSON(w, http.StatusOK, h.scheduler.Due(&deckID, limit))
}

// ---- Notes ----

type createNoteRequest struct {
	ModelID int64    `json:"modelId"`
	DeckID  int64    `json:"deckId"`
	Fields  []string `json:"fields"`
	Tags    []string `json:"tags"`
}

type noteResponse struct {
	Note  *store.Note   `json:"note"`
	Cards []*store.Card `json:"cards"`
}

func (h *APIHandler) CreateNote(w http.ResponseWriter, r *http.Request) {
	var req createNoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ModelID == 0 || req.DeckID == 0 {
		http.Error(w, "modelId and deckId are required", http.StatusBadRequest)
		return
	}
	note, generated, err := h.cards.CreateNote(req.ModelID, req.DeckID, req.Fields, req.Tags)
	if err != nil {
		respondErr(w, err)
		return
	}
	h.persist()
	respondJSON(w, http.StatusCreated, noteResponse{Note: note, Cards: generated})
}

func (h *APIHandler) GetNote(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		http.Error(w, "invalid note id", http.StatusBadRequest)
		return
	}
	note, err := h.store.GetNote(id)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, note)
}

type updateNoteRequest struct {
	Fields []string `json:"fields"`
	Tags   []string `json:"tags"`
}

func (h *APIHandler) UpdateNote(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		http.Error(w, "invalid note id", http.StatusBadRequest)
		return
	}
	var req updateNoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	updated, err := h.cards.UpdateNote(id, req.Fields, req.Tags)
	if err != nil {
		respondErr(w, err)
		return
	}
	h.persist()
	respondJSON(w, http.StatusOK, updated)
}

func (h *APIHandler) DeleteNote(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		http.Error(w, "invalid note id", http.StatusBadRequest)
		return
	}
	if err := h.cards.DeleteNote(id); err != nil {
		respondErr(w, err)
		return
	}
	h.persist()
	w.WriteHeader(http.StatusNoContent)
}

type checkDuplicateRequest struct {
	ModelID    int64  `json:"modelId"`
	FieldIndex int    `json:"fieldIndex"`
	Value      string `json:"value"`
	DeckID     int64  `json:"deckId,omitempty"`
}

func (h *APIHandler) CheckDuplicate(w http.ResponseWriter, r *http.Request) {
	var req checkDuplicateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	dupes, err := h.cards.FindDuplicates(req.ModelID, req.FieldIndex, req.Value, req.DeckID)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"isDuplicate": len(dupes) > 0,
		"duplicates":  dupes,
	})
}

// ---- Cards ----

func (h *APIHandler) GetCard(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		http.Error(w, "invalid card id", http.StatusBadRequest)
		return
	}
	card, err := h.store.GetCard(id)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, card)
}

type answerCardRequest struct {
	Ease        int `json:"ease"` // 1=Again, 2=Hard, 3=Good, 4=Easy
	TimeTakenMs int `json:"timeTakenMs"`
}

func (h *APIHandler) AnswerCard(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		http.Error(w, "invalid card id", http.StatusBadRequest)
		return
	}
	var req answerCardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	card, revlog, err := h.scheduler.Answer(id, store.Ease(req.Ease), req.TimeTakenMs)
	if err != nil {
		respondErr(w, err)
		return
	}
	h.persist()
	respondJSON(w, http.StatusOK, map[string]interface{}{"card": card, "revlog": revlog})
}

// ---- Templates ----

func (h *APIHandler) RenderCard(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		http.Error(w, "invalid card id", http.StatusBadRequest)
		return
	}
	card, err := h.store.GetCard(id)
	if err != nil {
		respondErr(w, err)
		return
	}
	note, err := h.store.GetNote(card.NoteID)
	if err != nil {
		respondErr(w, err)
		return
	}
	model, err := h.store.GetModel(note.ModelID)
	if err != nil {
		respondErr(w, err)
		return
	}
	rendered, err := template.Render(h.templates, model, note, card.Ord)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rendered)
}

// ---- Models ----

func (h *APIHandler) ListModels(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.store.ListModels())
}

func (h *APIHandler) GetModel(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r, "id")
	if err != nil {
		http.Error(w, "invalid model id", http.StatusBadRequest)
		return
	}
	model, err := h.store.GetModel(id)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, model)
}

// ---- Statistics ----

func (h *APIHandler) StatsSummary(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, stats.ComputeSummary(h.store, clockid.SystemClock{}, optionalDeckID(r)))
}

func (h *APIHandler) StatsForecast(w http.ResponseWriter, r *http.Request) {
	n := 14
	if raw := r.URL.Query().Get("days"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			n = v
		}
	}
	respondJSON(w, http.StatusOK, stats.ComputeForecast(h.store, clockid.SystemClock{}, n, optionalDeckID(r)))
}

func (h *APIHandler) StatsLeeches(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, stats.ComputeLeeches(h.store, optionalDeckID(r)))
}

func (h *APIHandler) StatsBestHours(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, stats.ComputeBestHours(h.store, optionalDeckID(r)))
}

// ---- Archive import ----

// ImportArchive accepts a multipart-form upload named "file" holding
// an .apkg archive, stages it to a temp path, and merges it into the
// live store.
func (h *APIHandler) ImportArchive(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		http.Error(w, "failed to parse multipart form", http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing file field", http.StatusBadRequest)
		return
	}
	defer file.Close()

	tmp, err := os.CreateTemp("", "import-*.apkg")
	if err != nil {
		http.Error(w, "failed to stage upload", http.StatusInternalServerError)
		return
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.ReadFrom(file); err != nil {
		tmp.Close()
		http.Error(w, "failed to stage upload", http.StatusInternalServerError)
		return
	}
	tmp.Close()

	report, err := archive.Import(tmpPath, h.store, h.media, r.Context().Done(), func(stage string, done, total int) {
		h.logger.Printf("import %s: %s: %d/%d", header.Filename, stage, done, total)
	})
	if err != nil {
		respondErr(w, err)
		return
	}
	h.persist()
	respondJSON(w, http.StatusOK, report)
}

func main() {
	logger := log.Default()

	dataDir := envOr("COLLECTION_DATA_DIR", "./data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		log.Fatalf("failed to create data dir: %v", err)
	}
	snapshotPath := filepath.Join(dataDir, "collection.json")
	mediaDir := filepath.Join(dataDir, "media")
	addr := envOr("COLLECTION_ADDR", ":8080")

	clock := clockid.SystemClock{}
	st := store.New(clock, "default")
	if err := st.LoadFromFile(snapshotPath); err != nil {
		log.Fatalf("failed to load snapshot: %v", err)
	}

	mediaMgr, err := media.NewManager(st, mediaDir, logger)
	if err != nil {
		log.Fatalf("failed to init media manager: %v", err)
	}
	cardsSvc := cards.NewService(st, mediaMgr, clock)
	sched := scheduler.New(st, clock, nil, nil, logger)
	registry := template.NewRegistry(logger)

	handler := NewAPIHandler(st, mediaMgr, cardsSvc, sched, registry, snapshotPath, logger)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:3000"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", handler.HealthCheck)
		r.Get("/collection", handler.GetCollection)

		r.Get("/decks", handler.ListDecks)
		r.Post("/decks", handler.CreateDeck)
		r.Get("/decks/{id}", handler.GetDeck)
		r.Delete("/decks/{id}", handler.DeleteDeck)
		r.Get("/decks/{deckId}/due", handler.GetDueCards)

		r.Get("/models", handler.ListModels)
		r.Get("/models/{id}", handler.GetModel)

		r.Post("/notes", handler.CreateNote)
		r.Get("/notes/{id}", handler.GetNote)
		r.Patch("/notes/{id}", handler.UpdateNote)
		r.Delete("/notes/{id}", handler.DeleteNote)
		r.Post("/notes/check-duplicate", handler.CheckDuplicate)

		r.Get("/cards/{id}", handler.GetCard)
		r.Get("/cards/{id}/render", handler.RenderCard)
		r.Post("/cards/{id}/answer", handler.AnswerCard)

		r.Get("/stats/summary", handler.StatsSummary)
		r.Get("/stats/forecast", handler.StatsForecast)
		r.Get("/stats/leeches", handler.StatsLeeches)
		r.Get("/stats/best-hours", handler.StatsBestHours)

		r.Post("/archives/import", handler.ImportArchive)
	})

	logger.Printf("collection-core listening on %s", addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
