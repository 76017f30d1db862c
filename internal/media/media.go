// Package media manages the content-addressed blob directory and its
// index. It is the only component that touches the media directory on
// disk; Store only holds the index entries.
package media

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"html"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"github.com/microdote/collection-core/internal/collerr"
	"github.com/microdote/collection-core/internal/store"
)

// extMIME maps a lowercased file extension to its MIME type, covering
// the media kinds an Anki-compatible archive carries.
var extMIME = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".svg":  "image/svg+xml",
	".webp": "image/webp",
	".mp3":  "audio/mpeg",
	".ogg":  "audio/ogg",
	".wav":  "audio/wav",
	".m4a":  "audio/mp4",
	".mp4":  "video/mp4",
	".webm": "video/webm",
}

// batchChunkSize is the suspension-point granularity for
// BatchRegisterExisting.
const batchChunkSize = 200

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// Manager owns the media blob directory and its Store-backed index.
type Manager struct {
	store    *store.Store
	mediaDir string
	logger   *log.Logger
}

// NewManager creates a Manager rooted at mediaDir, creating the
// directory if absent. logger defaults to log.Default() when nil.
func NewManager(st *store.Store, mediaDir string, logger *log.Logger) (*Manager, error) {
	if logger == nil {
		logger = log.Default()
	}
	if err := os.MkdirAll(mediaDir, 0o755); err != nil {
		return nil, collerr.Wrap(collerr.KindIoFailure, "media.NewManager", "create media dir failed", err)
	}
	return &Manager{store: st, mediaDir: mediaDir, logger: logger}, nil
}

// Dir returns the media blob directory, so collaborators that extract
// blobs ahead of registration (the archive importer) know where to
// place them.
func (m *Manager) Dir() string { return m.mediaDir }

// SanitizeFilename strips path components, keeps only
// [A-Za-z0-9._-], caps length at 255 bytes, and synthesizes a name
// from contentHash when the result would be empty. Exported so the
// archive importer sanitizes media-manifest filenames through the
// exact same routine Add uses; an imported archive can never place a
// path-traversing filename on disk.
func SanitizeFilename(name string, contentHash string) string {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "." || name == string(filepath.Separator) {
		name = ""
	}
	name = unsafeFilenameChars.ReplaceAllString(name, "_")
	if len(name) > 255 {
		name = name[:255]
	}
	if name == "" || name == "_" {
		short := contentHash
		if len(short) > 16 {
			short = short[:16]
		}
		name = "media-" + short
	}
	return name
}

func mimeForFilename(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if mt, ok := extMIME[ext]; ok {
		return mt
	}
	return "application/octet-stream"
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Add sanitizes filename (or synthesizes one), hashes sourcePath's
// contents, and either returns an existing entry with the same hash
// or copies the blob into the media directory and indexes it.
func (m *Manager) Add(sourcePath string, filename string) (*store.Media, error) {
	hash, hashErr := hashFile(sourcePath)
	fallback := hashErr != nil
	if fallback {
		hash = "fallback-" + filepath.Base(sourcePath)
		m.logger.Printf("media: hash failed for %s, using fallback hash: %v", sourcePath, hashErr)
	} else if existing, ok := m.store.FindMediaByHash(hash); ok {
		return existing, nil
	}

	safeName := SanitizeFilename(filename, hash)
	if filename == "" {
		safeName = SanitizeFilename(filepath.Base(sourcePath), hash)
	}
	destPath := filepath.Join(m.mediaDir, safeName)

	var size int64
	if !fallback {
		info, err := os.Stat(sourcePath)
		if err != nil {
			return nil, collerr.Wrap(collerr.KindIoFailure, "media.Add", "stat source failed", err)
		}
		size = info.Size()
		if err := copyFile(sourcePath, destPath); err != nil {
			return nil, collerr.Wrap(collerr.KindIoFailure, "media.Add", "copy blob failed", err)
		}
	}

	entry := store.Media{
		Filename: safeName,
		MIME:     mimeForFilename(safeName),
		Hash:     hash,
		Size:     size,
		LocalURI: destPath,
	}
	return m.store.AddMedia(entry)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

// RegisterExisting indexes a blob already present at
// <mediaDir>/filename, used by archive import after bulk extraction.
// Returns (nil, nil) if the file is missing.
func (m *Manager) RegisterExisting(filename string) (*store.Media, error) {
	safeName := SanitizeFilename(filename, filename)
	path := filepath.Join(m.mediaDir, safeName)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, collerr.Wrap(collerr.KindIoFailure, "media.RegisterExisting", "stat failed", err)
	}
	if existing, ok := m.store.FindMediaByFilename(safeName); ok {
		return existing, nil
	}

	hash, err := hashFile(path)
	if err != nil {
		hash = "fallback-" + safeName
		m.logger.Printf("media: hash failed for %s, using fallback hash: %v", safeName, err)
	} else if existing, ok := m.store.FindMediaByHash(hash); ok {
		return existing, nil
	}

	info, statErr := os.Stat(path)
	var size int64
	if statErr == nil {
		size = info.Size()
	}
	entry := store.Media{
		Filename: safeName,
		MIME:     mimeForFilename(safeName),
		Hash:     hash,
		Size:     size,
		LocalURI: path,
	}
	return m.store.AddMedia(entry)
}

// BatchRegisterExisting registers filenames in chunks of
// batchChunkSize, yielding cooperatively between chunks and
// deduplicating against prior registrations by filename. progress, if
// non-nil, is called after each chunk with the count processed so far.
func (m *Manager) BatchRegisterExisting(filenames []string, progress func(done, total int)) ([]*store.Media, error) {
	seen := make(map[string]bool, len(filenames))
	out := make([]*store.Media, 0, len(filenames))
	total := len(filenames)
	for start := 0; start < total; start += batchChunkSize {
		end := start + batchChunkSize
		if end > total {
			end = total
		}
		for _, name := range filenames[start:end] {
			if seen[name] {
				continue
			}
			seen[name] = true
			entry, err := m.RegisterExisting(name)
			if err != nil {
				return out, err
			}
			if entry != nil {
				out = append(out, entry)
			}
		}
		if progress != nil {
			progress(end, total)
		}
		runtime.Gosched()
	}
	return out, nil
}

// Delete removes the blob (ignoring not-exist) and the index entry.
func (m *Manager) Delete(id int64) error {
	entry, err := m.store.GetMedia(id)
	if err != nil {
		return err
	}
	if err := os.Remove(entry.LocalURI); err != nil && !os.IsNotExist(err) {
		return collerr.Wrap(collerr.KindIoFailure, "media.Delete", "remove blob failed", err)
	}
	return m.store.DeleteMedia(id)
}

var (
	imgSrcRe   = regexp.MustCompile(`(?i)<img[^>]+src\s*=\s*["']([^"']+)["']`)
	soundRefRe = regexp.MustCompile(`(?i)\[sound:([^\]]+)\]`)
)

// referencedFilenames scans one note's flds string for media
// references: <img src="..."> attributes and [sound:...] tags.
func referencedFilenames(flds string) []string {
	var refs []string
	for _, match := range imgSrcRe.FindAllStringSubmatch(flds, -1) {
		refs = append(refs, html.UnescapeString(match[1]))
	}
	for _, match := range soundRefRe.FindAllStringSubmatch(flds, -1) {
		refs = append(refs, match[1])
	}
	return refs
}

// GCUnused scans every note's fields, accumulates referenced
// filenames, and deletes every index entry absent from that set,
// returning the number deleted. Idempotent: a second run finds
// nothing new to delete.
func (m *Manager) GCUnused() (int, error) {
	referenced := make(map[string]bool)
	for _, n := range m.store.ListNotes() {
		for _, name := range referencedFilenames(n.Flds) {
			referenced[strings.ToLower(name)] = true
		}
	}
	deleted := 0
	for _, entry := range m.store.ListMedia() {
		if referenced[strings.ToLower(entry.Filename)] {
			continue
		}
		if err := m.Delete(entry.ID); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// Resolve turns a field reference into a local filesystem path: an
// "anki-media://<id>" URI resolves by id, otherwise src is treated as
// a filename and resolved relative to the media directory.
func (m *Manager) Resolve(src string) (string, error) {
	const idScheme = "anki-media://"
	if strings.HasPrefix(src, idScheme) {
		idStr := strings.TrimPrefix(src, idScheme)
		var id int64
		if _, err := fmt.Sscanf(idStr, "%d", &id); err != nil {
			return "", collerr.Validationf("media.Resolve", "malformed media id %q", idStr)
		}
		entry, err := m.store.GetMedia(id)
		if err != nil {
			return "", err
		}
		return entry.LocalURI, nil
	}
	if entry, ok := m.store.FindMediaByFilename(src); ok {
		return entry.LocalURI, nil
	}
	return filepath.Join(m.mediaDir, src), nil
}
