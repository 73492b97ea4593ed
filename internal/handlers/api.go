package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"riptide/internal/config"
	"riptide/internal/core"
	"riptide/internal/torrent"
	"riptide/internal/utils"
)

type APIHandler struct {
	manager *core.Manager
	logger  *utils.Logger
	config  *config.Config
	token   string
}

// A helper function to respond with JSON
func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// A helper function to respond with a JSON error
func respondError(w http.ResponseWriter, code int, message string) {
	respondJSON(w, code, map[string]string{"error": message})
}

func NewAPIHandler(manager *core.Manager, logger *utils.Logger, config *config.Config, token string) *APIHandler {
	return &APIHandler{manager: manager, logger: logger, config: config, token: token}
}

// Login endpoint
func (h *APIHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request")
		return
	}

	if req.Password != h.config.App.APIPassword {
		respondError(w, http.StatusUnauthorized, "Incorrect password")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"token": h.token})
}

// AddTorrent accepts either a JSON body with a magnet link or a
// multipart upload with a .torrent file. Adding a torrent that is
// already registered returns the existing one with 200 instead of 201.
func (h *APIHandler) AddTorrent(w http.ResponseWriter, r *http.Request) {
	var (
		session *core.Session
		created bool
		err     error
	)

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid multipart request")
			return
		}
		file, _, ferr := r.FormFile("torrent")
		if ferr != nil {
			respondError(w, http.StatusBadRequest, "Missing torrent file field")
			return
		}
		defer file.Close()

		data, rerr := io.ReadAll(file)
		if rerr != nil {
			respondError(w, http.StatusBadRequest, "Could not read torrent file")
			return
		}
		session, created, err = h.manager.AddTorrentData(data)
	} else {
		var req struct {
			Magnet string `json:"magnet"`
		}
		if derr := json.NewDecoder(r.Body).Decode(&req); derr != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		if req.Magnet == "" {
			respondError(w, http.StatusBadRequest, "Magnet link is required")
			return
		}
		session, created, err = h.manager.AddMagnet(req.Magnet)
	}

	if err != nil {
		if errors.Is(err, torrent.ErrInvalidSource) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("Failed to add torrent:", err)
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respondJSON(w, status, session.Summary())
}

// ListTorrents returns all registered torrents, oldest first. An
// optional state query parameter narrows the list to one state.
func (h *APIHandler) ListTorrents(w http.ResponseWriter, r *http.Request) {
	summaries := h.manager.List()

	if state := r.URL.Query().Get("state"); state != "" {
		filtered := make([]core.Summary, 0, len(summaries))
		for _, s := range summaries {
			if s.State == core.State(state) {
				filtered = append(filtered, s)
			}
		}
		summaries = filtered
	}

	if summaries == nil {
		summaries = []core.Summary{}
	}
	respondJSON(w, http.StatusOK, summaries)
}

func (h *APIHandler) GetTorrent(w http.ResponseWriter, r *http.Request) {
	session, ok := h.lookup(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, session.Summary())
}

func (h *APIHandler) PauseTorrent(w http.ResponseWriter, r *http.Request) {
	session, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if err := session.Pause(); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, session.Summary())
}

func (h *APIHandler) ResumeTorrent(w http.ResponseWriter, r *http.Request) {
	session, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if err := session.Resume(); err != nil {
		// The session hit an unrecoverable fault (disk failure); resume
		// cannot clear it.
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, session.Summary())
}

func (h *APIHandler) DeleteTorrent(w http.ResponseWriter, r *http.Request) {
	hash := mux.Vars(r)["hash"]
	if err := h.manager.Delete(hash); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			respondError(w, http.StatusNotFound, "Torrent not found")
			return
		}
		h.logger.Error("Failed to delete torrent:", err)
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetFiles lists the torrent's content files with per-file progress.
func (h *APIHandler) GetFiles(w http.ResponseWriter, r *http.Request) {
	session, ok := h.lookup(w, r)
	if !ok {
		return
	}
	files := session.Files()
	if files == nil {
		respondError(w, http.StatusConflict, "Metadata not yet available")
		return
	}
	respondJSON(w, http.StatusOK, files)
}

// StreamFile serves one completed content file with HTTP range support
// so media players can seek.
func (h *APIHandler) StreamFile(w http.ResponseWriter, r *http.Request) {
	session, ok := h.lookup(w, r)
	if !ok {
		return
	}
	index, err := strconv.Atoi(mux.Vars(r)["index"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid file index")
		return
	}

	store := session.Store()
	if store == nil {
		respondError(w, http.StatusConflict, "Metadata not yet available")
		return
	}

	files := session.Files()
	if index < 0 || index >= len(files) {
		respondError(w, http.StatusNotFound, "No such file")
		return
	}
	if !store.FileComplete(index) {
		respondError(w, http.StatusConflict, "File not yet complete")
		return
	}

	reader, err := store.FileReader(index)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	http.ServeContent(w, r, filepath.Base(files[index].Path), time.Time{}, reader)
}

// DownloadArchive streams a zip of the torrent's files. A files query
// parameter with comma-separated indices limits the archive to those
// files; all of the requested files must be complete.
func (h *APIHandler) DownloadArchive(w http.ResponseWriter, r *http.Request) {
	session, ok := h.lookup(w, r)
	if !ok {
		return
	}
	store := session.Store()
	if store == nil {
		respondError(w, http.StatusConflict, "Metadata not yet available")
		return
	}
	files := session.Files()

	var indices []int
	if raw := r.URL.Query().Get("files"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			index, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				respondError(w, http.StatusBadRequest, "Invalid files parameter")
				return
			}
			indices = append(indices, index)
		}
	} else {
		for i := range files {
			indices = append(indices, i)
		}
	}

	for _, index := range indices {
		if index < 0 || index >= len(files) {
			respondError(w, http.StatusNotFound, fmt.Sprintf("No file with index %d", index))
			return
		}
		if !store.FileComplete(index) {
			respondError(w, http.StatusConflict, fmt.Sprintf("File %d not yet complete", index))
			return
		}
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", utils.SanitizeFilename(session.Name())+".zip"))
	if err := store.ExportArchive(w, indices); err != nil {
		// Headers are already out; all we can do is log and cut the stream.
		h.logger.Error("Archive export failed:", err)
	}
}

// System status
func (h *APIHandler) GetSystemStatus(w http.ResponseWriter, r *http.Request) {
	status := h.manager.SystemStatus()
	respondJSON(w, http.StatusOK, status)
}

// lookup resolves the hash path variable to a session, writing the 404
// itself so handlers can bail out with a single check.
func (h *APIHandler) lookup(w http.ResponseWriter, r *http.Request) (*core.Session, bool) {
	session, err := h.manager.Get(mux.Vars(r)["hash"])
	if err != nil {
		respondError(w, http.StatusNotFound, "Torrent not found")
		return nil, false
	}
	return session, true
}
