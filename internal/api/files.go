package api

import (
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// The fs API exposes a restricted view of the filesystem for workspace
// pickers. Every path must normalize into one of the configured fsRoots.

type fsEntry struct {
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	IsDir      bool      `json:"isDir"`
	Size       int64     `json:"size,omitempty"`
	ModifiedAt time.Time `json:"modifiedAt"`
}

// fsRoots returns the configured roots as cleaned absolute paths.
func (s *Server) fsRoots() []string {
	roots := make([]string, 0, len(s.cfg.Gateway.FsRoots))
	for _, r := range s.cfg.Gateway.FsRoots {
		if abs, err := filepath.Abs(r); err == nil {
			roots = append(roots, filepath.Clean(abs))
		}
	}
	return roots
}

// resolveFsPath normalizes the path and verifies root containment.
func (s *Server) resolveFsPath(path string) (string, bool) {
	if path == "" {
		return "", false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}
	abs = filepath.Clean(abs)
	for _, root := range s.fsRoots() {
		if abs == root || strings.HasPrefix(abs, root+string(filepath.Separator)) {
			return abs, true
		}
	}
	return "", false
}

// validFolderName rejects names that would change the resolved directory.
func validFolderName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`)
}

func (s *Server) handleFsRoots(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"roots": s.fsRoots()})
}

func (s *Server) handleFsList(w http.ResponseWriter, r *http.Request) {
	path, ok := s.resolveFsPath(r.URL.Query().Get("path"))
	if !ok {
		writeError(w, http.StatusForbidden, "path is outside the allowed roots")
		return
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, "directory not found")
			return
		}
		s.logger.Warn("fs list failed", "path", path, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read directory")
		return
	}

	out := make([]fsEntry, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		entry := fsEntry{
			Name:       e.Name(),
			Path:       filepath.Join(path, e.Name()),
			IsDir:      e.IsDir(),
			ModifiedAt: info.ModTime(),
		}
		if !e.IsDir() {
			entry.Size = info.Size()
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsDir != out[j].IsDir {
			return out[i].IsDir
		}
		return out[i].Name < out[j].Name
	})
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

func (s *Server) handleFsMkdir(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
		Name string `json:"name"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if !validFolderName(req.Name) {
		writeError(w, http.StatusBadRequest, "invalid folder name")
		return
	}
	parent, ok := s.resolveFsPath(req.Path)
	if !ok {
		writeError(w, http.StatusForbidden, "path is outside the allowed roots")
		return
	}

	target := filepath.Join(parent, req.Name)
	if _, err := os.Stat(target); err == nil {
		writeError(w, http.StatusConflict, "folder already exists")
		return
	}
	if err := os.Mkdir(target, 0o755); err != nil {
		s.logger.Warn("fs mkdir failed", "path", target, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create folder")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": target})
}

func (s *Server) handleFsFile(w http.ResponseWriter, r *http.Request) {
	path, ok := s.resolveFsPath(r.URL.Query().Get("path"))
	if !ok {
		writeError(w, http.StatusForbidden, "path is outside the allowed roots")
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, "file not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to stat file")
		return
	}
	if info.IsDir() {
		writeError(w, http.StatusBadRequest, "path is a directory")
		return
	}

	f, err := os.Open(path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to open file")
		return
	}
	defer func() { _ = f.Close() }()
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}
