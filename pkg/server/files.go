// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package server

import (
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/teradata-labs/clyde/internal/apperr"
	"github.com/teradata-labs/clyde/internal/fsext"
)

const maxFileWriteBytes = 10 << 20

// resolveWorkPath maps a request path onto the working directory, refusing
// anything that would escape it.
func (s *Server) resolveWorkPath(rel string) (string, error) {
	abs, err := fsext.SafeResolve(s.deps.WorkDir, rel)
	if err != nil {
		return "", apperr.Newf(apperr.Security, "path %q is outside the working directory", rel)
	}
	return abs, nil
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	rel := r.URL.Query().Get("path")
	if _, err := s.resolveWorkPath(rel); err != nil {
		writeError(w, err)
		return
	}
	entries, err := fsext.ListDirectory(s.deps.WorkDir, rel)
	if err != nil {
		if errors.Is(err, fsext.ErrOutsideRoot) {
			writeError(w, apperr.Newf(apperr.Security, "path %q is outside the working directory", rel))
			return
		}
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, apperr.Newf(apperr.NotFound, "directory %q not found", rel))
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request) {
	rel := r.URL.Query().Get("path")
	if rel == "" {
		writeError(w, apperr.New(apperr.Validation, "query parameter path is required"))
		return
	}
	abs, err := s.resolveWorkPath(rel)
	if err != nil {
		writeError(w, err)
		return
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, apperr.Newf(apperr.NotFound, "file %q not found", rel))
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"path":    rel,
		"content": string(data),
		"size":    len(data),
	})
}

func (s *Server) handleWriteFile(w http.ResponseWriter, r *http.Request) {
	rel := r.URL.Query().Get("path")
	if rel == "" {
		writeError(w, apperr.New(apperr.Validation, "query parameter path is required"))
		return
	}
	abs, err := s.resolveWorkPath(rel)
	if err != nil {
		writeError(w, err)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxFileWriteBytes+1))
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Validation, "reading request body", err))
		return
	}
	if len(body) > maxFileWriteBytes {
		writeError(w, apperr.Newf(apperr.Validation, "file content exceeds %d bytes", maxFileWriteBytes))
		return
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		writeError(w, err)
		return
	}
	if err := fsext.AtomicWrite(abs, body, 0o644); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"path": rel,
		"size": len(body),
	})
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	rel := r.URL.Query().Get("path")
	if rel == "" {
		writeError(w, apperr.New(apperr.Validation, "query parameter path is required"))
		return
	}
	abs, err := s.resolveWorkPath(rel)
	if err != nil {
		writeError(w, err)
		return
	}
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, apperr.Newf(apperr.NotFound, "file %q not found", rel))
			return
		}
		writeError(w, err)
		return
	}
	if info.IsDir() {
		writeError(w, apperr.Newf(apperr.Validation, "%q is a directory", rel))
		return
	}
	if err := os.Remove(abs); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
