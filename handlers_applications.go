package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/example/vulntrack/internal/apperr"
	"github.com/example/vulntrack/internal/tracker"
	"github.com/gorilla/mux"
)

const maxUploadBytes = 10 << 20

type createForm struct {
	Name        string `validate:"required,max=200"`
	Description string `validate:"max=2000"`
}

type updateForm struct {
	Name        *string `validate:"omitempty,max=200"`
	Description *string `validate:"omitempty,max=2000"`
}

// upload is a parsed application form. Fields absent from the request are nil.
type upload struct {
	name        *string
	description *string
	manifest    *string
}

// parseUpload reads a multipart (or url encoded) application form.
func parseUpload(w http.ResponseWriter, r *http.Request) (upload, error) {
	var u upload
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		return u, fmt.Errorf("parse form: %v: %w", err, apperr.ErrInvalidInput)
	}
	if v, ok := r.PostForm["name"]; ok && len(v) > 0 {
		u.name = &v[0]
	}
	if v, ok := r.PostForm["description"]; ok && len(v) > 0 {
		u.description = &v[0]
	}

	file, _, err := r.FormFile("file")
	switch {
	case err == nil:
		defer file.Close()
		b, err := io.ReadAll(file)
		if err != nil {
			return u, fmt.Errorf("read manifest: %v: %w", err, apperr.ErrInvalidInput)
		}
		text := string(b)
		u.manifest = &text
	case errors.Is(err, http.ErrMissingFile), errors.Is(err, http.ErrNotMultipart):
	default:
		return u, fmt.Errorf("manifest file: %v: %w", err, apperr.ErrInvalidInput)
	}
	return u, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// GET /applications/
func (a *App) HandleListApplications(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Tracker.ListApplications(r.Context(), currentUser(r)))
}

// HandleCreateApplication registers an application from a name, a
// description and a requirements file. Analysis continues in the background.
// POST /applications/
func (a *App) HandleCreateApplication(w http.ResponseWriter, r *http.Request) {
	u, err := parseUpload(w, r)
	if err != nil {
		a.writeAppError(w, r, err)
		return
	}
	f := createForm{Name: deref(u.name), Description: deref(u.description)}
	if err := a.validate.Struct(f); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "name is required (max 200 characters), description is limited to 2000")
		return
	}
	if u.manifest == nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "file is required")
		return
	}

	id, err := a.Tracker.CreateApplication(r.Context(), currentUser(r), f.Name, f.Description, *u.manifest)
	if err != nil {
		a.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"message": "Application created - " + id,
		"id":      id,
	})
}

// GET /applications/{id}
func (a *App) HandleGetApplication(w http.ResponseWriter, r *http.Request) {
	app, err := a.Tracker.GetApplication(r.Context(), mux.Vars(r)["id"], currentUser(r))
	if err != nil {
		a.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

// GET /applications/{id}/dep
func (a *App) HandleGetApplicationDependencies(w http.ResponseWriter, r *http.Request) {
	deps, err := a.Tracker.GetApplicationDependencies(r.Context(), mux.Vars(r)["id"], currentUser(r))
	if err != nil {
		a.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deps)
}

// HandleUpdateApplication changes any of name, description and requirements
// file. A new file is analysed in the background.
// PUT /applications/{id}
func (a *App) HandleUpdateApplication(w http.ResponseWriter, r *http.Request) {
	u, err := parseUpload(w, r)
	if err != nil {
		a.writeAppError(w, r, err)
		return
	}
	if err := a.validate.Struct(updateForm{Name: u.name, Description: u.description}); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "name is limited to 200 characters, description to 2000")
		return
	}

	err = a.Tracker.UpdateApplication(r.Context(), mux.Vars(r)["id"], currentUser(r), tracker.Update{
		Name:        u.name,
		Description: u.description,
		Manifest:    u.manifest,
	})
	if err != nil {
		a.writeAppError(w, r, err)
		return
	}
	writeMessage(w, http.StatusOK, "Application updated")
}

// DELETE /applications/{id}
func (a *App) HandleDeleteApplication(w http.ResponseWriter, r *http.Request) {
	if err := a.Tracker.DeleteApplication(r.Context(), mux.Vars(r)["id"], currentUser(r)); err != nil {
		a.writeAppError(w, r, err)
		return
	}
	writeMessage(w, http.StatusOK, "Application deleted successfully")
}
