package main

import (
	"net/http"

	"github.com/gorilla/mux"
)

// GET /dependencies/
func (a *App) HandleListDependencies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Tracker.ListDependencies(r.Context(), currentUser(r)))
}

// GET /dependencies/{package}?version=
func (a *App) HandleGetDependency(w http.ResponseWriter, r *http.Request) {
	dep, err := a.Tracker.GetDependency(r.Context(), mux.Vars(r)["package"], r.URL.Query().Get("version"), currentUser(r))
	if err != nil {
		a.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dep)
}

// GET /dependencies/vulns/{id}
func (a *App) HandleGetVulnerability(w http.ResponseWriter, r *http.Request) {
	v, err := a.Tracker.GetVulnerability(r.Context(), mux.Vars(r)["id"], currentUser(r))
	if err != nil {
		a.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// GET /dependencies/alternate/{package}?version=
func (a *App) HandleSuggestAlternatives(w http.ResponseWriter, r *http.Request) {
	text, err := a.Tracker.SuggestAlternatives(r.Context(), mux.Vars(r)["package"], r.URL.Query().Get("version"), currentUser(r))
	if err != nil {
		a.writeAppError(w, r, err)
		return
	}
	writeMessage(w, http.StatusOK, text)
}
