package controller

import (
	"errors"
	"net/http"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"

	"github.com/canopy-network/relayx/pkg/manager"
)

// HandleLogin validates the admin credentials and issues a session cookie.
func (c *Controller) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var creds struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "malformed credentials", r.URL.Path)
		return
	}
	if creds.Username != c.AuthUser ||
		bcrypt.CompareHashAndPassword(c.AuthHash, []byte(creds.Password)) != nil {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized", "invalid credentials", r.URL.Path)
		return
	}
	c.IssueSession(w, creds.Username)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// HandleLogout clears the session cookie.
func (c *Controller) HandleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// HandleRefresh forces one off-schedule registry poll for a chain.
func (c *Controller) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["chain"]
	if err := c.App.Manager.ForceRefresh(r.Context(), name); err != nil {
		status := http.StatusBadGateway
		kind := "registry_fetch_error"
		if errors.Is(err, manager.ErrChainNotFound) {
			status = http.StatusNotFound
			kind = "chain_not_found"
		}
		writeJSONError(w, status, kind, err.Error(), r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "refreshed"})
}

// HandleProbe forces one off-schedule probe round for a chain.
func (c *Controller) HandleProbe(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["chain"]
	if err := c.App.Manager.ProbeNow(r.Context(), name); err != nil {
		writeJSONError(w, http.StatusNotFound, "chain_not_found", err.Error(), r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "probed"})
}
