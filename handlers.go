package main

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

type loginForm struct {
	Username string `validate:"required,max=64"`
	Password string `validate:"required,max=72"` // bcrypt input limit
}

// HandleLogin signs the caller in and sets the token cookie. An unknown
// username is registered with the given password on first login.
// POST /auth/login
func (a *App) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid form body")
		return
	}
	f := loginForm{Username: r.PostFormValue("username"), Password: r.PostFormValue("password")}
	if err := a.validate.Struct(f); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Username and password are required")
		return
	}

	user, err := a.findOrRegister(r, f)
	if err != nil {
		a.writeAppError(w, r, err)
		return
	}
	if !comparePassword(user.PasswordHash, f.Password) {
		writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid username or password")
		return
	}

	token, exp, err := createAccessToken(a.jwtSecret, user.Username, a.tokenTTL)
	if err != nil {
		a.writeAppError(w, r, fmt.Errorf("sign token: %w", err))
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     tokenCookie,
		Value:    token,
		Path:     "/",
		Expires:  exp,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeMessage(w, http.StatusOK, "Logged in as "+user.Username)
}

func (a *App) findOrRegister(r *http.Request, f loginForm) (*User, error) {
	ctx := r.Context()
	user, err := a.DB.GetUserByUsername(ctx, f.Username)
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if user != nil {
		return user, nil
	}

	hashed, err := hashPassword(f.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	user, err = a.DB.CreateUser(ctx, f.Username, hashed)
	if errors.Is(err, ErrUserExists) {
		// registered concurrently
		user, err = a.DB.GetUserByUsername(ctx, f.Username)
	}
	if err != nil {
		return nil, fmt.Errorf("register user: %w", err)
	}
	if user == nil {
		return nil, errors.New("register user: user vanished")
	}
	a.log.InfoContext(ctx, "user registered", "user", user.Username)
	return user, nil
}

// POST /auth/logout
func (a *App) HandleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     tokenCookie,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeMessage(w, http.StatusOK, "Logged out successfully")
}

// GET /auth/me
func (a *App) HandleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"username": currentUser(r)})
}
