// Package auth implements login via Google OAuth and stateless JWT sessions.
// The OAuth dance resolves a Google identity, upserts the tenant user, and
// hands the browser a signed session cookie; everything after that is
// validated offline from the token.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/ignite/mailsched/internal/clock"
	"github.com/ignite/mailsched/internal/store"
)

const (
	stateCookie    = "oauth_state"
	userInfoURL    = "https://www.googleapis.com/oauth2/v2/userinfo"
	stateCookieTTL = 300 // seconds
)

// Principal identifies the authenticated caller on a request context.
type Principal struct {
	UserID uuid.UUID
	Email  string
}

// googleUserInfo is the profile subset we read from Google.
type googleUserInfo struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	VerifiedEmail bool   `json:"verified_email"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

// UserStore is the slice of the store auth needs.
type UserStore interface {
	UpsertUserByGoogleID(ctx context.Context, googleID, email, name, avatarURL string) (*store.User, error)
}

// Config carries the settings the manager needs from the app config.
type Config struct {
	GoogleClientID     string
	GoogleClientSecret string
	CallbackURL        string
	JWTSecret          string
	JWTExpiry          time.Duration
	CookieName         string
	FrontendOrigin     string
	SecureCookies      bool
}

// Manager runs the OAuth flow and issues session tokens.
type Manager struct {
	oauth *oauth2.Config
	users UserStore
	clock clock.Clock
	cfg   Config
	httpc *http.Client
}

func NewManager(cfg Config, users UserStore, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.Real()
	}
	return &Manager{
		oauth: &oauth2.Config{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.CallbackURL,
			Scopes: []string{
				"https://www.googleapis.com/auth/userinfo.email",
				"https://www.googleapis.com/auth/userinfo.profile",
			},
			Endpoint: google.Endpoint,
		},
		users: users,
		clock: clk,
		cfg:   cfg,
		httpc: &http.Client{Timeout: 10 * time.Second},
	}
}

func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// HandleLogin starts the OAuth flow.
func (m *Manager) HandleLogin(w http.ResponseWriter, r *http.Request) {
	state, err := generateState()
	if err != nil {
		http.Error(w, "failed to generate state", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   stateCookieTTL,
		HttpOnly: true,
		Secure:   m.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, m.oauth.AuthCodeURL(state, oauth2.AccessTypeOnline), http.StatusTemporaryRedirect)
}

// HandleCallback finishes the OAuth flow: verifies state, exchanges the
// code, upserts the user, and sets the session cookie.
func (m *Manager) HandleCallback(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(stateCookie)
	if err != nil || r.URL.Query().Get("state") != cookie.Value {
		log.Printf("[Auth] state mismatch from %s", r.RemoteAddr)
		m.redirectError(w, r, "invalid_state")
		return
	}
	http.SetCookie(w, &http.Cookie{Name: stateCookie, Value: "", Path: "/", MaxAge: -1})

	if errMsg := r.URL.Query().Get("error"); errMsg != "" {
		log.Printf("[Auth] provider error: %s", errMsg)
		m.redirectError(w, r, errMsg)
		return
	}

	token, err := m.oauth.Exchange(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		log.Printf("[Auth] code exchange: %v", err)
		m.redirectError(w, r, "exchange_failed")
		return
	}

	info, err := m.fetchUserInfo(r.Context(), token.AccessToken)
	if err != nil {
		log.Printf("[Auth] userinfo: %v", err)
		m.redirectError(w, r, "userinfo_failed")
		return
	}
	if !info.VerifiedEmail {
		m.redirectError(w, r, "email_not_verified")
		return
	}

	user, err := m.users.UpsertUserByGoogleID(r.Context(), info.ID, info.Email, info.Name, info.Picture)
	if err != nil {
		log.Printf("[Auth] upsert user: %v", err)
		m.redirectError(w, r, "user_upsert_failed")
		return
	}

	session, err := IssueToken([]byte(m.cfg.JWTSecret), user.ID, user.Email, m.cfg.JWTExpiry, m.clock.Now())
	if err != nil {
		log.Printf("[Auth] issue token: %v", err)
		m.redirectError(w, r, "session_failed")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     m.cfg.CookieName,
		Value:    session,
		Path:     "/",
		MaxAge:   int(m.cfg.JWTExpiry / time.Second),
		HttpOnly: true,
		Secure:   m.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})

	log.Printf("[Auth] user logged in: %s", user.ID)
	http.Redirect(w, r, m.cfg.FrontendOrigin, http.StatusTemporaryRedirect)
}

// HandleLogout clears the session cookie. Issued tokens stay valid until
// they expire; there is no server-side session to revoke.
func (m *Manager) HandleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.cfg.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"success": true})
}

func (m *Manager) redirectError(w http.ResponseWriter, r *http.Request, code string) {
	http.Redirect(w, r, m.cfg.FrontendOrigin+"/?error="+code, http.StatusTemporaryRedirect)
}

func (m *Manager) fetchUserInfo(ctx context.Context, accessToken string) (*googleUserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, userInfoURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := m.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch user info: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read user info: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("google API error (HTTP %d): %s", resp.StatusCode, body)
	}

	var info googleUserInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("parse user info: %w", err)
	}
	return &info, nil
}
