// cookies.go

// Session and PKCE cookie management.
package auth

import (
	"net/http"
	"time"
)

const (
	// __Host- cookies require Secure; plain names are used for local http development.
	secureSessionCookie = "__Host-session"
	plainSessionCookie  = "session"
	securePKCECookie    = "__Host-calendar-pkce"
	plainPKCECookie     = "calendar-pkce"
)

func sessionCookieName(secure bool) string {
	if secure {
		return secureSessionCookie
	}
	return plainSessionCookie
}

func pkceCookieName(secure bool) string {
	if secure {
		return securePKCECookie
	}
	return plainPKCECookie
}

// SetSessionCookie writes the session cookie with HttpOnly and SameSite=Lax.
func SetSessionCookie(w http.ResponseWriter, token string, expiresAt time.Time, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName(secure),
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(time.Until(expiresAt).Seconds()),
	})
}

// ClearSessionCookie overwrites the session cookie with MaxAge=-1 to trigger browser deletion.
func ClearSessionCookie(w http.ResponseWriter, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName(secure),
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

// setPKCECookie stores the code verifier for the calendar connect round trip.
func setPKCECookie(w http.ResponseWriter, verifier string, ttl time.Duration, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     pkceCookieName(secure),
		Value:    verifier,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(ttl.Seconds()),
	})
}

// clearPKCECookie expires the code verifier cookie immediately.
func clearPKCECookie(w http.ResponseWriter, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     pkceCookieName(secure),
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}
