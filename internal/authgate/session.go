package authgate

import (
	"net/http"
	"time"
)

// Cookie names for the session token pair.
const (
	CookieAccessToken  = "cw_access_token"
	CookieRefreshToken = "cw_refresh_token"
)

// ReadSession extracts the session pair from request cookies. The second
// return value is false when neither cookie is present.
func ReadSession(request *http.Request) (SessionPair, bool) {
	var pair SessionPair
	if cookie, err := request.Cookie(CookieAccessToken); err == nil {
		pair.AccessToken = cookie.Value
	}
	if cookie, err := request.Cookie(CookieRefreshToken); err == nil {
		pair.RefreshToken = cookie.Value
	}
	return pair, pair.AccessToken != "" || pair.RefreshToken != ""
}

// WriteSession stores the pair on the response so subsequent requests in the
// same browser session carry the refreshed credentials.
func WriteSession(writer http.ResponseWriter, pair SessionPair, accessTTL time.Duration, refreshTTL time.Duration) {
	http.SetCookie(writer, sessionCookie(CookieAccessToken, pair.AccessToken, accessTTL))
	http.SetCookie(writer, sessionCookie(CookieRefreshToken, pair.RefreshToken, refreshTTL))
}

// ClearSession expires both session cookies.
func ClearSession(writer http.ResponseWriter) {
	http.SetCookie(writer, sessionCookie(CookieAccessToken, "", -time.Second))
	http.SetCookie(writer, sessionCookie(CookieRefreshToken, "", -time.Second))
}

func sessionCookie(name string, value string, ttl time.Duration) *http.Cookie {
	maxAge := int(ttl / time.Second)
	if value == "" {
		maxAge = -1
	}
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}
