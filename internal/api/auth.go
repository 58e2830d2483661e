package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// hmacReplayWindow bounds how far a signed request's timestamp may drift
// from the engine's clock.
const hmacReplayWindow = 5 * time.Minute

// authMiddleware authenticates Control-Plane requests. Two schemes are
// accepted: Bearer with the shared secret, and HMAC over
// "<timestamp>:<METHOD>:<PATH>". When an IP allowlist is configured,
// unlisted peers are rejected before the token is even looked at.
func (h *Handler) authMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if len(h.allowedIPs) > 0 {
			peer := peerIP(c.Request())
			if !h.allowedIPs[peer] {
				return echo.NewHTTPError(http.StatusForbidden, "forbidden")
			}
		}

		header := c.Request().Header.Get(echo.HeaderAuthorization)
		scheme, credentials, found := strings.Cut(header, " ")
		if !found {
			return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
		}

		switch scheme {
		case "Bearer":
			if subtle.ConstantTimeCompare([]byte(credentials), []byte(h.secret)) == 1 {
				return next(c)
			}
		case "HMAC":
			if h.verifyHMAC(credentials, c.Request().Method, c.Request().URL.Path) {
				return next(c)
			}
		}
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
}

// verifyHMAC checks credentials of the form "<unix-timestamp>:<hex-sig>"
// where sig = HMAC-SHA256(secret, "<timestamp>:<METHOD>:<PATH>").
func (h *Handler) verifyHMAC(credentials, method, path string) bool {
	tsRaw, sig, found := strings.Cut(credentials, ":")
	if !found {
		return false
	}
	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return false
	}

	drift := time.Since(time.Unix(ts, 0))
	if drift > hmacReplayWindow || drift < -hmacReplayWindow {
		return false
	}

	mac := hmac.New(sha256.New, []byte(h.secret))
	fmt.Fprintf(mac, "%s:%s:%s", tsRaw, method, path)
	expected := hex.EncodeToString(mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(sig)) == 1
}

func peerIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
