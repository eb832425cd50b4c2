package api

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
)

const (
	roleClaim = "role"
	subClaim  = "sub"
	expClaim  = "exp"

	RoleModerator = "moderator"

	DefaultModeratorExp = time.Hour * 12
)

var (
	errMissingBearer = errors.New("missing bearer token")
	errNotModerator  = errors.New("token lacks moderator role")
)

// CreateModeratorToken mints a bearer token accepted by the moderator
// endpoints.
func CreateModeratorToken(signingKey []byte, subject string, exp time.Duration) (string, error) {
	if len(signingKey) == 0 {
		return "", errors.New("empty signing key")
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		subClaim:  subject,
		roleClaim: RoleModerator,
		expClaim:  time.Now().Add(exp).Unix(),
	})

	return token.SignedString(signingKey)
}

func verifyToken(signingKey []byte, tokenString string) (*jwt.Token, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return signingKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return token, nil
}

func verifyModerator(signingKey []byte, r *http.Request) error {
	tokenString, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || tokenString == "" {
		return errMissingBearer
	}

	token, err := verifyToken(signingKey, tokenString)
	if err != nil {
		return fmt.Errorf("verify token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return fmt.Errorf("invalid token claims")
	}

	if role, _ := claims[roleClaim].(string); role != RoleModerator {
		return errNotModerator
	}

	return nil
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

// moderatorMiddleware guards review endpoints: the address allowlist comes
// first, then the failure lockout, then the bearer token. An empty allowlist
// admits every address.
func (s *RoomsApp) moderatorMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		addr := clientAddr(r)
		if len(s.adminAllowlist) > 0 && !slices.Contains(s.adminAllowlist, addr) {
			s.writeError(w, NewForbiddenError())
			return
		}

		if remaining, locked := s.lockout.Locked(addr); locked {
			secs := int((remaining + time.Second - 1) / time.Second)
			s.writeError(w, NewTooManyRequestsError(fmt.Sprintf("too many failed attempts, retry in %ds", secs)))
			return
		}

		if err := verifyModerator(s.signingKey, r); err != nil {
			s.log.Println("moderator auth failed:", err)
			s.lockout.Fail(addr)
			s.writeError(w, NewUnauthorizedError())
			return
		}

		s.lockout.Reset(addr)
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")

		next(w, r)
	}
}
