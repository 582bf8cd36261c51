package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"vbtix/internal/models"

	"github.com/golang-jwt/jwt/v5"
)

// HeaderSessionID carries the anonymous checkout session. Every buyer
// has one; guests have nothing else.
const HeaderSessionID = "X-Session-ID"

var ErrMissingSession = errors.New("missing X-Session-ID header")

// ResolveBuyer builds the buyer identity for a request. A session
// header is always required. A Bearer token upgrades the buyer to an
// authenticated user; an absent token is not an error, a malformed one
// is.
func ResolveBuyer(r *http.Request) (models.Buyer, error) {
	sessionID := r.Header.Get(HeaderSessionID)
	if sessionID == "" {
		return models.Buyer{}, ErrMissingSession
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return models.GuestBuyer(sessionID), nil
	}

	token, err := extractBearerToken(authHeader)
	if err != nil {
		return models.Buyer{}, err
	}
	userID, err := ExtractUserIDFromJWT(token)
	if err != nil {
		return models.Buyer{}, err
	}
	return models.AuthenticatedBuyer(userID, sessionID), nil
}

func extractBearerToken(authHeader string) (string, error) {
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("authorization header format must be 'Bearer {token}'")
	}
	return parts[1], nil
}

// ExtractUserIDFromJWT extracts the user ID from a JWT token.
// The gateway in front of this service has already validated the
// signature; here we only need the subject claim.
func ExtractUserIDFromJWT(tokenString string) (string, error) {
	if tokenString == "" {
		return "", errors.New("empty token")
	}

	token, _, err := new(jwt.Parser).ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid token claims")
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", errors.New("subject claim not found in token")
	}

	return sub, nil
}
