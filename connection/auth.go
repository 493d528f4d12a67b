package connection

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenIssuer   = "goreplica"
	tokenLifetime = time.Minute
	tokenLeeway   = 5 * time.Second
)

// IssueToken creates the handshake token for nodeID, signed with secret.
func IssueToken(secret []byte, nodeID string, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   nodeID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenLifetime)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// VerifyToken checks that token was signed with secret for nodeID and has not expired.
func VerifyToken(secret []byte, token, nodeID string) error {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithSubject(nodeID),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(tokenLeeway),
	)
	return err
}
