package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/justchat/justchat/internal/types"
	"github.com/teris-io/shortid"
)

const (
	subClaim   = "sub"
	nameClaim  = "name"
	guestClaim = "guest"
	expClaim   = "exp"

	defaultExp    = 7 * 24 * time.Hour
	defaultName   = "Guest"
	maxNameLength = 50
)

// Authenticator issues and verifies the bearer credentials presented at
// connect time. Identities are self-contained signed claims; nothing is
// stored server side.
type Authenticator struct {
	signingKey []byte
	tokenTTL   time.Duration
}

func NewAuthenticator(signingKey []byte) *Authenticator {
	return &Authenticator{
		signingKey: signingKey,
		tokenTTL:   defaultExp,
	}
}

// IssueGuest mints a credential for a guest identity. The generated id
// combines the current time with a random suffix so ids stay unique
// across instances without coordination.
func (a *Authenticator) IssueGuest(name string) (string, types.User, error) {
	if name == "" {
		name = defaultName
	}
	if runes := []rune(name); len(runes) > maxNameLength {
		name = string(runes[:maxNameLength])
	}

	suffix, err := shortid.Generate()
	if err != nil {
		return "", types.User{}, fmt.Errorf("generate id: %w", err)
	}

	user := types.User{
		Id:      fmt.Sprintf("guest_%d_%s", time.Now().UnixMilli(), suffix),
		Name:    name,
		IsGuest: true,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		subClaim:   user.Id,
		nameClaim:  user.Name,
		guestClaim: true,
		expClaim:   time.Now().Add(a.tokenTTL).Unix(),
	})

	signed, err := token.SignedString(a.signingKey)
	if err != nil {
		return "", types.User{}, fmt.Errorf("sign token: %w", err)
	}

	return signed, user, nil
}

// Verify validates a bearer credential and extracts the identity claims.
// Missing, malformed, expired and badly signed tokens all fail here,
// before any session state exists.
func (a *Authenticator) Verify(tokenString string) (types.User, error) {
	if tokenString == "" {
		return types.User{}, fmt.Errorf("no token provided")
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		return a.signingKey, nil
	})
	if err != nil {
		return types.User{}, fmt.Errorf("parse token: %w", err)
	}

	if !token.Valid {
		return types.User{}, fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return types.User{}, fmt.Errorf("invalid token claims")
	}

	sub, ok := claims[subClaim].(string)
	if !ok || sub == "" {
		return types.User{}, fmt.Errorf("invalid subject claim")
	}

	name, _ := claims[nameClaim].(string)
	if name == "" {
		name = defaultName
	}
	isGuest, _ := claims[guestClaim].(bool)

	return types.User{
		Id:      sub,
		Name:    name,
		IsGuest: isGuest,
	}, nil
}
