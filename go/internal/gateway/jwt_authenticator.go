package gateway

import (
	"context"
	"fmt"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// JWTAuthenticator accepts an apiKey that is an HS256 token signed with the
// shared secret whose subject is the connecting user id.
type JWTAuthenticator struct {
	secret []byte
	parser *gojwt.Parser
}

func NewJWTAuthenticator(secret []byte) *JWTAuthenticator {
	return &JWTAuthenticator{
		secret: secret,
		parser: gojwt.NewParser(gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()})),
	}
}

func (a *JWTAuthenticator) Authenticate(_ context.Context, userID, apiKey string) error {
	if apiKey == "" {
		return fmt.Errorf("missing api key: %w", ErrUnauthorized)
	}
	token, err := a.parser.Parse(apiKey, func(*gojwt.Token) (interface{}, error) {
		return a.secret, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	subject, err := token.Claims.GetSubject()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if subject != userID {
		return fmt.Errorf("api key issued to %q: %w", subject, ErrUnauthorized)
	}
	return nil
}
