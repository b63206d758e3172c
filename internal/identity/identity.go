package identity

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"quiz-arena-service/internal/domain"
)

// Verifier checks bearer tokens issued by the identity provider and extracts
// the stable player identity. HS256 with a shared secret; the uid claim is
// the player key everywhere else in the system.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

type claims struct {
	Name    string `json:"name"`
	Picture string `json:"picture"`
	jwt.RegisteredClaims
}

// Verify parses and validates the token and returns the actor identity.
func (v *Verifier) Verify(token string) (domain.Identity, error) {
	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || c.Subject == "" {
		return domain.Identity{}, domain.ErrUnauthorized
	}
	return domain.Identity{
		UID:         c.Subject,
		DisplayName: c.Name,
		PhotoURL:    c.Picture,
	}, nil
}

// Token mints a signed token for the identity. Used by tests and dev tooling;
// production tokens come from the external provider.
func (v *Verifier) Token(actor domain.Identity) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Name:    actor.DisplayName,
		Picture: actor.PhotoURL,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: actor.UID,
		},
	})
	return token.SignedString(v.secret)
}
