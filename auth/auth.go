// Package auth signs the service credential used by on-demand triggers and
// the per-dose tokens that let a notification click mark its dose taken.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken occurs when a token is malformed, expired, or for something else
var ErrInvalidToken = errors.New("invalid token")

const (
	serviceSubject = "service"
	tokenService   = "service"
	tokenAck       = "ack"

	// DefaultServiceExpiry of service tokens
	DefaultServiceExpiry = time.Hour
	// DefaultAckExpiry of dose acknowledgment tokens
	DefaultAckExpiry = 24 * time.Hour
)

// Signer issues and validates HS256 tokens
type Signer struct {
	secret []byte
	now    func() time.Time

	ServiceExpiry time.Duration
	AckExpiry     time.Duration
}

// NewSigner with the shared secret
func NewSigner(secret string) (*Signer, error) {
	if secret == "" {
		return nil, errors.New("auth: empty secret")
	}

	return &Signer{
		secret:        []byte(secret),
		now:           time.Now,
		ServiceExpiry: DefaultServiceExpiry,
		AckExpiry:     DefaultAckExpiry,
	}, nil
}

func (s *Signer) sign(claims jwt.MapClaims, expiry time.Duration) (string, error) {
	now := s.now()
	claims["iat"] = now.Unix()
	claims["exp"] = now.Add(expiry).Unix()

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s *Signer) parse(tokenString, kind string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims", ErrInvalidToken)
	}

	if typ, _ := claims["typ"].(string); typ != kind {
		return nil, fmt.Errorf("%w: not a %s token", ErrInvalidToken, kind)
	}

	return claims, nil
}

// IssueServiceToken for on-demand reminder runs and device registration
func (s *Signer) IssueServiceToken() (string, error) {
	return s.sign(jwt.MapClaims{
		"sub": serviceSubject,
		"typ": tokenService,
		"jti": uuid.New().String(),
	}, s.ServiceExpiry)
}

// ValidateServiceToken returns nil for a valid unexpired service token
func (s *Signer) ValidateServiceToken(tokenString string) error {
	claims, err := s.parse(tokenString, tokenService)
	if err != nil {
		return err
	}

	if sub, _ := claims["sub"].(string); sub != serviceSubject {
		return fmt.Errorf("%w: subject %q", ErrInvalidToken, sub)
	}

	return nil
}

// IssueAckToken allows marking exactly one dose as taken
func (s *Signer) IssueAckToken(userID, medicationID, doseTime string) (string, error) {
	return s.sign(jwt.MapClaims{
		"sub":  userID,
		"typ":  tokenAck,
		"med":  medicationID,
		"dose": doseTime,
	}, s.AckExpiry)
}

// ValidateAckToken checks tokenString was issued for this user, medication, and dose time
func (s *Signer) ValidateAckToken(tokenString, userID, medicationID, doseTime string) error {
	claims, err := s.parse(tokenString, tokenAck)
	if err != nil {
		return err
	}

	sub, _ := claims["sub"].(string)
	med, _ := claims["med"].(string)
	dose, _ := claims["dose"].(string)
	if sub != userID || med != medicationID || dose != doseTime {
		return fmt.Errorf("%w: issued for a different dose", ErrInvalidToken)
	}

	return nil
}
