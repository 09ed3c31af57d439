package signal

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrWrongRoom    = errors.New("token not valid for room")
)

// RoomClaims grants the bearer access to one signaling room.
type RoomClaims struct {
	RoomID string `json:"room_id"`
	jwt.RegisteredClaims
}

// TokenAuthority issues and validates HMAC-signed room tokens.
type TokenAuthority struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenAuthority(secret string, ttl time.Duration) *TokenAuthority {
	return &TokenAuthority{secret: []byte(secret), ttl: ttl}
}

func (a *TokenAuthority) TTL() time.Duration { return a.ttl }

// Issue returns a token admitting subject to roomID.
func (a *TokenAuthority) Issue(roomID, subject string) (string, error) {
	now := time.Now()
	claims := &RoomClaims{
		RoomID: roomID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func (a *TokenAuthority) Validate(tokenString string) (*RoomClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &RoomClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return a.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*RoomClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrInvalidToken
}

// Authorize validates tokenString and checks that it was issued for roomID.
func (a *TokenAuthority) Authorize(tokenString, roomID string) (*RoomClaims, error) {
	claims, err := a.Validate(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.RoomID != roomID {
		return nil, ErrWrongRoom
	}
	return claims, nil
}
