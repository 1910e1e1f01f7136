package utils

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dgrijalva/jwt-go"
)

// JwtCustomClaim identifies the operator or device calling the sync API.
type JwtCustomClaim struct {
	ID       int64  `json:"id"`
	Role     string `json:"role"`
	DeviceID string `json:"device_id,omitempty"`
	jwt.StandardClaims
}

var jwtSecret = []byte(getJwtSecret())

func getJwtSecret() string {
	secret := os.Getenv("API_SECRET")
	if secret == "" {
		return "Genealogy-Secret"
	}
	return secret
}

// JwtGenerate signs a token AuthMiddleware accepts. Tokens are issued by the
// account service; this is kept for tooling and tests.
func JwtGenerate(userID int64, role, deviceID string) (string, error) {
	lifespan := 24
	if v := os.Getenv("TOKEN_HOUR_LIFESPAN"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return "", err
		}
		lifespan = n
	}

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, &JwtCustomClaim{
		ID:       userID,
		Role:     role,
		DeviceID: deviceID,
		StandardClaims: jwt.StandardClaims{
			ExpiresAt: time.Now().Add(time.Hour * time.Duration(lifespan)).Unix(),
			IssuedAt:  time.Now().Unix(),
		},
	})

	return t.SignedString(jwtSecret)
}

func JwtValidate(token string) (*jwt.Token, error) {
	return jwt.ParseWithClaims(token, &JwtCustomClaim{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("there's a problem with the signing method")
		}
		return jwtSecret, nil
	})
}
