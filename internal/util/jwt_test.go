package util

import (
	"lms_backend/internal/model"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "0123456789abcdef0123456789abcdef"

func TestJWTRoundTrip(t *testing.T) {
	user := &model.User{Email: "ada@example.com", Role: model.Student}
	user.ID = 9

	token, err := GenerateJWT(user, secret, time.Hour)
	require.NoError(t, err)

	claims, err := ParseJWT(token, secret)
	require.NoError(t, err)
	assert.EqualValues(t, 9, claims.UserID)
	assert.Equal(t, model.Student, claims.Role)

	_, err = ParseJWT(token, "another-secret-another-secret-xx")
	assert.Error(t, err)
}

func TestParseJWTRejectsExpiredAndForeignAlgorithms(t *testing.T) {
	user := &model.User{Email: "ada@example.com"}
	expired, err := GenerateJWT(user, secret, -time.Minute)
	require.NoError(t, err)
	_, err = ParseJWT(expired, secret)
	assert.Error(t, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: 1})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = ParseJWT(unsigned, secret)
	assert.Error(t, err)
}
