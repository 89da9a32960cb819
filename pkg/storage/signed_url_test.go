package storage

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSignAndVerify(t *testing.T) {
	signer := NewSignedURLSigner("secret", time.Hour)
	token, expiresAt, err := signer.Sign("s1", "transcripts/s1/file.csv")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	grant, err := signer.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "s1", grant.SessionID)
	require.Equal(t, "transcripts/s1/file.csv", grant.Path)
	require.WithinDuration(t, expiresAt, grant.ExpiresAt, time.Second)
}

func TestVerifyExpired(t *testing.T) {
	signer := NewSignedURLSigner("secret", time.Minute)
	base := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	signer.now = func() time.Time { return base }
	token, _, err := signer.Sign("s1", "a.csv")
	require.NoError(t, err)

	signer.now = func() time.Time { return base.Add(2 * time.Minute) }
	grant, err := signer.Verify(token)
	require.ErrorIs(t, err, ErrTokenExpired)
	require.Equal(t, "a.csv", grant.Path)
}

func TestVerifyRejectsTampering(t *testing.T) {
	signer := NewSignedURLSigner("secret", time.Hour)
	token, _, err := signer.Sign("s1", "a.csv")
	require.NoError(t, err)

	other := NewSignedURLSigner("other", time.Hour)
	_, err = other.Verify(token)
	require.ErrorIs(t, err, ErrInvalidToken)

	payload, sig, _ := strings.Cut(token, ".")
	_, err = signer.Verify(payload + "x." + sig)
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = signer.Verify("garbage")
	require.ErrorIs(t, err, ErrInvalidToken)

	_, _, err = signer.Sign("", "a.csv")
	require.Error(t, err)
}
