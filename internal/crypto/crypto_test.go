package crypto

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/duckoracle/internal/domain"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestSignAndVerifyPrediction(t *testing.T) {
	s, err := NewSigner("0x"+testKey, 1)
	require.NoError(t, err)

	p := domain.Prediction{
		MarketID: "m1", AgentID: "a1", Outcome: domain.OutcomeYes,
		Confidence: 80, Reasoning: "polls", Stake: domain.Units(25),
	}
	p.Signature, err = s.SignPrediction(p)
	require.NoError(t, err)

	v := NewVerifier(1)
	require.NoError(t, v.VerifyPrediction(s.Address(), p))

	tampered := p
	tampered.Stake = domain.Units(26)
	assert.ErrorIs(t, v.VerifyPrediction(s.Address(), tampered), domain.ErrUnauthorized)

	assert.ErrorIs(t, NewVerifier(2).VerifyPrediction(s.Address(), p), ErrBadSignature, "other chain")
	assert.ErrorIs(t, v.VerifyPrediction("0x0000000000000000000000000000000000000001", p), domain.ErrUnauthorized)

	unsigned := p
	unsigned.Signature = ""
	assert.ErrorIs(t, v.VerifyPrediction(s.Address(), unsigned), ErrBadSignature)
}

func TestEncryptedKeyRoundTrip(t *testing.T) {
	blob, err := EncryptKey(testKey, "hunter2")
	require.NoError(t, err)

	got, err := DecryptKey(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, testKey, got)

	_, err = DecryptKey(blob, "wrong")
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "agent.json")
	require.NoError(t, WriteKeyFile(path, "0x"+testKey, "hunter2"))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	s, err := LoadSigner(KeyConfig{EncryptedKeyPath: path, KeyPassword: "hunter2"}, 1)
	require.NoError(t, err)
	raw, err := NewSigner(testKey, 1)
	require.NoError(t, err)
	assert.Equal(t, raw.Address(), s.Address())

	_, err = LoadKey(KeyConfig{})
	assert.ErrorIs(t, err, ErrNoKey)
	_, err = EncryptKey("0xabcd", "hunter2")
	assert.Error(t, err, "short key")
}

func TestHMACAuth(t *testing.T) {
	h := &HMACAuth{Key: "k1", Secret: "s3cret", MaxSkew: time.Minute}
	now := time.Unix(1_700_000_000, 0)
	hdr := h.HeadersAt("POST", "/api/markets", `{"q":1}`, now)

	require.NoError(t, h.Verify(hdr[HeaderKey], hdr[HeaderTimestamp], hdr[HeaderSignature], "POST", "/api/markets", `{"q":1}`, now.Add(10*time.Second)))

	err := h.Verify(hdr[HeaderKey], hdr[HeaderTimestamp], hdr[HeaderSignature], "POST", "/api/markets", `{"q":2}`, now)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	err = h.Verify(hdr[HeaderKey], hdr[HeaderTimestamp], hdr[HeaderSignature], "POST", "/api/markets", `{"q":1}`, now.Add(2*time.Minute))
	assert.ErrorIs(t, err, domain.ErrUnauthorized, "stale timestamp")
	err = h.Verify("k2", hdr[HeaderTimestamp], hdr[HeaderSignature], "POST", "/api/markets", `{"q":1}`, now)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.NotContains(t, h.String(), "s3cret")
}
