package crypto

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/circuitbreaker/internal/domain"
)

func newKeyHex(t *testing.T) string {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	return hex.EncodeToString(ethcrypto.FromECDSA(key))
}

func fastKDF(t *testing.T) {
	t.Helper()
	prev := kdfIterations
	kdfIterations = 1000
	t.Cleanup(func() { kdfIterations = prev })
}

func TestSealOpenKey(t *testing.T) {
	fastKDF(t)
	keyHex := newKeyHex(t)

	sealed, err := SealKey("0x"+keyHex, "correct horse")
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), keyHex)

	opened, err := OpenKey(sealed, "correct horse")
	require.NoError(t, err)
	assert.Equal(t, keyHex, opened)

	_, err = OpenKey(sealed, "wrong")
	assert.ErrorContains(t, err, "decryption failed")
}

func TestSealKeyRejectsBadInput(t *testing.T) {
	_, err := SealKey(newKeyHex(t), "")
	assert.Error(t, err)
	_, err = SealKey("0x1234", "pw")
	assert.ErrorContains(t, err, "expected 32-byte key")
	_, err = SealKey("zz", "pw")
	assert.ErrorContains(t, err, "invalid private key hex")
}

func TestLoadKey(t *testing.T) {
	fastKDF(t)
	keyHex := newKeyHex(t)

	got, err := LoadKey(KeySource{RawPrivateKey: "0x" + keyHex})
	require.NoError(t, err)
	assert.Equal(t, keyHex, got)

	sealed, err := SealKey(keyHex, "pw")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(path, sealed, 0o600))

	got, err = LoadKey(KeySource{EncryptedKeyPath: path, KeyPassword: "pw"})
	require.NoError(t, err)
	assert.Equal(t, keyHex, got)

	_, err = LoadKey(KeySource{})
	assert.Error(t, err)
}

func testVerdict() domain.Verdict {
	return domain.Verdict{
		ID:        "v1",
		AuctionID: 42,
		TxHash:    common.HexToHash("0xbeef"),
		Solver:    common.HexToAddress("0xaa"),
		Status:    domain.VerdictInvalid,
		Results:   &domain.CheckResults{Solver: true, Orders: false, Score: true, Hooks: true},
		CheckedAt: time.Unix(1700000000, 0).UTC(),
	}
}

func TestAttestAndVerify(t *testing.T) {
	attestor, err := NewAttestor(newKeyHex(t), 1)
	require.NoError(t, err)

	v := testVerdict()
	require.NoError(t, attestor.Attest(&v))
	require.NotNil(t, v.Attestation)
	assert.Equal(t, attestor.Address(), v.Attestation.Signer)
	assert.Len(t, v.Attestation.Signature, 65)

	assert.NoError(t, VerifyAttestation(v, 1))

	t.Run("other chain", func(t *testing.T) {
		assert.ErrorIs(t, VerifyAttestation(v, 100), ErrBadSignature)
	})

	t.Run("tampered status", func(t *testing.T) {
		tampered := v
		tampered.Status = domain.VerdictPassed
		assert.ErrorIs(t, VerifyAttestation(tampered, 1), ErrBadSignature)
	})

	t.Run("tampered results", func(t *testing.T) {
		tampered := v
		tampered.Results = &domain.CheckResults{Solver: true, Orders: true, Score: true, Hooks: true}
		assert.ErrorIs(t, VerifyAttestation(tampered, 1), ErrBadSignature)
	})

	t.Run("unsigned", func(t *testing.T) {
		assert.ErrorIs(t, VerifyAttestation(testVerdict(), 1), ErrBadSignature)
	})
}

func TestCheckMask(t *testing.T) {
	assert.Equal(t, uint8(0), CheckMask(nil))
	assert.Equal(t, uint8(0b1101), CheckMask(&domain.CheckResults{Solver: true, Score: true, Hooks: true}))
	assert.Equal(t, uint8(0b1111), CheckMask(&domain.CheckResults{Solver: true, Orders: true, Score: true, Hooks: true}))
}

func TestSignPayload(t *testing.T) {
	body := []byte(`{"event":"invalid_settlement"}`)
	sig := SignPayload("secret", 1700000000, body)

	assert.Len(t, sig, 64)
	assert.True(t, VerifyPayload("secret", 1700000000, body, sig))
	assert.False(t, VerifyPayload("other", 1700000000, body, sig))
	assert.False(t, VerifyPayload("secret", 1700000001, body, sig))
	assert.False(t, VerifyPayload("secret", 1700000000, body, "not-hex"))
}
