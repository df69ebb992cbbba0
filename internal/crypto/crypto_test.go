package crypto

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alanyoungcy/fusemargin/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Hardhat's first development account.
const (
	devKey  = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	devAddr = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

func TestSignerAddress(t *testing.T) {
	s, err := NewSigner(devKey, 31337)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(devAddr), s.Address())

	_, err = NewSigner("0xnothex", 31337)
	require.Error(t, err)
}

func TestRequestRoundTrip(t *testing.T) {
	s, err := NewSigner(devKey, 31337)
	require.NoError(t, err)

	req := MarginRequest{
		Action:      "open",
		Amount:      "50000000",
		Flash:       "3000000000000000000000",
		SlippageBps: 100,
		Nonce:       1,
		Deadline:    1_900_000_000,
	}
	sig, err := s.SignRequest(req)
	require.NoError(t, err)
	assert.Len(t, sig, 2+130)

	got, err := RecoverRequest(req, sig, 31337)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), got)

	tampered := req
	tampered.Amount = "50000001"
	got, err = RecoverRequest(tampered, sig, 31337)
	require.NoError(t, err)
	assert.NotEqual(t, s.Address(), got)

	got, err = RecoverRequest(req, sig, 1)
	require.NoError(t, err)
	assert.NotEqual(t, s.Address(), got, "signature must be bound to the chain id")

	d1, err := RequestDigest(req, 31337)
	require.NoError(t, err)
	d2, err := RequestDigest(tampered, 31337)
	require.NoError(t, err)
	assert.NotEqual(t, d1, d2)
	transfer := req
	transfer.To = "0x00000000000000000000000000000000000b0b00"
	d3, err := RequestDigest(transfer, 31337)
	require.NoError(t, err)
	assert.NotEqual(t, d1, d3)
}

func TestRecoverRejectsGarbage(t *testing.T) {
	_, err := RecoverRequest(MarginRequest{Action: "close"}, "0x1234", 31337)
	require.ErrorIs(t, err, domain.ErrBadSignature)

	_, err = RecoverRequest(MarginRequest{Action: "open", Amount: "-5"}, "0x", 31337)
	require.ErrorIs(t, err, domain.ErrInvalidParams)

	_, err = RecoverRequest(MarginRequest{Action: "transfer", To: "bob"}, "0x", 31337)
	require.ErrorIs(t, err, domain.ErrInvalidParams)
}

func TestAttestation(t *testing.T) {
	s, err := GenerateSigner(31337)
	require.NoError(t, err)

	r := domain.Receipt{
		TxID:       "5d8f3f9e-4a3c-4e1b-9a47-1f0ad6c1c2b7",
		Block:      12,
		From:       common.HexToAddress("0xa11ce"),
		Operation:  "open",
		PositionID: 1,
		Status:     domain.TxSuccess,
	}
	sig, err := s.Attest(r)
	require.NoError(t, err)
	require.NoError(t, VerifyAttestation(r, sig, 31337, s.Address()))

	r.Status = domain.TxReverted
	require.ErrorIs(t, VerifyAttestation(r, sig, 31337, s.Address()), domain.ErrBadSignature)
}

func TestHMACVerify(t *testing.T) {
	auth := &HMACAuth{Key: "ops", Secret: "s3cret"}
	now := time.Unix(1_800_000_000, 0)
	body := `{"to":"0x0a11ce"}`

	header := http.Header{}
	for k, v := range auth.HeadersAt(http.MethodPost, "/api/faucet", body, now.Unix()) {
		header.Set(k, v)
	}
	require.NoError(t, auth.Verify(header, http.MethodPost, "/api/faucet", body, now.Add(10*time.Second), time.Minute))

	err := auth.Verify(header, http.MethodPost, "/api/faucet", `{"to":"0x3a11"}`, now, time.Minute)
	require.ErrorIs(t, err, domain.ErrBadSignature)

	err = auth.Verify(header, http.MethodPost, "/api/faucet", body, now.Add(2*time.Minute), time.Minute)
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	header.Set(HeaderAdminKey, "intruder")
	err = auth.Verify(header, http.MethodPost, "/api/faucet", body, now, time.Minute)
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	assert.Equal(t, "HMACAuth{key=****, secret=s3cr****}", auth.String())
}

func TestKeyFileRoundTrip(t *testing.T) {
	blob, err := EncryptKey(devKey, "hunter2")
	require.NoError(t, err)

	key, err := DecryptKey(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, devKey[2:], key)

	_, err = DecryptKey(blob, "wrong")
	require.Error(t, err)

	_, err = EncryptKey(devKey, "")
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "operator.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	s, err := LoadSigner(KeyConfig{EncryptedKeyPath: path, KeyPassword: "hunter2"}, 31337, false)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(devAddr), s.Address())
}

func TestLoadSignerEphemeral(t *testing.T) {
	_, err := LoadSigner(KeyConfig{}, 31337, false)
	require.Error(t, err)

	s, err := LoadSigner(KeyConfig{}, 31337, true)
	require.NoError(t, err)
	assert.NotEqual(t, common.Address{}, s.Address())
}
