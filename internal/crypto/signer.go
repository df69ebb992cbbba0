package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/alanyoungcy/fusemargin/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Domain name and version every signature in this package is bound to.
const (
	DomainName    = "FuseMargin"
	DomainVersion = "1"
)

// --------------------------------------------------------------------------
// EIP-712 type hashes (keccak256 of the canonical type strings).
// --------------------------------------------------------------------------

var (
	eip712DomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId)"),
	)

	marginRequestTypeHash = ethcrypto.Keccak256(
		[]byte("MarginRequest(string action,uint256 positionId,uint256 amount,uint256 flash,uint256 slippageBps,uint256 nonce,uint256 deadline,address to)"),
	)

	receiptTypeHash = ethcrypto.Keccak256(
		[]byte("Receipt(string txId,uint256 block,address from,string operation,uint256 positionId,string status)"),
	)
)

// MarginRequest is what a trader signs to ask the service to act on their
// behalf. Amounts are base-unit decimal strings so they survive JSON intact.
// The recovered signer becomes the transaction sender.
type MarginRequest struct {
	Action      string `json:"action"` // open, add, withdraw, close, transfer
	PositionID  uint64 `json:"position_id"`
	Amount      string `json:"amount"`
	Flash       string `json:"flash"`
	SlippageBps uint64 `json:"slippage_bps"`
	Nonce       uint64 `json:"nonce"`
	Deadline    int64  `json:"deadline"`     // unix seconds
	To          string `json:"to,omitempty"` // transfer recipient
}

// Signer signs margin requests and receipt attestations.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    int
	domainSep  []byte // cached EIP-712 domain separator hash
}

// NewSigner creates a Signer from a hex-encoded secp256k1 private key.
func NewSigner(privateKeyHex string, chainID int) (*Signer, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	pk, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return newSigner(pk, chainID), nil
}

// GenerateSigner creates a Signer around a fresh random key.
func GenerateSigner(chainID int) (*Signer, error) {
	pk, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: generate key: %w", err)
	}
	return newSigner(pk, chainID), nil
}

func newSigner(pk *ecdsa.PrivateKey, chainID int) *Signer {
	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		chainID:    chainID,
		domainSep:  domainSeparator(chainID),
	}
}

// Address returns the Ethereum address derived from the signer's private key.
func (s *Signer) Address() common.Address {
	return s.address
}

// ChainID returns the chain the signer's domain is bound to.
func (s *Signer) ChainID() int {
	return s.chainID
}

// SignRequest signs req and returns a hex-encoded 65-byte signature.
func (s *Signer) SignRequest(req MarginRequest) (string, error) {
	structHash, err := requestStructHash(req)
	if err != nil {
		return "", err
	}
	return s.signDigest(eip712Hash(s.domainSep, structHash))
}

// Attest signs the identifying fields of a receipt so consumers of the
// event stream can tell it came from this operator.
func (s *Signer) Attest(r domain.Receipt) (string, error) {
	return s.signDigest(eip712Hash(s.domainSep, receiptStructHash(r)))
}

// RecoverRequest returns the address that signed req for chainID.
func RecoverRequest(req MarginRequest, signature string, chainID int) (common.Address, error) {
	structHash, err := requestStructHash(req)
	if err != nil {
		return common.Address{}, err
	}
	return recoverDigest(eip712Hash(domainSeparator(chainID), structHash), signature)
}

// RequestDigest is the EIP-712 digest of req under chainID. It identifies
// a request for replay checks.
func RequestDigest(req MarginRequest, chainID int) (common.Hash, error) {
	structHash, err := requestStructHash(req)
	if err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(eip712Hash(domainSeparator(chainID), structHash)), nil
}

// VerifyAttestation checks that signature over r was made by operator.
func VerifyAttestation(r domain.Receipt, signature string, chainID int, operator common.Address) error {
	got, err := recoverDigest(eip712Hash(domainSeparator(chainID), receiptStructHash(r)), signature)
	if err != nil {
		return err
	}
	if got != operator {
		return fmt.Errorf("crypto/signer: attestation by %s, want %s: %w", got.Hex(), operator.Hex(), domain.ErrBadSignature)
	}
	return nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// domainSeparator returns keccak256(abi.encode(typeHash, nameHash, versionHash, chainId)).
func domainSeparator(chainID int) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			eip712DomainTypeHash,
			ethcrypto.Keccak256([]byte(DomainName)),
			ethcrypto.Keccak256([]byte(DomainVersion)),
			bigIntTo32Bytes(big.NewInt(int64(chainID))),
		),
	)
}

// eip712Hash computes the final EIP-712 digest:
//
//	keccak256("\x19\x01" || domainSeparator || structHash)
func eip712Hash(domainSep, structHash []byte) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			[]byte{0x19, 0x01},
			domainSep,
			structHash,
		),
	)
}

// signDigest signs a 32-byte digest and returns r || s || v hex-encoded
// with v in {27,28}.
func (s *Signer) signDigest(digest []byte) (string, error) {
	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: signing: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + hex.EncodeToString(sig), nil
}

func recoverDigest(digest []byte, signature string) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil || len(sig) != 65 {
		return common.Address{}, fmt.Errorf("crypto/signer: malformed signature: %w", domain.ErrBadSignature)
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/signer: recover: %w", domain.ErrBadSignature)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

func requestStructHash(r MarginRequest) ([]byte, error) {
	amount, err := parseUint(r.Amount, "amount")
	if err != nil {
		return nil, err
	}
	flash, err := parseUint(r.Flash, "flash")
	if err != nil {
		return nil, err
	}
	var to common.Address
	if r.To != "" {
		if !common.IsHexAddress(r.To) {
			return nil, fmt.Errorf("crypto/signer: invalid to %q: %w", r.To, domain.ErrInvalidParams)
		}
		to = common.HexToAddress(r.To)
	}
	return ethcrypto.Keccak256(
		concatBytes(
			marginRequestTypeHash,
			ethcrypto.Keccak256([]byte(r.Action)),
			bigIntTo32Bytes(new(big.Int).SetUint64(r.PositionID)),
			bigIntTo32Bytes(amount),
			bigIntTo32Bytes(flash),
			bigIntTo32Bytes(new(big.Int).SetUint64(r.SlippageBps)),
			bigIntTo32Bytes(new(big.Int).SetUint64(r.Nonce)),
			bigIntTo32Bytes(big.NewInt(r.Deadline)),
			common.LeftPadBytes(to.Bytes(), 32),
		),
	), nil
}

func receiptStructHash(r domain.Receipt) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			receiptTypeHash,
			ethcrypto.Keccak256([]byte(r.TxID)),
			bigIntTo32Bytes(new(big.Int).SetUint64(r.Block)),
			common.LeftPadBytes(r.From.Bytes(), 32),
			ethcrypto.Keccak256([]byte(r.Operation)),
			bigIntTo32Bytes(new(big.Int).SetUint64(r.PositionID)),
			ethcrypto.Keccak256([]byte(r.Status)),
		),
	)
}

// parseUint reads a base-10 unsigned integer; empty means zero.
func parseUint(s, field string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 || n.BitLen() > 256 {
		return nil, fmt.Errorf("crypto/signer: invalid %s %q: %w", field, s, domain.ErrInvalidParams)
	}
	return n, nil
}

// bigIntTo32Bytes returns a 32-byte big-endian representation of n.
func bigIntTo32Bytes(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) >= 32 {
		return b[:32]
	}
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}

// concatBytes concatenates multiple byte slices into one.
func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}
