package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/duckoracle/internal/domain"
)

// Domain name and version of the EIP-712 signing domain.
const (
	DomainName    = "DuckOracle"
	DomainVersion = "1"
)

var (
	eip712DomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId)"),
	)
	predictionTypeHash = ethcrypto.Keccak256(
		[]byte("Prediction(string marketId,string agentId,string outcome,uint256 confidence,string reasoning,uint256 stake)"),
	)
)

// ErrBadSignature is returned when a prediction signature does not recover
// to the agent's registered address.
var ErrBadSignature = fmt.Errorf("invalid prediction signature: %w", domain.ErrUnauthorized)

// Signer signs predictions with an agent's secp256k1 key.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	domainSep  []byte
}

// NewSigner creates a Signer from a hex-encoded private key for chainID.
func NewSigner(privateKeyHex string, chainID int64) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		domainSep:  domainSeparator(chainID),
	}, nil
}

// Address returns the checksummed address of the signing key.
func (s *Signer) Address() string {
	return s.address.Hex()
}

// SignPrediction returns the hex-encoded 65-byte signature (v in {27,28})
// over p's market, agent, outcome, confidence, reasoning and stake.
func (s *Signer) SignPrediction(p domain.Prediction) (string, error) {
	sig, err := ethcrypto.Sign(predictionDigest(s.domainSep, p), s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: signing: %w", err)
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// Verifier recovers prediction signers. It satisfies the resolver's
// signature check.
type Verifier struct {
	domainSep []byte
}

// NewVerifier creates a Verifier for chainID.
func NewVerifier(chainID int64) *Verifier {
	return &Verifier{domainSep: domainSeparator(chainID)}
}

// VerifyPrediction checks that p.Signature was produced by address.
func (v *Verifier) VerifyPrediction(address string, p domain.Prediction) error {
	if !common.IsHexAddress(address) {
		return fmt.Errorf("crypto/signer: bad address %q: %w", address, ErrBadSignature)
	}
	if p.Signature == "" {
		return fmt.Errorf("crypto/signer: missing signature: %w", ErrBadSignature)
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(p.Signature, "0x"))
	if err != nil || len(sig) != 65 {
		return fmt.Errorf("crypto/signer: malformed signature: %w", ErrBadSignature)
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(predictionDigest(v.domainSep, p), sig)
	if err != nil {
		return fmt.Errorf("crypto/signer: recover: %w", errors.Join(ErrBadSignature, err))
	}
	if ethcrypto.PubkeyToAddress(*pub) != common.HexToAddress(address) {
		return fmt.Errorf("crypto/signer: signer mismatch: %w", ErrBadSignature)
	}
	return nil
}

// domainSeparator returns keccak256(abi.encode(typeHash, name, version, chainId)).
func domainSeparator(chainID int64) []byte {
	return ethcrypto.Keccak256(concatBytes(
		eip712DomainTypeHash,
		ethcrypto.Keccak256([]byte(DomainName)),
		ethcrypto.Keccak256([]byte(DomainVersion)),
		bigIntTo32Bytes(big.NewInt(chainID)),
	))
}

// predictionDigest is keccak256("\x19\x01" || domainSeparator || structHash).
func predictionDigest(domainSep []byte, p domain.Prediction) []byte {
	structHash := ethcrypto.Keccak256(concatBytes(
		predictionTypeHash,
		ethcrypto.Keccak256([]byte(p.MarketID)),
		ethcrypto.Keccak256([]byte(p.AgentID)),
		ethcrypto.Keccak256([]byte(p.Outcome)),
		bigIntTo32Bytes(big.NewInt(int64(p.Confidence))),
		ethcrypto.Keccak256([]byte(p.Reasoning)),
		bigIntTo32Bytes(big.NewInt(int64(p.Stake))),
	))
	return ethcrypto.Keccak256(concatBytes([]byte{0x19, 0x01}, domainSep, structHash))
}

// bigIntTo32Bytes returns n as a 32-byte big-endian word. Negative values
// encode as zero.
func bigIntTo32Bytes(n *big.Int) []byte {
	padded := make([]byte, 32)
	if n.Sign() <= 0 {
		return padded
	}
	b := n.Bytes()
	if len(b) >= 32 {
		return b[len(b)-32:]
	}
	copy(padded[32-len(b):], b)
	return padded
}

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
