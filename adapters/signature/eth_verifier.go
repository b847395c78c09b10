package signature

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/layer-3/capsule/core"
	"github.com/layer-3/capsule/ports"
)

// SignatureLength is r (32) || s (32) || v (1)
const SignatureLength = crypto.SignatureLength

// EthVerifier recovers the signer of an EIP-191 personal message and compares
// it with the claimed address. It holds no state and is safe for concurrent use.
type EthVerifier struct{}

// NewEthVerifier creates a new personal-message signature verifier
func NewEthVerifier() ports.SignatureVerifier {
	return EthVerifier{}
}

// Verify reports whether signatureHex is a signature of message by the key
// behind claimedAddress. Malformed input of any kind yields false.
func (EthVerifier) Verify(claimedAddress, message, signatureHex string) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	if message == "" || !core.IsAddress(claimedAddress) {
		return false
	}

	sig, err := decodeSignature(signatureHex)
	if err != nil {
		return false
	}

	v, valid := normalizeRecoveryID(sig[crypto.RecoveryIDOffset])
	if !valid {
		return false
	}

	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])
	if !crypto.ValidateSignatureValues(v, r, s, true) {
		return false
	}

	// Recovery expects v in {0,1}; work on a copy so the input is never mutated
	normalized := make([]byte, SignatureLength)
	copy(normalized, sig)
	normalized[crypto.RecoveryIDOffset] = v

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), normalized)
	if err != nil {
		return false
	}

	recovered := crypto.PubkeyToAddress(*pub)
	return strings.EqualFold(recovered.Hex(), claimedAddress)
}

// decodeSignature parses hex with or without a 0x prefix into exactly 65 bytes
func decodeSignature(signatureHex string) ([]byte, error) {
	s := strings.TrimSpace(signatureHex)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	sig, err := hexutil.Decode("0x" + s[2:])
	if err != nil {
		return nil, err
	}
	if len(sig) != SignatureLength {
		return nil, core.ErrInvalidArgument
	}
	return sig, nil
}

// normalizeRecoveryID maps the legacy 27/28 encoding onto 0/1
func normalizeRecoveryID(v byte) (byte, bool) {
	switch v {
	case 0, 1:
		return v, true
	case 27, 28:
		return v - 27, true
	default:
		return 0, false
	}
}
