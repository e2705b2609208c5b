package auth

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	// ErrSignatureRequired is returned when a claim carries no signature.
	ErrSignatureRequired = errors.New("vehicle signature required")
	// ErrSignatureExpired is returned when the signed deadline has passed.
	ErrSignatureExpired = errors.New("vehicle signature expired")
	// ErrBadSignature is returned for a signature that does not decode or
	// recover.
	ErrBadSignature = errors.New("invalid vehicle signature")
	// ErrSignerMismatch is returned when the recovered signer is not the
	// vehicle the claim names.
	ErrSignerMismatch = errors.New("signer is not the vehicle")
)

// ClaimIntent is what a vehicle signs to report a payment. Amounts are
// canonical base-unit decimal strings.
type ClaimIntent struct {
	Pool            common.Address
	Vehicle         common.Address
	PrincipalPaid   string
	InterestPaid    string
	PreviousDueDate uint64
	NewDueDate      uint64
	ExpiresAt       uint64
}

// Message renders the intent as the text passed to personal_sign. The pool
// authority binds a signature to one ledger and previousDueDate to one
// payment cycle.
func (c ClaimIntent) Message() string {
	var b strings.Builder
	b.WriteString("loanmanager claim\n")
	fmt.Fprintf(&b, "pool: %s\n", c.Pool.Hex())
	fmt.Fprintf(&b, "vehicle: %s\n", c.Vehicle.Hex())
	fmt.Fprintf(&b, "principalPaid: %s\n", c.PrincipalPaid)
	fmt.Fprintf(&b, "interestPaid: %s\n", c.InterestPaid)
	fmt.Fprintf(&b, "previousDueDate: %d\n", c.PreviousDueDate)
	fmt.Fprintf(&b, "newDueDate: %d\n", c.NewDueDate)
	fmt.Fprintf(&b, "expiresAt: %d", c.ExpiresAt)
	return b.String()
}

// Sign produces the vehicle signature over c with v as 27/28, the form
// wallets return from personal_sign.
func (c ClaimIntent) Sign(key *ecdsa.PrivateKey) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash([]byte(c.Message())), key)
	if err != nil {
		return "", err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// RecoverSigner returns the address that produced sig over the EIP-191
// hash of msg. sig is 65 bytes hex, with v as 0/1 or 27/28.
func RecoverSigner(msg, sig string) (common.Address, error) {
	raw, err := hexutil.Decode(ensureHexPrefix(sig))
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if len(raw) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: %d bytes", ErrBadSignature, len(raw))
	}
	if raw[crypto.RecoveryIDOffset] >= 27 {
		raw[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(msg)), raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifyClaim checks that sig is the vehicle's signature over c and that it
// has not expired at now.
func VerifyClaim(c ClaimIntent, sig string, now uint64) error {
	if sig == "" {
		return ErrSignatureRequired
	}
	if c.ExpiresAt < now {
		return fmt.Errorf("%w: expired at %d, now %d", ErrSignatureExpired, c.ExpiresAt, now)
	}
	signer, err := RecoverSigner(c.Message(), sig)
	if err != nil {
		return err
	}
	if signer != c.Vehicle {
		return fmt.Errorf("%w: recovered %s", ErrSignerMismatch, signer.Hex())
	}
	return nil
}

func ensureHexPrefix(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s
	}
	return "0x" + s
}
