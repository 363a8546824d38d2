package interfaces

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ContentID is a 32-byte SHA-256 hash uniquely identifying content.
type ContentID [32]byte

// ContractHash identifies an uploaded contract by the hash of its code.
type ContractHash = ContentID

func NewContentIDFromBytes(source []byte) (ContentID, error) {
	if len(source) != 32 {
		return ContentID{}, errors.New("invalid ContentID conversion from bytes: incorrect length")
	}

	var hash [32]byte
	copy(hash[:], source)
	return ContentID(hash), nil
}

func NewContentIDFromHex(source string) (ContentID, error) {
	clean := strings.TrimPrefix(source, "0x")
	if len(clean) != 64 {
		return ContentID{}, errors.New("invalid content ID length: hex string must be 64 characters")
	}

	hashBytes, err := hex.DecodeString(clean)
	if err != nil {
		return ContentID{}, fmt.Errorf("invalid hex format: %w", err)
	}

	return NewContentIDFromBytes(hashBytes)
}

// NewContractHashFromHex parses a hex contract hash as sent by API clients.
func NewContractHashFromHex(source string) (ContractHash, error) {
	return NewContentIDFromHex(source)
}

// ComputeID calculates content ID from data.
func ComputeID(data []byte) ContentID {
	return ContentID(sha256.Sum256(data))
}

// String returns hex representation.
func (id ContentID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns the first eight bytes in hex, for log lines.
func (id ContentID) Short() string {
	return hex.EncodeToString(id[:8])
}

// Bytes returns raw 32-byte hash.
func (id ContentID) Bytes() []byte {
	return id[:]
}

// Equal compares two content IDs.
func (id ContentID) Equal(other ContentID) bool {
	return bytes.Equal(id[:], other[:])
}

// Contract is an uploaded sandboxed program. It is immutable and referenced by hash only.
type Contract struct {
	Hash      ContractHash
	Size      int64
	CreatedAt time.Time
}

// TokenRecord binds a capability token to exactly one contract.
type TokenRecord struct {
	Token        string
	ContractHash ContractHash
	CreatedAt    time.Time
}

// Resolution is what the router needs to know about a token before routing a stream.
type Resolution struct {
	ContractHash ContractHash
	Balance      int64
}

// TransactionKind distinguishes balance mutations in the ledger.
type TransactionKind string

const (
	CreditTransaction TransactionKind = "credit"
	DebitTransaction  TransactionKind = "debit"
	ChargeTransaction TransactionKind = "charge"
)

// Transaction is one persisted balance mutation.
type Transaction struct {
	ID      string          `json:"id"`
	Token   string          `json:"token"`
	Kind    TransactionKind `json:"kind"`
	Amount  int64           `json:"amount"`
	Balance int64           `json:"balance"`

	// Exhausted is set on non-zero charges that left the balance at zero.
	Exhausted bool      `json:"exhausted,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Receipt is returned by every ledger operation.
type Receipt = Transaction
