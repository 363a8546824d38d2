package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/contract-host/interfaces"
)

// DefaultIssueAttempts bounds regeneration after token collisions.
const DefaultIssueAttempts = 8

// Issuer mints tokens bound to uploaded contracts.
type Issuer struct {
	contracts interfaces.ContractStore
	tokens    interfaces.TokenStore
	ledger    interfaces.BillingLedger
	log       *slog.Logger

	// StartingBalance is credited to every new token when positive.
	StartingBalance int64

	attempts int
	generate func() (string, error)
}

func NewIssuer(store interfaces.Store, ledger interfaces.BillingLedger, startingBalance int64, log *slog.Logger) *Issuer {
	return &Issuer{
		contracts:       store,
		tokens:          store,
		ledger:          ledger,
		log:             log,
		StartingBalance: startingBalance,
		attempts:        DefaultIssueAttempts,
		generate:        Generate,
	}
}

// IssueToken creates a new token bound to contractHash. It fails with
// ErrUnknownContract if the contract has not been uploaded.
func (i *Issuer) IssueToken(ctx context.Context, contractHash interfaces.ContractHash) (string, error) {
	known, err := i.contracts.HasContract(ctx, contractHash)
	if err != nil {
		return "", fmt.Errorf("could not look up contract: %w", err)
	}
	if !known {
		return "", interfaces.ErrUnknownContract
	}

	token, err := i.insert(ctx, contractHash)
	if err != nil {
		return "", err
	}

	if i.StartingBalance > 0 {
		if _, err := i.ledger.Credit(ctx, token, i.StartingBalance); err != nil {
			return "", fmt.Errorf("could not credit starting balance: %w", err)
		}
	}

	i.log.Info("Issued token", "token", token, "contract", contractHash.String(), "balance", i.StartingBalance)
	return token, nil
}

func (i *Issuer) insert(ctx context.Context, contractHash interfaces.ContractHash) (string, error) {
	for attempt := 0; attempt < i.attempts; attempt++ {
		token, err := i.generate()
		if err != nil {
			return "", fmt.Errorf("could not generate token: %w", err)
		}

		err = i.tokens.InsertToken(ctx, interfaces.TokenRecord{
			Token:        token,
			ContractHash: contractHash,
			CreatedAt:    time.Now(),
		})
		if errors.Is(err, interfaces.ErrTokenExists) {
			i.log.Warn("Token collision, regenerating", "attempt", attempt+1)
			continue
		}
		if err != nil {
			return "", err
		}
		return token, nil
	}
	return "", fmt.Errorf("%w: gave up after %d attempts", interfaces.ErrTokenExists, i.attempts)
}
