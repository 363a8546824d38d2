package tokens

import (
	"context"

	"github.com/ruteri/contract-host/interfaces"
)

// Directory implements interfaces.TokenDirectory on top of the store.
type Directory struct {
	tokens interfaces.TokenStore
	ledger interfaces.LedgerStore
}

func NewDirectory(store interfaces.Store) *Directory {
	return &Directory{tokens: store, ledger: store}
}

func (d *Directory) Resolve(ctx context.Context, token string) (*interfaces.Resolution, error) {
	if !Valid(token) {
		return nil, interfaces.ErrTokenNotFound
	}

	record, err := d.tokens.GetToken(ctx, token)
	if err != nil {
		return nil, err
	}

	balance, err := d.ledger.Balance(ctx, token)
	if err != nil {
		return nil, err
	}

	return &interfaces.Resolution{
		ContractHash: record.ContractHash,
		Balance:      balance,
	}, nil
}
