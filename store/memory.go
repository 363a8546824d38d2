package store

import (
	"context"
	"sync"
	"time"

	"github.com/ruteri/contract-host/interfaces"
)

// MemoryStore implements interfaces.Store in process memory.
type MemoryStore struct {
	mu           sync.Mutex
	contracts    map[interfaces.ContractHash]interfaces.Contract
	tokens       map[string]interfaces.TokenRecord
	balances     map[string]int64
	transactions map[string][]interfaces.Transaction
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contracts:    make(map[interfaces.ContractHash]interfaces.Contract),
		tokens:       make(map[string]interfaces.TokenRecord),
		balances:     make(map[string]int64),
		transactions: make(map[string][]interfaces.Transaction),
	}
}

func (s *MemoryStore) AddContract(_ context.Context, contract interfaces.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.contracts[contract.Hash]; exists {
		return nil
	}
	if contract.CreatedAt.IsZero() {
		contract.CreatedAt = time.Now()
	}
	s.contracts[contract.Hash] = contract
	return nil
}

func (s *MemoryStore) HasContract(_ context.Context, hash interfaces.ContractHash) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, exists := s.contracts[hash]
	return exists, nil
}

func (s *MemoryStore) InsertToken(_ context.Context, record interfaces.TokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.contracts[record.ContractHash]; !exists {
		return interfaces.ErrUnknownContract
	}
	if _, exists := s.tokens[record.Token]; exists {
		return interfaces.ErrTokenExists
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	s.tokens[record.Token] = record
	s.balances[record.Token] = 0
	return nil
}

func (s *MemoryStore) GetToken(_ context.Context, token string) (*interfaces.TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, exists := s.tokens[token]
	if !exists {
		return nil, interfaces.ErrTokenNotFound
	}
	return &record, nil
}

func (s *MemoryStore) Balance(_ context.Context, token string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	balance, exists := s.balances[token]
	if !exists {
		return 0, interfaces.ErrTokenNotFound
	}
	return balance, nil
}

func (s *MemoryStore) UpdateBalance(_ context.Context, token string, fn interfaces.BalanceUpdate) (*interfaces.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	balance, exists := s.balances[token]
	if !exists {
		return nil, interfaces.ErrTokenNotFound
	}

	tx, err := fn(balance)
	if err != nil {
		return nil, err
	}

	s.balances[token] = tx.Balance
	s.transactions[token] = append(s.transactions[token], *tx)
	return tx, nil
}

func (s *MemoryStore) Transactions(_ context.Context, token string, kind interfaces.TransactionKind) ([]interfaces.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tokens[token]; !exists {
		return nil, interfaces.ErrTokenNotFound
	}

	result := []interfaces.Transaction{}
	for _, tx := range s.transactions[token] {
		if tx.Kind == kind {
			result = append(result, tx)
		}
	}
	return result, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
