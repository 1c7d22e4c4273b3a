// Package gateway looks up payment transactions at the payment provider.
package gateway

import (
	"context"
	"errors"
	"strings"
	"sync"
)

var ErrTransactionNotFound = errors.New("payment transaction not found")

// Payment is the provider's view of a transaction at lookup time.
type Payment struct {
	TransactionID  string
	Status         string
	AmountCents    int64
	NetAmountCents *int64
	Currency       string
	Sandbox        bool
	Metadata       map[string]string
}

type Gateway interface {
	Lookup(ctx context.Context, transactionID string) (Payment, error)
}

// Static serves payments registered up front. Used for local runs without a provider
// account and in tests.
type Static struct {
	mu       sync.RWMutex
	payments map[string]Payment
}

func NewStatic(payments ...Payment) *Static {
	s := &Static{payments: make(map[string]Payment, len(payments))}
	for _, p := range payments {
		s.Put(p)
	}
	return s
}

func (s *Static) Put(p Payment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.Currency = strings.ToUpper(p.Currency)
	s.payments[p.TransactionID] = p
}

func (s *Static) Lookup(ctx context.Context, transactionID string) (Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payments[transactionID]
	if !ok {
		return Payment{}, ErrTransactionNotFound
	}
	return p, nil
}
