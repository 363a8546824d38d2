package api

import "github.com/ruteri/contract-host/interfaces"

type ErrorResponse struct {
	Error string `json:"error"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Storage bool   `json:"storage"`
}

type ContractResponse struct {
	Hash string `json:"hash"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

// AmountRequest is the body of credit and debit requests.
type AmountRequest struct {
	Amount int64 `json:"amount"`
}

type BalanceResponse struct {
	Token   string `json:"token"`
	Balance int64  `json:"balance"`
}

type CreditResponse struct {
	Success bool                `json:"success"`
	Balance int64               `json:"balance"`
	Credit  *interfaces.Receipt `json:"credit"`
}

type DebitResponse struct {
	Success bool                `json:"success"`
	Balance int64               `json:"balance"`
	Debit   *interfaces.Receipt `json:"debit"`
}

type CreditsResponse struct {
	Success bool                     `json:"success"`
	Credits []interfaces.Transaction `json:"credits"`
}

type DebitsResponse struct {
	Success bool                     `json:"success"`
	Debits  []interfaces.Transaction `json:"debits"`
}
