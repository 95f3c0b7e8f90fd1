/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal ledger model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Account:
    AccountDTO, CreateAccountRequest

  Transaction:
    TransactionDTO, TransferDTO, AuthorizeRequest

MONEY ENCODING:
  Amounts cross the wire as fixed-point decimal strings ("10.00"), never
  floats. Parsing happens in handlers at the external scale.

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - money/money.go: Amount parsing and canonical formatting
*/
package api

import (
	"time"

	"github.com/warp/settlement-engine/engine"
)

// =============================================================================
// ACCOUNT TYPES
// =============================================================================

// AccountDTO represents an account in API responses.
type AccountDTO struct {
	ID       string `json:"id"`
	Balance  string `json:"balance"`
	Escrow   string `json:"escrow"`
	UpdateID int64  `json:"update_id"`
	Pending  int    `json:"pending"`
}

// CreateAccountRequest is the request to create an account.
type CreateAccountRequest struct {
	ID string `json:"id"`
}

// =============================================================================
// TRANSACTION TYPES
// =============================================================================

// TransferDTO is one (source, destination, amount) movement.
type TransferDTO struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Amount      string `json:"amount"`
}

// AuthorizeRequest is the request to authorize a transaction.
type AuthorizeRequest struct {
	ID          string        `json:"id,omitempty"`
	Kind        string        `json:"kind"`
	Amount      string        `json:"amount"`
	Transfers   []TransferDTO `json:"transfers"`
	ReferenceID string        `json:"reference_id,omitempty"`
	SettleAfter *time.Time    `json:"settle_after,omitempty"`
	Identity    string        `json:"identity,omitempty"`
	Asset       string        `json:"asset,omitempty"`
}

// TransactionDTO represents a transaction in API responses.
type TransactionDTO struct {
	ID          string        `json:"id"`
	Kind        string        `json:"kind"`
	Amount      string        `json:"amount"`
	Transfers   []TransferDTO `json:"transfers"`
	State       string        `json:"state"`
	Settled     bool          `json:"settled"`
	Voided      bool          `json:"voided"`
	ReferenceID string        `json:"reference_id"`
	Identity    string        `json:"identity"`
	Asset       string        `json:"asset"`
	Counter     int64         `json:"counter"`
	Created     string        `json:"created"`
	SettleAfter string        `json:"settle_after"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func transactionDTO(tx engine.Transaction) TransactionDTO {
	transfers := make([]TransferDTO, len(tx.Transfers))
	for i, tr := range tx.Transfers {
		transfers[i] = TransferDTO{
			Source:      string(tr.Source),
			Destination: string(tr.Destination),
			Amount:      tr.Amount.String(),
		}
	}
	return TransactionDTO{
		ID:          string(tx.ID),
		Kind:        string(tx.Kind),
		Amount:      tx.Amount.String(),
		Transfers:   transfers,
		State:       string(tx.State),
		Settled:     tx.Settled,
		Voided:      tx.Voided,
		ReferenceID: tx.ReferenceID,
		Identity:    tx.Identity,
		Asset:       tx.Asset,
		Counter:     tx.Counter,
		Created:     tx.Created.Format(time.RFC3339),
		SettleAfter: tx.SettleAfter.Format(time.RFC3339),
	}
}

func accountDTO(acct engine.Account) AccountDTO {
	return AccountDTO{
		ID:       string(acct.ID),
		Balance:  acct.Balance.String(),
		Escrow:   acct.Escrow.String(),
		UpdateID: acct.UpdateID,
		Pending:  len(acct.Outgoing) + len(acct.Incoming),
	}
}
