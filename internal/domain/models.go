package domain

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleStaff   = "staff"
)

const (
	InvoiceStatusPaid    = "Paid"
	InvoiceStatusPending = "Pending"
)

const PaymentModeOnline = "Online"

const DefaultLocationID = "loc-main"

type Account struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	Handle       string    `json:"handle"`
	Role         string    `json:"role"`
	Capabilities []string  `json:"capabilities,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

func (a Account) Key() string { return a.ID }

// Can reports whether the account may open the named tab. Admins can open
// every tab regardless of the stored capability set.
func (a Account) Can(tab string) bool {
	if a.Role == RoleAdmin {
		return true
	}
	return slices.Contains(a.Capabilities, tab)
}

type Location struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address,omitempty"`
}

type Item struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	SKU        string          `json:"sku"`
	Price      decimal.Decimal `json:"price"`
	Stock      int             `json:"stock"`
	Category   string          `json:"category"`
	LocationID string          `json:"locationId"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

func (i Item) Key() string { return i.ID }

type InvoiceLine struct {
	ItemID   string          `json:"itemId"`
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Quantity int             `json:"quantity"`
	Total    decimal.Decimal `json:"total"`
}

type Invoice struct {
	ID          string          `json:"id"`
	BillNo      string          `json:"billNo"`
	Party       string          `json:"party"`
	Vehicle     string          `json:"vehicle,omitempty"`
	Address     string          `json:"address,omitempty"`
	Reference   string          `json:"reference,omitempty"`
	Days        int             `json:"days"`
	PaymentMode string          `json:"paymentMode"`
	Total       decimal.Decimal `json:"total"`
	Status      string          `json:"status"`
	CreatedBy   string          `json:"createdBy"`
	CreatedAt   time.Time       `json:"createdAt"`
	Lines       []InvoiceLine   `json:"lines"`
}

func (i Invoice) Key() string { return i.ID }

// Actor is the account on whose behalf a service call runs.
type Actor struct {
	AccountID string
	Role      string
}

func IsValidRole(role string) bool {
	switch role {
	case RoleAdmin, RoleManager, RoleStaff:
		return true
	}
	return false
}
