package domain

import "github.com/shopspring/decimal"

type AccountCreateRequest struct {
	Name         string   `json:"name"`
	Email        string   `json:"email"`
	Handle       string   `json:"handle"`
	Role         string   `json:"role"`
	Capabilities []string `json:"capabilities,omitempty"`
}

type AccountUpdateRequest struct {
	Name         *string   `json:"name,omitempty"`
	Email        *string   `json:"email,omitempty"`
	Handle       *string   `json:"handle,omitempty"`
	Role         *string   `json:"role,omitempty"`
	Capabilities *[]string `json:"capabilities,omitempty"`
}

type ItemCreateRequest struct {
	Name       string          `json:"name"`
	SKU        string          `json:"sku"`
	Price      decimal.Decimal `json:"price"`
	Stock      int             `json:"stock"`
	Category   string          `json:"category"`
	LocationID string          `json:"locationId,omitempty"`
}

type ItemUpdateRequest struct {
	Name     *string          `json:"name,omitempty"`
	Price    *decimal.Decimal `json:"price,omitempty"`
	Stock    *int             `json:"stock,omitempty"`
	Category *string          `json:"category,omitempty"`
}

// ImportRow is one loosely typed spreadsheet row keyed by its header text.
type ImportRow map[string]string

type ImportResult struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
}

type InvoiceLineRequest struct {
	ItemID   string `json:"itemId"`
	Quantity int    `json:"quantity"`
}

type InvoiceCreateRequest struct {
	Party       string               `json:"party"`
	Vehicle     string               `json:"vehicle,omitempty"`
	Address     string               `json:"address,omitempty"`
	Reference   string               `json:"reference,omitempty"`
	Days        int                  `json:"days"`
	PaymentMode string               `json:"paymentMode"`
	Lines       []InvoiceLineRequest `json:"lines"`
}

type InvoiceStatusRequest struct {
	Status string `json:"status"`
}

type LoginRequest struct {
	Identity string `json:"identity"`
}

type LoginResponse struct {
	AccessToken string  `json:"access_token"`
	ExpiresAt   string  `json:"expires_at"`
	Account     Account `json:"account"`
}

type SyncConfigRequest struct {
	Address string `json:"address"`
}

type SyncStatus struct {
	State     string `json:"state"`
	Address   string `json:"address,omitempty"`
	ReplicaID string `json:"replica_id"`
}
