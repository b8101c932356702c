package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"replistock/internal/domain"
	"replistock/internal/replication"
	"replistock/internal/store"
	"replistock/internal/xid"
)

var ErrForbidden = errors.New("forbidden")

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Emitter announces committed mutations to other replicas.
type Emitter interface {
	Emit(ctx context.Context, ev replication.Event)
}

// Service applies local mutations. Every operation validates against
// durable state and persists inside one Store.Do call, then emits its
// replication events after the store is released.
type Service struct {
	store   *store.Store
	emitter Emitter
	logger  *zap.Logger
	now     func() time.Time
}

func New(st *store.Store, emitter Emitter, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:   st,
		emitter: emitter,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) emit(ctx context.Context, events ...replication.Event) {
	if s.emitter == nil {
		return
	}
	for _, ev := range events {
		s.emitter.Emit(ctx, ev)
	}
}

func (s *Service) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	var accounts []domain.Account
	err := s.store.Do(ctx, func(tx *store.Tx) error {
		var err error
		accounts, err = tx.Accounts()
		return err
	})
	return accounts, err
}

func (s *Service) CreateAccount(ctx context.Context, req domain.AccountCreateRequest) (domain.Account, error) {
	account := domain.Account{
		Name:         strings.TrimSpace(req.Name),
		Email:        strings.TrimSpace(req.Email),
		Handle:       strings.TrimSpace(req.Handle),
		Role:         strings.ToLower(strings.TrimSpace(req.Role)),
		Capabilities: req.Capabilities,
	}
	if account.Role == "" {
		account.Role = domain.RoleStaff
	}
	if account.Name == "" || (account.Email == "" && account.Handle == "") || !domain.IsValidRole(account.Role) {
		return domain.Account{}, store.ErrInvalid
	}

	err := s.store.Do(ctx, func(tx *store.Tx) error {
		accounts, err := tx.Accounts()
		if err != nil {
			return err
		}
		if err := checkIdentity(accounts, account, ""); err != nil {
			return err
		}
		account.ID = xid.New("acc")
		account.CreatedAt = s.now()
		return tx.PutAccounts(append(accounts, account))
	})
	if err != nil {
		return domain.Account{}, err
	}

	s.emit(ctx, replication.NewAdd(account))
	return account, nil
}

func (s *Service) UpdateAccount(ctx context.Context, id string, req domain.AccountUpdateRequest) (domain.Account, error) {
	var updated domain.Account
	err := s.store.Do(ctx, func(tx *store.Tx) error {
		accounts, err := tx.Accounts()
		if err != nil {
			return err
		}
		i := indexAccount(accounts, id)
		if i < 0 {
			return errors.Wrapf(store.ErrNotFound, "account %s", id)
		}

		updated = accounts[i]
		if req.Name != nil {
			updated.Name = strings.TrimSpace(*req.Name)
		}
		if req.Email != nil {
			updated.Email = strings.TrimSpace(*req.Email)
		}
		if req.Handle != nil {
			updated.Handle = strings.TrimSpace(*req.Handle)
		}
		if req.Role != nil {
			updated.Role = strings.ToLower(strings.TrimSpace(*req.Role))
		}
		if req.Capabilities != nil {
			updated.Capabilities = *req.Capabilities
		}
		if updated.Name == "" || (updated.Email == "" && updated.Handle == "") || !domain.IsValidRole(updated.Role) {
			return store.ErrInvalid
		}
		if err := checkIdentity(accounts, updated, id); err != nil {
			return err
		}

		accounts[i] = updated
		return tx.PutAccounts(accounts)
	})
	if err != nil {
		return domain.Account{}, err
	}

	s.emit(ctx, replication.NewUpdate(updated))
	return updated, nil
}

func (s *Service) DeleteAccount(ctx context.Context, id string) error {
	err := s.store.Do(ctx, func(tx *store.Tx) error {
		accounts, err := tx.Accounts()
		if err != nil {
			return err
		}
		i := indexAccount(accounts, id)
		if i < 0 {
			return errors.Wrapf(store.ErrNotFound, "account %s", id)
		}
		return tx.PutAccounts(append(accounts[:i], accounts[i+1:]...))
	})
	if err != nil {
		return err
	}

	s.emit(ctx, replication.NewDelete[domain.Account](id))
	return nil
}

// Authenticate resolves an identity (email or handle, exact match) to an
// account. There is no credential check.
func (s *Service) Authenticate(ctx context.Context, identity string) (domain.Account, error) {
	if identity == "" {
		return domain.Account{}, store.ErrInvalid
	}
	accounts, err := s.ListAccounts(ctx)
	if err != nil {
		return domain.Account{}, err
	}
	for _, a := range accounts {
		if a.Email == identity || a.Handle == identity {
			return a, nil
		}
	}
	return domain.Account{}, errors.Wrapf(store.ErrNotFound, "identity %s", identity)
}

func checkIdentity(accounts []domain.Account, candidate domain.Account, selfID string) error {
	for _, a := range accounts {
		if a.ID == selfID {
			continue
		}
		if candidate.Email != "" && a.Email == candidate.Email {
			return errors.Wrapf(store.ErrDuplicateIdentity, "email %s", candidate.Email)
		}
		if candidate.Handle != "" && a.Handle == candidate.Handle {
			return errors.Wrapf(store.ErrDuplicateIdentity, "handle %s", candidate.Handle)
		}
	}
	return nil
}

func indexAccount(accounts []domain.Account, id string) int {
	for i := range accounts {
		if accounts[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Service) ListLocations(ctx context.Context) ([]domain.Location, error) {
	var locations []domain.Location
	err := s.store.Do(ctx, func(tx *store.Tx) error {
		var err error
		locations, err = tx.Locations()
		return err
	})
	return locations, err
}

func (s *Service) ListItems(ctx context.Context) ([]domain.Item, error) {
	var items []domain.Item
	err := s.store.Do(ctx, func(tx *store.Tx) error {
		var err error
		items, err = tx.Items()
		return err
	})
	return items, err
}

func (s *Service) CreateItem(ctx context.Context, req domain.ItemCreateRequest) (domain.Item, error) {
	now := s.now()
	item := domain.Item{
		Name:       strings.TrimSpace(req.Name),
		SKU:        strings.TrimSpace(req.SKU),
		Price:      req.Price,
		Stock:      req.Stock,
		Category:   strings.TrimSpace(req.Category),
		LocationID: strings.TrimSpace(req.LocationID),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if item.Name == "" || item.Price.IsNegative() || item.Stock < 0 {
		return domain.Item{}, store.ErrInvalid
	}
	if item.SKU == "" {
		item.SKU = xid.Short("SKU", 6)
	}
	if item.LocationID == "" {
		item.LocationID = domain.DefaultLocationID
	}

	err := s.store.Do(ctx, func(tx *store.Tx) error {
		locations, err := tx.Locations()
		if err != nil {
			return err
		}
		if !hasLocation(locations, item.LocationID) {
			return errors.Wrapf(store.ErrInvalid, "unknown location %s", item.LocationID)
		}
		items, err := tx.Items()
		if err != nil {
			return err
		}
		for _, existing := range items {
			if existing.SKU == item.SKU {
				return errors.Wrapf(store.ErrDuplicateIdentity, "sku %s", item.SKU)
			}
		}
		item.ID = xid.New("itm")
		return tx.PutItems(append(items, item))
	})
	if err != nil {
		return domain.Item{}, err
	}

	s.emit(ctx, replication.NewAdd(item))
	return item, nil
}

func (s *Service) UpdateItem(ctx context.Context, id string, req domain.ItemUpdateRequest) (domain.Item, error) {
	var updated domain.Item
	err := s.store.Do(ctx, func(tx *store.Tx) error {
		items, err := tx.Items()
		if err != nil {
			return err
		}
		i := indexItem(items, id)
		if i < 0 {
			return errors.Wrapf(store.ErrNotFound, "item %s", id)
		}

		updated = items[i]
		if req.Name != nil {
			updated.Name = strings.TrimSpace(*req.Name)
		}
		if req.Category != nil {
			updated.Category = strings.TrimSpace(*req.Category)
		}
		if req.Price != nil {
			updated.Price = *req.Price
		}
		if req.Stock != nil {
			updated.Stock = *req.Stock
		}
		if updated.Name == "" || updated.Price.IsNegative() || updated.Stock < 0 {
			return store.ErrInvalid
		}
		updated.UpdatedAt = s.now()

		items[i] = updated
		return tx.PutItems(items)
	})
	if err != nil {
		return domain.Item{}, err
	}

	s.emit(ctx, replication.NewUpdate(updated))
	return updated, nil
}

// DeleteItem removes the item even when invoices reference it; invoice
// lines keep their own snapshot.
func (s *Service) DeleteItem(ctx context.Context, id string) error {
	err := s.store.Do(ctx, func(tx *store.Tx) error {
		items, err := tx.Items()
		if err != nil {
			return err
		}
		i := indexItem(items, id)
		if i < 0 {
			return errors.Wrapf(store.ErrNotFound, "item %s", id)
		}
		return tx.PutItems(append(items[:i], items[i+1:]...))
	})
	if err != nil {
		return err
	}

	s.emit(ctx, replication.NewDelete[domain.Item](id))
	return nil
}

func indexItem(items []domain.Item, id string) int {
	for i := range items {
		if items[i].ID == id {
			return i
		}
	}
	return -1
}

func hasLocation(locations []domain.Location, id string) bool {
	for _, l := range locations {
		if l.ID == id {
			return true
		}
	}
	return false
}

func (s *Service) ListInvoices(ctx context.Context) ([]domain.Invoice, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, ErrForbidden
	}

	var invoices []domain.Invoice
	err := s.store.Do(ctx, func(tx *store.Tx) error {
		var err error
		invoices, err = tx.Invoices()
		return err
	})
	if err != nil {
		return nil, err
	}
	if actor.Role == domain.RoleAdmin {
		return invoices, nil
	}

	visible := make([]domain.Invoice, 0, len(invoices))
	for _, inv := range invoices {
		if inv.CreatedBy == actor.AccountID {
			visible = append(visible, inv)
		}
	}
	return visible, nil
}

func (s *Service) GetInvoice(ctx context.Context, id string) (domain.Invoice, error) {
	invoices, err := s.ListInvoices(ctx)
	if err != nil {
		return domain.Invoice{}, err
	}
	for _, inv := range invoices {
		if inv.ID == id {
			return inv, nil
		}
	}
	return domain.Invoice{}, errors.Wrapf(store.ErrNotFound, "invoice %s", id)
}

// CreateInvoice deducts stock for every line and records the invoice. If any
// line asks for more than is in stock nothing is changed.
func (s *Service) CreateInvoice(ctx context.Context, req domain.InvoiceCreateRequest) (domain.Invoice, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.AccountID == "" {
		return domain.Invoice{}, ErrForbidden
	}

	req.Party = strings.TrimSpace(req.Party)
	req.PaymentMode = strings.TrimSpace(req.PaymentMode)
	if req.Party == "" || len(req.Lines) == 0 || req.Days < 0 {
		return domain.Invoice{}, store.ErrInvalid
	}
	if req.PaymentMode == "" {
		req.PaymentMode = "Cash"
	}

	// Quantities are summed per item so repeated lines cannot oversell.
	demand := make(map[string]int, len(req.Lines))
	var order []string
	for _, line := range req.Lines {
		if line.Quantity <= 0 {
			return domain.Invoice{}, errors.Wrapf(store.ErrInvalid, "quantity for %s", line.ItemID)
		}
		if _, seen := demand[line.ItemID]; !seen {
			order = append(order, line.ItemID)
		}
		demand[line.ItemID] += line.Quantity
	}

	var invoice domain.Invoice
	var stock []replication.FieldUpdate
	err := s.store.Do(ctx, func(tx *store.Tx) error {
		items, err := tx.Items()
		if err != nil {
			return err
		}
		invoices, err := tx.Invoices()
		if err != nil {
			return err
		}

		for _, id := range order {
			i := indexItem(items, id)
			if i < 0 {
				return errors.Wrapf(store.ErrNotFound, "item %s", id)
			}
			if demand[id] > items[i].Stock {
				return errors.Wrapf(store.ErrInsufficientStock, "%s has %d, requested %d", items[i].SKU, items[i].Stock, demand[id])
			}
		}

		now := s.now()
		lines := make([]domain.InvoiceLine, 0, len(req.Lines))
		total := decimal.Zero
		for _, line := range req.Lines {
			item := items[indexItem(items, line.ItemID)]
			lineTotal := item.Price.Mul(decimal.NewFromInt(int64(line.Quantity)))
			lines = append(lines, domain.InvoiceLine{
				ItemID:   item.ID,
				Name:     item.Name,
				Price:    item.Price,
				Quantity: line.Quantity,
				Total:    lineTotal,
			})
			total = total.Add(lineTotal)
		}

		stock = stock[:0]
		for _, id := range order {
			i := indexItem(items, id)
			items[i].Stock -= demand[id]
			stock = append(stock, replication.StockUpdate(id, items[i].Stock))
		}

		status := domain.InvoiceStatusPending
		if req.PaymentMode == domain.PaymentModeOnline {
			status = domain.InvoiceStatusPaid
		}
		invoice = domain.Invoice{
			ID:          xid.New("inv"),
			BillNo:      billNumber(now, len(invoices)+1),
			Party:       req.Party,
			Vehicle:     strings.TrimSpace(req.Vehicle),
			Address:     strings.TrimSpace(req.Address),
			Reference:   strings.TrimSpace(req.Reference),
			Days:        req.Days,
			PaymentMode: req.PaymentMode,
			Total:       total,
			Status:      status,
			CreatedBy:   actor.AccountID,
			CreatedAt:   now,
			Lines:       lines,
		}

		if err := tx.PutItems(items); err != nil {
			return err
		}
		return tx.PutInvoices(append([]domain.Invoice{invoice}, invoices...))
	})
	if err != nil {
		return domain.Invoice{}, err
	}

	s.logger.Info("invoice created",
		zap.String("bill_no", invoice.BillNo),
		zap.String("total", invoice.Total.String()),
		zap.Int("lines", len(invoice.Lines)))
	s.emit(ctx,
		replication.NewPartialUpdate[domain.Item](stock...),
		replication.NewAdd(invoice),
	)
	return invoice, nil
}

// billNumber is sequential per replica only. Two replicas that bill while
// disconnected can produce the same number.
func billNumber(now time.Time, seq int) string {
	return fmt.Sprintf("INV-%d-%04d", now.Year(), seq)
}

// SetInvoiceStatus is restricted to admins.
func (s *Service) SetInvoiceStatus(ctx context.Context, id string, status string) (domain.Invoice, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.Invoice{}, ErrForbidden
	}
	status = strings.TrimSpace(status)
	if status != domain.InvoiceStatusPaid && status != domain.InvoiceStatusPending {
		return domain.Invoice{}, errors.Wrapf(store.ErrInvalid, "status %q", status)
	}

	var updated domain.Invoice
	err := s.store.Do(ctx, func(tx *store.Tx) error {
		invoices, err := tx.Invoices()
		if err != nil {
			return err
		}
		for i := range invoices {
			if invoices[i].ID == id {
				invoices[i].Status = status
				updated = invoices[i]
				return tx.PutInvoices(invoices)
			}
		}
		return errors.Wrapf(store.ErrNotFound, "invoice %s", id)
	})
	if err != nil {
		return domain.Invoice{}, err
	}

	s.emit(ctx, replication.NewUpdate(updated))
	return updated, nil
}
