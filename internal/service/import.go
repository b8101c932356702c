package service

import (
	"context"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/text/cases"

	"replistock/internal/domain"
	"replistock/internal/replication"
	"replistock/internal/store"
	"replistock/internal/xid"
)

const defaultImportCategory = "General"

// importSynonyms lists accepted spreadsheet headers per field, in priority
// order when a row carries more than one of them.
var importSynonyms = map[string][]string{
	"name":     {"name", "item", "item name", "product", "product name", "title"},
	"sku":      {"sku", "code", "item code", "product code", "barcode"},
	"category": {"category", "type", "group"},
	"price":    {"price", "cost", "unit price", "rate", "mrp"},
	"stock":    {"stock", "qty", "quantity", "stock quantity", "count"},
}

func normalizeHeader(h string) string {
	return cases.Fold().String(strings.Join(strings.Fields(h), " "))
}

type importRecord struct {
	name     string
	sku      string
	category string
	price    decimal.Decimal
	stock    int
}

func resolveRow(row domain.ImportRow) (importRecord, bool) {
	headers := make([]string, 0, len(row))
	for h := range row {
		headers = append(headers, h)
	}
	sort.Strings(headers)

	normalized := make(map[string]string, len(row))
	for _, h := range headers {
		key := normalizeHeader(h)
		value := strings.TrimSpace(row[h])
		if _, taken := normalized[key]; !taken || normalized[key] == "" {
			normalized[key] = value
		}
	}

	field := func(name string) string {
		for _, synonym := range importSynonyms[name] {
			if v := normalized[synonym]; v != "" {
				return v
			}
		}
		return ""
	}

	rec := importRecord{
		name:     field("name"),
		sku:      field("sku"),
		category: field("category"),
		price:    parsePrice(field("price")),
		stock:    parseStock(field("stock")),
	}
	if rec.name == "" {
		return importRecord{}, false
	}
	if rec.sku == "" {
		rec.sku = xid.Short("SKU", 6)
	}
	if rec.category == "" {
		rec.category = defaultImportCategory
	}
	return rec, true
}

func parsePrice(raw string) decimal.Decimal {
	raw = strings.ReplaceAll(raw, ",", "")
	price, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return price
}

// parseStock truncates fractional quantities and clamps to [0, MaxInt32].
func parseStock(raw string) int {
	raw = strings.ReplaceAll(raw, ",", "")
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
		return 0
	}
	if f >= math.MaxInt32 {
		return math.MaxInt32
	}
	return int(f)
}

// ImportItems merges spreadsheet rows into the item collection. Rows are
// matched by SKU, so a later row overrides an earlier one with the same SKU.
// The whole collection is persisted once and announced as one bulk replace.
func (s *Service) ImportItems(ctx context.Context, rows []domain.ImportRow) (domain.ImportResult, error) {
	var result domain.ImportResult
	var items []domain.Item
	err := s.store.Do(ctx, func(tx *store.Tx) error {
		var err error
		items, err = tx.Items()
		if err != nil {
			return err
		}

		now := s.now()
		bySKU := make(map[string]int, len(items))
		for i, it := range items {
			bySKU[it.SKU] = i
		}

		for _, row := range rows {
			rec, ok := resolveRow(row)
			if !ok {
				result.Skipped++
				continue
			}
			if i, exists := bySKU[rec.sku]; exists {
				items[i].Name = rec.name
				items[i].Category = rec.category
				items[i].Price = rec.price
				items[i].Stock = rec.stock
				items[i].UpdatedAt = now
				result.Updated++
				continue
			}
			items = append(items, domain.Item{
				ID:         xid.New("itm"),
				Name:       rec.name,
				SKU:        rec.sku,
				Price:      rec.price,
				Stock:      rec.stock,
				Category:   rec.category,
				LocationID: domain.DefaultLocationID,
				CreatedAt:  now,
				UpdatedAt:  now,
			})
			bySKU[rec.sku] = len(items) - 1
			result.Created++
		}
		return tx.PutItems(items)
	})
	if err != nil {
		return domain.ImportResult{}, err
	}

	s.logger.Info("items imported",
		zap.Int("created", result.Created),
		zap.Int("updated", result.Updated),
		zap.Int("skipped", result.Skipped))
	s.emit(ctx, replication.NewBulkReplace(items))
	return result, nil
}
