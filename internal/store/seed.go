package store

import (
	_ "embed"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"replistock/internal/domain"
)

//go:embed seed.yaml
var seedYAML []byte

type seedItem struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	SKU      string `yaml:"sku"`
	Price    string `yaml:"price"`
	Stock    int    `yaml:"stock"`
	Category string `yaml:"category"`
}

type seedAccount struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	Email        string   `yaml:"email"`
	Handle       string   `yaml:"handle"`
	Role         string   `yaml:"role"`
	Capabilities []string `yaml:"capabilities"`
}

type seedFile struct {
	Epoch     time.Time         `yaml:"epoch"`
	Locations []domain.Location `yaml:"locations"`
	Accounts  []seedAccount     `yaml:"accounts"`
	Items     []seedItem        `yaml:"items"`
}

var (
	seedOnce   sync.Once
	seedParsed seedFile
	seedErr    error
)

func loadSeed() (seedFile, error) {
	seedOnce.Do(func() {
		if err := yaml.Unmarshal(seedYAML, &seedParsed); err != nil {
			seedErr = errors.Wrap(err, "parse seed dataset")
		}
	})
	return seedParsed, seedErr
}

func seedRecords[T any](c Collection) ([]T, error) {
	seed, err := loadSeed()
	if err != nil {
		return nil, err
	}
	now := seed.Epoch.UTC()

	var records any
	switch c {
	case Locations:
		records = append([]domain.Location(nil), seed.Locations...)
	case Accounts:
		accounts := make([]domain.Account, 0, len(seed.Accounts))
		for _, a := range seed.Accounts {
			accounts = append(accounts, domain.Account{
				ID:           a.ID,
				Name:         a.Name,
				Email:        a.Email,
				Handle:       a.Handle,
				Role:         a.Role,
				Capabilities: a.Capabilities,
				CreatedAt:    now,
			})
		}
		records = accounts
	case Items:
		items := make([]domain.Item, 0, len(seed.Items))
		for _, it := range seed.Items {
			price, err := decimal.NewFromString(it.Price)
			if err != nil {
				return nil, errors.Wrapf(err, "seed item %s price", it.SKU)
			}
			items = append(items, domain.Item{
				ID:         it.ID,
				Name:       it.Name,
				SKU:        it.SKU,
				Price:      price,
				Stock:      it.Stock,
				Category:   it.Category,
				LocationID: domain.DefaultLocationID,
				CreatedAt:  now,
				UpdatedAt:  now,
			})
		}
		records = items
	default:
		return []T{}, nil
	}

	typed, ok := records.([]T)
	if !ok {
		return nil, errors.Errorf("seed for %s has unexpected record type", c)
	}
	return typed, nil
}
