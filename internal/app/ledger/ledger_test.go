package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	domainworld "npc-server/internal/domain/world"
)

func TestNormalizeSaleFillsDefaults(t *testing.T) {
	s, err := normalizeSale(domainworld.SaleRecord{
		NPCName:   "Rurik",
		Count:     3,
		UnitPrice: 50,
		Direction: domainworld.SaleToPlayer,
	})
	if err != nil {
		t.Fatalf("normalizeSale err: %v", err)
	}
	if s.ID == uuid.Nil {
		t.Fatal("expected generated id")
	}
	if s.Total != 150 {
		t.Fatalf("expected total 150, got %d", s.Total)
	}
	if s.CreatedAt.IsZero() {
		t.Fatal("expected created_at to be set")
	}
}

func TestNormalizeSaleRejects(t *testing.T) {
	cases := map[string]domainworld.SaleRecord{
		"zero count":     {NPCName: "Rurik", Count: 0, UnitPrice: 5, Direction: domainworld.SaleToPlayer},
		"negative price": {NPCName: "Rurik", Count: 1, UnitPrice: -1, Direction: domainworld.SaleToPlayer},
		"no npc":         {Count: 1, UnitPrice: 5, Direction: domainworld.SaleToPlayer},
		"bad direction":  {NPCName: "Rurik", Count: 1, UnitPrice: 5, Direction: "gift"},
	}
	for name, sale := range cases {
		if _, err := normalizeSale(sale); !errors.Is(err, ErrInvalidSale) {
			t.Fatalf("%s: expected ErrInvalidSale, got %v", name, err)
		}
	}
}

func TestRecordSaleValidatesBeforeQuery(t *testing.T) {
	r := NewRepository(nil)
	err := r.RecordSale(context.Background(), domainworld.SaleRecord{NPCName: "Rurik"})
	if !errors.Is(err, ErrInvalidSale) {
		t.Fatalf("expected ErrInvalidSale, got %v", err)
	}
}

func TestClampLimit(t *testing.T) {
	if got := clampLimit(0); got != defaultListLimit {
		t.Fatalf("clampLimit(0) = %d", got)
	}
	if got := clampLimit(10); got != 10 {
		t.Fatalf("clampLimit(10) = %d", got)
	}
	if got := clampLimit(10_000); got != maxListLimit {
		t.Fatalf("clampLimit(10000) = %d", got)
	}
}
