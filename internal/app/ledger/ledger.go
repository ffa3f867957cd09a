// Package ledger keeps the history of NPC shop sales in Postgres.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	domainworld "npc-server/internal/domain/world"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

var ErrInvalidSale = errors.New("invalid sale record")

type Repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// RecordSale stores one completed sale. Records without an id get one.
func (r *Repository) RecordSale(ctx context.Context, sale domainworld.SaleRecord) error {
	sale, err := normalizeSale(sale)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
INSERT INTO npc_sales (id, zone_id, npc_id, npc_name, player_id, account_id, item_id, count, unit_price, total, direction, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
`, sale.ID, sale.ZoneID, int64(sale.NPCID), sale.NPCName, int64(sale.PlayerID), sale.AccountID,
		int32(sale.ItemID), sale.Count, sale.UnitPrice, sale.Total, sale.Direction, sale.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert sale: %w", err)
	}
	return nil
}

// ListByNPC returns the most recent sales of the NPC with the given name.
func (r *Repository) ListByNPC(ctx context.Context, npcName string, limit int) ([]domainworld.SaleRecord, error) {
	rows, err := r.db.Query(ctx, `
SELECT id, zone_id, npc_id, npc_name, player_id, account_id, item_id, count, unit_price, total, direction, created_at
FROM npc_sales
WHERE npc_name = $1
ORDER BY created_at DESC
LIMIT $2
`, npcName, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query sales: %w", err)
	}
	defer rows.Close()

	sales, err := pgx.CollectRows(rows, scanSale)
	if err != nil {
		return nil, fmt.Errorf("scan sales: %w", err)
	}
	return sales, nil
}

func scanSale(row pgx.CollectableRow) (domainworld.SaleRecord, error) {
	var (
		s               domainworld.SaleRecord
		npcID, playerID int64
		itemID          int32
	)
	err := row.Scan(&s.ID, &s.ZoneID, &npcID, &s.NPCName, &playerID, &s.AccountID,
		&itemID, &s.Count, &s.UnitPrice, &s.Total, &s.Direction, &s.CreatedAt)
	if err != nil {
		return domainworld.SaleRecord{}, err
	}
	s.NPCID = uint32(npcID)
	s.PlayerID = uint32(playerID)
	s.ItemID = uint16(itemID)
	return s, nil
}

func normalizeSale(sale domainworld.SaleRecord) (domainworld.SaleRecord, error) {
	if sale.Count <= 0 || sale.UnitPrice < 0 || sale.NPCName == "" {
		return sale, ErrInvalidSale
	}
	if sale.Direction != domainworld.SaleToPlayer && sale.Direction != domainworld.SaleFromPlayer {
		return sale, fmt.Errorf("%w: direction %q", ErrInvalidSale, sale.Direction)
	}
	if sale.ID == uuid.Nil {
		sale.ID = uuid.New()
	}
	if sale.Total == 0 {
		sale.Total = sale.Count * sale.UnitPrice
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	return sale, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return min(limit, maxListLimit)
}
