package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/layneker8/soft-turnos/internal/store"
)

// SeedCatalog upserts the catalog rows. Cubicle bindings are left alone.
func (s *Store) SeedCatalog(ctx context.Context, cat store.Catalog) error {
	batch := &pgx.Batch{}
	for _, svc := range cat.Services {
		batch.Queue(`
			INSERT INTO services (service_id, site_id, name, code, active) VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (service_id) DO UPDATE SET site_id = EXCLUDED.site_id, name = EXCLUDED.name, code = EXCLUDED.code, active = EXCLUDED.active
		`, svc.ServiceID, svc.SiteID, svc.Name, svc.Code, svc.Active)
	}
	for _, p := range cat.Priorities {
		batch.Queue(`
			INSERT INTO priorities (priority_id, name, level) VALUES ($1, $2, $3)
			ON CONFLICT (priority_id) DO UPDATE SET name = EXCLUDED.name, level = EXCLUDED.level
		`, p.PriorityID, p.Name, p.Level)
	}
	for _, c := range cat.Cubicles {
		serviceIDs := c.ServiceIDs
		if serviceIDs == nil {
			serviceIDs = []string{}
		}
		batch.Queue(`
			INSERT INTO cubicles (cubicle_id, site_id, label, service_ids) VALUES ($1, $2, $3, $4)
			ON CONFLICT (cubicle_id) DO UPDATE SET site_id = EXCLUDED.site_id, label = EXCLUDED.label, service_ids = EXCLUDED.service_ids
		`, c.CubicleID, c.SiteID, c.Label, serviceIDs)
	}
	if batch.Len() == 0 {
		return nil
	}
	return s.pool.SendBatch(ctx, batch).Close()
}
