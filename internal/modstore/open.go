package modstore

import (
	"context"
	"fmt"

	"github.com/guptmilan/chat-server/internal/config"
	"github.com/guptmilan/chat-server/internal/database"
)

// Open connects the backend selected by cfg.ModerationStore and prepares its
// schema. "none" yields Nop.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.ModerationStore {
	case config.StorePostgres:
		db, err := database.OpenPostgres(ctx, cfg.PostgresURI)
		if err != nil {
			if db != nil {
				db.Close()
			}
			return nil, err
		}
		p := NewPostgres(db)
		if err := p.Migrate(); err != nil {
			db.Close()
			return nil, err
		}
		return p, nil

	case config.StoreMongo:
		client, db, err := database.OpenMongo(ctx, cfg.MongoURI)
		if err != nil {
			if client != nil {
				_ = client.Disconnect(ctx)
			}
			return nil, err
		}
		m := NewMongo(client, db)
		if err := m.EnsureIndexes(ctx); err != nil {
			_ = client.Disconnect(ctx)
			return nil, err
		}
		return m, nil

	case config.StoreNone, "":
		return Nop{}, nil
	}
	return nil, fmt.Errorf("modstore: unknown backend %q", cfg.ModerationStore)
}
