package api

import (
	"context"

	"github.com/starford/recordsync/internal/entityservice"
	"github.com/starford/recordsync/internal/models"
)

// Entities is the entity read/write surface the handlers use.
type Entities interface {
	Types() []models.TypeView
	Type(name string) (models.TypeView, error)
	List(ctx context.Context, typ string, pendingOnly bool) ([]models.EntityView, error)
	Get(ctx context.Context, typ string, id int64) (models.EntityView, error)
	Create(ctx context.Context, typ string, in entityservice.Input) (models.EntityView, error)
	Update(ctx context.Context, typ string, id int64, in entityservice.Input) (models.EntityView, error)
	Delete(ctx context.Context, typ string, id int64) error
}

// Syncer runs one push or pull of an entity type.
type Syncer interface {
	Push(ctx context.Context, typ string) (models.SyncResult, error)
	Pull(ctx context.Context, typ string) (models.SyncResult, error)
}

var _ Entities = (*entityservice.Service)(nil)
