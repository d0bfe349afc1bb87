package api

import (
	"github.com/starford/recordsync/internal/entityservice"
	"github.com/starford/recordsync/internal/models"
)

// EntityInput is the request body for creating or patching an entity.
type EntityInput = entityservice.Input

// EntityView is the entity response type (aliased from the domain layer).
type EntityView = models.EntityView

// TypeView is the entity type response type (aliased from the domain layer).
type TypeView = models.TypeView

// SyncResult is the push/pull response type (aliased from the domain layer).
type SyncResult = models.SyncResult

// EntityListResponse wraps entity listings.
type EntityListResponse struct {
	Entities []EntityView `json:"entities" validate:"required"`
	Total    int          `json:"total" example:"42" validate:"required"`
}

// TypeListResponse wraps the registered entity types.
type TypeListResponse struct {
	Types []TypeView `json:"types" validate:"required"`
}
