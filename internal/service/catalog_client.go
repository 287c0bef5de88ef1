package service

import (
	"context"

	"storefront-commerce/internal/apperr"
	"storefront-commerce/internal/models"
	"storefront-commerce/internal/util"

	"go.uber.org/zap"
)

// CatalogClient reads prices and stock flags from the catalog. Prices it
// returns are snapshotted into carts and never re-queried.
type CatalogClient struct {
	repo   CatalogRepository
	logger *zap.Logger
}

// NewCatalogClient creates a new catalog client
func NewCatalogClient(repo CatalogRepository) *CatalogClient {
	return &CatalogClient{
		repo:   repo,
		logger: util.GetLogger(),
	}
}

// Lookup returns the sellable entry for a product variant. Out-of-stock items
// that do not allow backorder are rejected.
func (cc *CatalogClient) Lookup(ctx context.Context, tenantID, productID, variantID string) (entry *models.CatalogEntry, err error) {
	ctx, span := util.StartSpan(ctx, "CatalogClient.Lookup", tenantID)
	defer func() { util.EndSpan(span, err) }()

	entry, err = cc.repo.GetCatalogEntry(ctx, tenantID, productID, variantID)
	if apperr.IsNotFound(err) {
		return nil, apperr.Validation("product is not available")
	}
	if err != nil {
		return nil, err
	}

	if !entry.InStock && !entry.Backorder {
		cc.logger.Info("Rejected out-of-stock item",
			zap.String("tenant_id", tenantID),
			zap.String("product_id", productID),
			zap.String("variant_id", variantID))
		return nil, apperr.Validation("product is out of stock")
	}
	return entry, nil
}
