package service

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/clients"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/models"
)

// PriceItems snapshots the current catalog price of every item. Each product
// is looked up once however often it appears.
func PriceItems(ctx context.Context, catalog clients.CatalogClient, items []models.CreateOrderItem) ([]models.OrderItem, error) {
	prices := make(map[int64]decimal.Decimal, len(items))
	priced := make([]models.OrderItem, 0, len(items))

	for _, item := range items {
		price, ok := prices[item.ProductID]
		if !ok {
			product, err := catalog.GetProduct(ctx, item.ProductID)
			if err != nil {
				return nil, err
			}
			price = product.Price
			prices[item.ProductID] = price
		}

		priced = append(priced, models.OrderItem{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			Price:     price,
		})
	}

	return priced, nil
}
