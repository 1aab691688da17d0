package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/shopspring/decimal"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/apperr"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/config"
	"github.com/tm-acme-shop/acme-shop-fulfillment/internal/models"
	"go.uber.org/zap"
)

const (
	productCounter     = "products"
	reserveMaxAttempts = 3
	// DynamoDB rejects transactions with more items than this.
	maxTransactItems = 100
)

type dynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, opts ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

type productItem struct {
	ID          int64     `dynamodbav:"id"`
	Name        string    `dynamodbav:"name"`
	Description *string   `dynamodbav:"description,omitempty"`
	Price       string    `dynamodbav:"price"`
	Quantity    int       `dynamodbav:"quantity"`
	CreatedAt   time.Time `dynamodbav:"created_at"`
	UpdatedAt   time.Time `dynamodbav:"updated_at"`
}

func (it productItem) toModel() (*models.Product, error) {
	price, err := decimal.NewFromString(it.Price)
	if err != nil {
		return nil, fmt.Errorf("product %d: bad price %q: %w", it.ID, it.Price, err)
	}
	return &models.Product{
		ID:          it.ID,
		Name:        it.Name,
		Description: it.Description,
		Price:       price,
		Quantity:    it.Quantity,
		CreatedAt:   it.CreatedAt,
		UpdatedAt:   it.UpdatedAt,
	}, nil
}

type reservationItem struct {
	OrderID   int64     `dynamodbav:"order_id"`
	Status    string    `dynamodbav:"status"`
	Reason    string    `dynamodbav:"reason"`
	CreatedAt time.Time `dynamodbav:"created_at"`
}

// DynamoProductRepository implements ProductRepository on DynamoDB. Stock
// debits go through TransactWriteItems guarded by quantity conditions.
type DynamoProductRepository struct {
	client            dynamoAPI
	productsTable     string
	reservationsTable string
	countersTable     string
	logger            *zap.Logger
}

// NewDynamoDBClient builds a client from the default AWS chain, with static
// credentials and an endpoint override when configured.
func NewDynamoDBClient(ctx context.Context, cfg config.DynamoDBConfig) (*dynamodb.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

func NewDynamoProductRepository(client dynamoAPI, cfg config.DynamoDBConfig, logger *zap.Logger) *DynamoProductRepository {
	return &DynamoProductRepository{
		client:            client,
		productsTable:     cfg.ProductsTable,
		reservationsTable: cfg.ReservationsTable,
		countersTable:     cfg.CountersTable,
		logger:            logger.Named("dynamo-product-repository"),
	}
}

func productKey(id int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"id": &types.AttributeValueMemberN{Value: strconv.FormatInt(id, 10)},
	}
}

func reservationKey(orderID int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"order_id": &types.AttributeValueMemberN{Value: strconv.FormatInt(orderID, 10)},
	}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func (r *DynamoProductRepository) nextProductID(ctx context.Context) (int64, error) {
	expr, err := expression.NewBuilder().
		WithUpdate(expression.Add(expression.Name("value"), expression.Value(1))).
		Build()
	if err != nil {
		return 0, err
	}

	out, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(r.countersTable),
		Key: map[string]types.AttributeValue{
			"name": &types.AttributeValueMemberS{Value: productCounter},
		},
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		UpdateExpression:          expr.Update(),
		ReturnValues:              types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to allocate product id: %w", err)
	}

	var id int64
	if err := attributevalue.Unmarshal(out.Attributes["value"], &id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r *DynamoProductRepository) Create(ctx context.Context, req models.CreateProductRequest) (*models.Product, error) {
	id, err := r.nextProductID(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	item := productItem{
		ID:          id,
		Name:        req.Name,
		Description: req.Description,
		Price:       req.Price.StringFixed(2),
		Quantity:    req.Quantity,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal product: %w", err)
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.productsTable),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to put item: %w", err)
	}

	r.logger.Info("Product created", zap.Int64("product_id", id), zap.Int("quantity", req.Quantity))
	return item.toModel()
}

func (r *DynamoProductRepository) getItem(ctx context.Context, id int64) (*productItem, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.productsTable),
		Key:            productKey(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	if out.Item == nil {
		return nil, nil
	}

	var item productItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal product: %w", err)
	}
	return &item, nil
}

func (r *DynamoProductRepository) GetByID(ctx context.Context, id int64) (*models.Product, error) {
	item, err := r.getItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, apperr.NotFound("Product not found")
	}
	return item.toModel()
}

// List scans the table and pages by id in memory.
func (r *DynamoProductRepository) List(ctx context.Context, skip, limit int) ([]*models.Product, error) {
	var items []productItem

	paginator := dynamodb.NewScanPaginator(r.client, &dynamodb.ScanInput{
		TableName: aws.String(r.productsTable),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to scan products: %w", err)
		}
		var batch []productItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, err
		}
		items = append(items, batch...)
	}

	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })

	products := make([]*models.Product, 0)
	for i := skip; i < len(items) && len(products) < limit; i++ {
		p, err := items[i].toModel()
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, nil
}

func (r *DynamoProductRepository) Update(ctx context.Context, id int64, req models.UpdateProductRequest) (*models.Product, error) {
	update := expression.Set(expression.Name("updated_at"), expression.Value(time.Now().UTC()))
	if req.Name != nil {
		update = update.Set(expression.Name("name"), expression.Value(*req.Name))
	}
	if req.Description != nil {
		update = update.Set(expression.Name("description"), expression.Value(*req.Description))
	}
	if req.Price != nil {
		update = update.Set(expression.Name("price"), expression.Value(req.Price.StringFixed(2)))
	}
	if req.Quantity != nil {
		update = update.Set(expression.Name("quantity"), expression.Value(*req.Quantity))
	}

	expr, err := expression.NewBuilder().
		WithUpdate(update).
		WithCondition(expression.AttributeExists(expression.Name("id"))).
		Build()
	if err != nil {
		return nil, err
	}

	out, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.productsTable),
		Key:                       productKey(id),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ReturnValues:              types.ReturnValueAllNew,
	})
	if isConditionFailed(err) {
		return nil, apperr.NotFound("Product not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update product: %w", err)
	}

	var item productItem
	if err := attributevalue.UnmarshalMap(out.Attributes, &item); err != nil {
		return nil, err
	}

	r.logger.Info("Product updated", zap.Int64("product_id", id))
	return item.toModel()
}

func (r *DynamoProductRepository) getReservation(ctx context.Context, orderID int64) (*models.Reservation, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.reservationsTable),
		Key:            reservationKey(orderID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}
	if out.Item == nil {
		return nil, nil
	}

	var item reservationItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, err
	}
	return &models.Reservation{
		OrderID:   item.OrderID,
		Status:    models.ReservationStatus(item.Status),
		Reason:    item.Reason,
		CreatedAt: item.CreatedAt,
	}, nil
}

func (r *DynamoProductRepository) GetReservation(ctx context.Context, orderID int64) (*models.Reservation, error) {
	res, err := r.getReservation(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, apperr.NotFound("Reservation for order %d not found", orderID)
	}
	return res, nil
}

func (r *DynamoProductRepository) reservationPut(res *models.Reservation) (*types.Put, error) {
	av, err := attributevalue.MarshalMap(reservationItem{
		OrderID:   res.OrderID,
		Status:    string(res.Status),
		Reason:    res.Reason,
		CreatedAt: res.CreatedAt,
	})
	if err != nil {
		return nil, err
	}
	return &types.Put{
		TableName:           aws.String(r.reservationsTable),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(order_id)"),
	}, nil
}

// Reserve reads stock, checks every item and commits all debits together with
// the reservation record. A transaction cancelled by a concurrent stock change
// is re-evaluated from fresh reads.
func (r *DynamoProductRepository) Reserve(ctx context.Context, orderID int64, items []models.ReservationItem) (*models.Reservation, error) {
	demand := make(map[int64]int)
	for _, item := range items {
		demand[item.ProductID] += item.Quantity
	}
	if len(demand)+1 > maxTransactItems {
		return nil, fmt.Errorf("order %d touches %d products, more than one transaction allows", orderID, len(demand))
	}

	for attempt := 1; attempt <= reserveMaxAttempts; attempt++ {
		res, err := r.tryReserve(ctx, orderID, items, demand)
		if err == nil {
			r.logger.Info("Reservation recorded",
				zap.Int64("order_id", orderID),
				zap.String("status", string(res.Status)),
				zap.String("reason", res.Reason),
				zap.Bool("replayed", res.Replayed))
			return res, nil
		}

		var canceled *types.TransactionCanceledException
		if !errors.As(err, &canceled) {
			return nil, err
		}
		r.logger.Warn("Reservation transaction cancelled, retrying",
			zap.Int64("order_id", orderID),
			zap.Int("attempt", attempt))
	}
	return nil, fmt.Errorf("reservation for order %d kept conflicting", orderID)
}

func (r *DynamoProductRepository) tryReserve(ctx context.Context, orderID int64, items []models.ReservationItem, demand map[int64]int) (*models.Reservation, error) {
	existing, err := r.getReservation(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		existing.Replayed = true
		return existing, nil
	}

	stock := make(map[int64]int, len(demand))
	for id := range demand {
		item, err := r.getItem(ctx, id)
		if err != nil {
			return nil, err
		}
		if item != nil {
			stock[id] = item.Quantity
		}
	}

	res := &models.Reservation{OrderID: orderID, Status: models.ReservationReserved, CreatedAt: time.Now().UTC()}
	if reason := checkStock(stock, items); reason != "" {
		res.Status = models.ReservationFailed
		res.Reason = reason
	}

	put, err := r.reservationPut(res)
	if err != nil {
		return nil, err
	}

	if !res.Succeeded() {
		_, err := r.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           put.TableName,
			Item:                put.Item,
			ConditionExpression: put.ConditionExpression,
		})
		if isConditionFailed(err) {
			return r.replay(ctx, orderID)
		}
		if err != nil {
			return nil, err
		}
		return res, nil
	}

	ids := sortedIDs(demand)
	transact := make([]types.TransactWriteItem, 0, len(ids)+1)
	for _, id := range ids {
		expr, err := expression.NewBuilder().
			WithUpdate(expression.
				Set(expression.Name("quantity"), expression.Minus(expression.Name("quantity"), expression.Value(demand[id]))).
				Set(expression.Name("updated_at"), expression.Value(res.CreatedAt))).
			WithCondition(expression.GreaterThanEqual(expression.Name("quantity"), expression.Value(demand[id]))).
			Build()
		if err != nil {
			return nil, err
		}
		transact = append(transact, types.TransactWriteItem{Update: &types.Update{
			TableName:                 aws.String(r.productsTable),
			Key:                       productKey(id),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			UpdateExpression:          expr.Update(),
			ConditionExpression:       expr.Condition(),
		}})
	}
	transact = append(transact, types.TransactWriteItem{Put: put})

	_, err = r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: transact})
	if err != nil {
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) && reservationConflicted(canceled, len(transact)-1) {
			return r.replay(ctx, orderID)
		}
		return nil, err
	}
	return res, nil
}

func (r *DynamoProductRepository) replay(ctx context.Context, orderID int64) (*models.Reservation, error) {
	res, err := r.getReservation(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, fmt.Errorf("reservation for order %d vanished", orderID)
	}
	res.Replayed = true
	return res, nil
}

func reservationConflicted(e *types.TransactionCanceledException, index int) bool {
	if index >= len(e.CancellationReasons) {
		return false
	}
	code := e.CancellationReasons[index].Code
	return code != nil && *code == "ConditionalCheckFailed"
}

func (r *DynamoProductRepository) RecordFailure(ctx context.Context, orderID int64, reason string) error {
	put, err := r.reservationPut(&models.Reservation{
		OrderID:   orderID,
		Status:    models.ReservationFailed,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           put.TableName,
		Item:                put.Item,
		ConditionExpression: put.ConditionExpression,
	})
	if isConditionFailed(err) {
		return nil
	}
	return err
}

// Release adds quantities back to every known product in one transaction, so
// a failure leaves stock untouched. Products missing at read time are skipped.
func (r *DynamoProductRepository) Release(ctx context.Context, items []models.ReservationItem) error {
	demand := make(map[int64]int)
	for _, item := range items {
		demand[item.ProductID] += item.Quantity
	}
	if len(demand) > maxTransactItems {
		return fmt.Errorf("release touches %d products, more than one transaction allows", len(demand))
	}

	now := time.Now().UTC()
	transact := make([]types.TransactWriteItem, 0, len(demand))
	for _, id := range sortedIDs(demand) {
		existing, err := r.getItem(ctx, id)
		if err != nil {
			return err
		}
		if existing == nil {
			r.logger.Warn("Release skipped unknown product", zap.Int64("product_id", id))
			continue
		}

		expr, err := expression.NewBuilder().
			WithUpdate(expression.
				Add(expression.Name("quantity"), expression.Value(demand[id])).
				Set(expression.Name("updated_at"), expression.Value(now))).
			WithCondition(expression.AttributeExists(expression.Name("id"))).
			Build()
		if err != nil {
			return err
		}
		transact = append(transact, types.TransactWriteItem{Update: &types.Update{
			TableName:                 aws.String(r.productsTable),
			Key:                       productKey(id),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			UpdateExpression:          expr.Update(),
			ConditionExpression:       expr.Condition(),
		}})
	}
	if len(transact) == 0 {
		return nil
	}

	if _, err := r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: transact}); err != nil {
		return fmt.Errorf("failed to release inventory: %w", err)
	}
	return nil
}

func sortedIDs(demand map[int64]int) []int64 {
	ids := make([]int64, 0, len(demand))
	for id := range demand {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *DynamoProductRepository) Ping(ctx context.Context) error {
	_, err := r.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(r.productsTable)})
	return err
}
