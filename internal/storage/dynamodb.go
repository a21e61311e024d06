package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/juju/errors"

	"github.com/rezonia/xml-sender/internal/model"
)

// DefaultDynamoDBTable is the table used when none is configured
const DefaultDynamoDBTable = "xml_sender_documents"

// statusIndex is the global secondary index on delivery_status
const statusIndex = "delivery_status-index"

// DynamoDBAPI is the subset of *dynamodb.Client used by the repository
type DynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

type sunatStatusItem struct {
	Code        int    `dynamodbav:"code"`
	Ticket      string `dynamodbav:"ticket,omitempty"`
	Status      string `dynamodbav:"status"`
	Description string `dynamodbav:"description"`
}

type documentItem struct {
	ID             string           `dynamodbav:"id"`
	FileID         string           `dynamodbav:"file_id"`
	CDRID          string           `dynamodbav:"cdr_id,omitempty"`
	CustomID       string           `dynamodbav:"custom_id,omitempty"`
	RUC            string           `dynamodbav:"ruc"`
	Filename       string           `dynamodbav:"filename"`
	DocumentID     string           `dynamodbav:"document_id"`
	DocumentType   string           `dynamodbav:"document_type"`
	DeliveryURL    string           `dynamodbav:"delivery_url"`
	Username       string           `dynamodbav:"username,omitempty"`
	Password       string           `dynamodbav:"password,omitempty"`
	System         bool             `dynamodbav:"system_credentials,omitempty"`
	DeliveryStatus string           `dynamodbav:"delivery_status"`
	SunatStatus    *sunatStatusItem `dynamodbav:"sunat_status,omitempty"`
	Attempts       int              `dynamodbav:"attempts"`
	LastError      string           `dynamodbav:"last_error,omitempty"`
	CreatedAt      string           `dynamodbav:"created_at"`
	UpdatedAt      string           `dynamodbav:"updated_at"`
}

// DynamoDBRepository persists records in DynamoDB.
//
// Table requirements:
//   - PK: id (string)
//   - GSI delivery_status-index with PK delivery_status (string)
type DynamoDBRepository struct {
	ddb       DynamoDBAPI
	tableName string
}

// NewDynamoDBRepository creates a repository on tableName
func NewDynamoDBRepository(ddb DynamoDBAPI, tableName string) *DynamoDBRepository {
	if tableName == "" {
		tableName = DefaultDynamoDBTable
	}
	return &DynamoDBRepository{ddb: ddb, tableName: tableName}
}

func (r *DynamoDBRepository) key(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"id": &types.AttributeValueMemberS{Value: id},
	}
}

func (r *DynamoDBRepository) Create(ctx context.Context, doc *model.Document) error {
	av, err := attributevalue.MarshalMap(toDocumentItem(doc))
	if err != nil {
		return err
	}

	_, err = r.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(#id)"),
		ExpressionAttributeNames: map[string]string{
			"#id": "id",
		},
	})
	if isConditionFailed(err) {
		return fmt.Errorf("document %s already exists", doc.ID)
	}
	return errors.Annotatef(err, "putting document %s", doc.ID)
}

func (r *DynamoDBRepository) Get(ctx context.Context, id string) (*model.Document, error) {
	out, err := r.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            r.key(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, errors.Annotatef(err, "getting document %s", id)
	}
	if len(out.Item) == 0 {
		return nil, notFound(id)
	}

	var it documentItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, err
	}
	return fromDocumentItem(it), nil
}

func (r *DynamoDBRepository) Claim(ctx context.Context, id string, at time.Time) (*model.Document, error) {
	out, err := r.ddb.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(r.tableName),
		Key:                 r.key(id),
		ConditionExpression: aws.String("attribute_exists(#id) AND #status = :scheduled"),
		UpdateExpression:    aws.String("SET #status = :delivering, #updated = :at"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":scheduled":  &types.AttributeValueMemberS{Value: string(model.StatusScheduledToDeliver)},
			":delivering": &types.AttributeValueMemberS{Value: string(model.StatusDelivering)},
			":at":         &types.AttributeValueMemberS{Value: formatTime(at)},
		},
		ExpressionAttributeNames: map[string]string{
			"#id":      "id",
			"#status":  "delivery_status",
			"#updated": "updated_at",
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if isConditionFailed(err) {
		doc, getErr := r.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("document %s is %s: %w", id, doc.DeliveryStatus, model.ErrAlreadyClaimed)
	}
	if err != nil {
		return nil, errors.Annotatef(err, "claiming document %s", id)
	}

	var it documentItem
	if err := attributevalue.UnmarshalMap(out.Attributes, &it); err != nil {
		return nil, err
	}
	return fromDocumentItem(it), nil
}

// Update reads the record, applies t and writes it back on the condition
// that status and attempts did not change in between
func (r *DynamoDBRepository) Update(ctx context.Context, id string, t model.Transition) (*model.Document, error) {
	doc, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	prevStatus, prevAttempts := doc.DeliveryStatus, doc.Attempts
	if err := doc.Apply(t); err != nil {
		return nil, err
	}

	av, err := attributevalue.MarshalMap(toDocumentItem(doc))
	if err != nil {
		return nil, err
	}
	_, err = r.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                av,
		ConditionExpression: aws.String("#status = :status AND #attempts = :attempts"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status":   &types.AttributeValueMemberS{Value: string(prevStatus)},
			":attempts": &types.AttributeValueMemberN{Value: strconv.Itoa(prevAttempts)},
		},
		ExpressionAttributeNames: map[string]string{
			"#status":   "delivery_status",
			"#attempts": "attempts",
		},
	})
	if isConditionFailed(err) {
		return nil, fmt.Errorf("document %s: %w", id, ErrConcurrentUpdate)
	}
	if err != nil {
		return nil, errors.Annotatef(err, "updating document %s", id)
	}
	return doc, nil
}

func (r *DynamoDBRepository) ListByStatus(ctx context.Context, status model.DeliveryStatus) ([]*model.Document, error) {
	p := dynamodb.NewQueryPaginator(r.ddb, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		IndexName:              aws.String(statusIndex),
		KeyConditionExpression: aws.String("#status = :status"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status": &types.AttributeValueMemberS{Value: string(status)},
		},
		ExpressionAttributeNames: map[string]string{
			"#status": "delivery_status",
		},
	})

	var out []*model.Document
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, errors.Annotatef(err, "listing %s documents", status)
		}
		var items []documentItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, err
		}
		for _, it := range items {
			out = append(out, fromDocumentItem(it))
		}
	}
	return out, nil
}

func isConditionFailed(err error) bool {
	var cfe *types.ConditionalCheckFailedException
	return err != nil && errors.As(err, &cfe)
}

func toDocumentItem(doc *model.Document) documentItem {
	it := documentItem{
		ID:             doc.ID,
		FileID:         doc.FileID,
		CDRID:          doc.CDRID,
		CustomID:       doc.CustomID,
		RUC:            doc.FileInfo.RUC,
		Filename:       doc.FileInfo.Filename,
		DocumentID:     doc.FileInfo.DocumentID,
		DocumentType:   doc.FileInfo.DocumentType,
		DeliveryURL:    doc.FileInfo.DeliveryURL,
		Username:       doc.Credentials.Username,
		Password:       doc.Credentials.Password,
		System:         doc.Credentials.System,
		DeliveryStatus: string(doc.DeliveryStatus),
		Attempts:       doc.Attempts,
		LastError:      doc.LastError,
		CreatedAt:      formatTime(doc.CreatedAt),
		UpdatedAt:      formatTime(doc.UpdatedAt),
	}
	if s := doc.SunatStatus; s != nil {
		it.SunatStatus = &sunatStatusItem{
			Code:        s.Code,
			Ticket:      s.Ticket,
			Status:      s.Status,
			Description: s.Description,
		}
	}
	return it
}

func fromDocumentItem(it documentItem) *model.Document {
	createdAt, _ := time.Parse(timeLayout, it.CreatedAt)
	updatedAt, _ := time.Parse(timeLayout, it.UpdatedAt)

	doc := &model.Document{
		ID:       it.ID,
		FileID:   it.FileID,
		CDRID:    it.CDRID,
		CustomID: it.CustomID,
		FileInfo: model.FileInfo{
			RUC:          it.RUC,
			Filename:     it.Filename,
			DocumentID:   it.DocumentID,
			DocumentType: it.DocumentType,
			DeliveryURL:  it.DeliveryURL,
		},
		Credentials:    model.Credentials{Username: it.Username, Password: it.Password, System: it.System},
		DeliveryStatus: model.DeliveryStatus(it.DeliveryStatus),
		Attempts:       it.Attempts,
		LastError:      it.LastError,
		CreatedAt:      createdAt,
		UpdatedAt:      updatedAt,
	}
	if s := it.SunatStatus; s != nil {
		doc.SunatStatus = &model.SunatStatus{
			Code:        s.Code,
			Ticket:      s.Ticket,
			Status:      s.Status,
			Description: s.Description,
		}
	}
	return doc
}
