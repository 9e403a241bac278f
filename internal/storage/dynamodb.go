package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	ientconfig "github.com/flowbill/entitlements/internal/config"
	"github.com/flowbill/entitlements/internal/domain/entitlement"
	"github.com/flowbill/entitlements/internal/domain/grant"
	ierr "github.com/flowbill/entitlements/internal/errors"
	ienttypes "github.com/flowbill/entitlements/internal/types"
)

// DynamoDBStorage is the "distributed-kv" EntitlementStorage variant:
// one table keyed on "key" holding the marshaled state, plus three more
// tables for the append-only usage/verification queues and the grants.
type DynamoDBStorage struct {
	client      *dynamodb.Client
	stateTable  string
	usageTable  string
	verifyTable string
	grantTable  string
}

// NewDynamoDBStorage loads the default AWS config (region/credentials
// from environment, shared config, or instance role) and targets the
// table configured under entitlement_storage.
func NewDynamoDBStorage(ctx context.Context, cfg *ientconfig.Configuration) (*DynamoDBStorage, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.EntitlementStorage.DynamoDBRegion))
	if err != nil {
		return nil, ierr.WithError(err).WithHint("failed to load aws config").Mark(ierr.ErrSystem)
	}

	base := cfg.EntitlementStorage.DynamoDBTable
	return &DynamoDBStorage{
		client:      dynamodb.NewFromConfig(awsCfg),
		stateTable:  base,
		usageTable:  base + "_usage",
		verifyTable: base + "_verification",
		grantTable:  base + "_grant",
	}, nil
}

type dynamoStateItem struct {
	Key     string `dynamodbav:"key"`
	Payload []byte `dynamodbav:"payload"`
}

func (s *DynamoDBStorage) Get(ctx context.Context, key string) (*entitlement.State, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.stateTable),
		Key: map[string]types.AttributeValue{
			"key": &types.AttributeValueMemberS{Value: key},
		},
	})
	if err != nil {
		return nil, ierr.WithError(err).Mark(ierr.ErrDatabase)
	}
	if out.Item == nil {
		return nil, nil
	}

	var item dynamoStateItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, ierr.WithError(err).Mark(ierr.ErrDatabase)
	}

	var p persistedState
	if err := json.Unmarshal(item.Payload, &p); err != nil {
		return nil, ierr.WithError(err).Mark(ierr.ErrDatabase)
	}
	return fromPersisted(&p), nil
}

func (s *DynamoDBStorage) Set(ctx context.Context, key string, state *entitlement.State) error {
	if state == nil {
		return ierr.NewError("state is nil").Mark(ierr.ErrValidation)
	}
	raw, err := json.Marshal(toPersisted(state))
	if err != nil {
		return ierr.WithError(err).Mark(ierr.ErrDatabase)
	}

	item, err := attributevalue.MarshalMap(dynamoStateItem{Key: key, Payload: raw})
	if err != nil {
		return ierr.WithError(err).Mark(ierr.ErrDatabase)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.stateTable),
		Item:      item,
	})
	if err != nil {
		return ierr.WithError(err).WithHint("failed to persist entitlement state").Mark(ierr.ErrDatabase)
	}
	return nil
}

func (s *DynamoDBStorage) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.stateTable),
		Key: map[string]types.AttributeValue{
			"key": &types.AttributeValueMemberS{Value: key},
		},
	})
	if err != nil {
		return ierr.WithError(err).Mark(ierr.ErrDatabase)
	}
	return nil
}

// GetAll scans the table. DynamoDB scans are O(table) and meant only
// for the reconciliation/prewarm path, never the hot verify/consume path.
func (s *DynamoDBStorage) GetAll(ctx context.Context) ([]*entitlement.State, error) {
	var out []*entitlement.State
	var startKey map[string]types.AttributeValue

	for {
		res, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(s.stateTable),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, ierr.WithError(err).Mark(ierr.ErrDatabase)
		}

		for _, rawItem := range res.Items {
			var item dynamoStateItem
			if err := attributevalue.UnmarshalMap(rawItem, &item); err != nil {
				return nil, ierr.WithError(err).Mark(ierr.ErrDatabase)
			}
			var p persistedState
			if err := json.Unmarshal(item.Payload, &p); err != nil {
				return nil, ierr.WithError(err).Mark(ierr.ErrDatabase)
			}
			out = append(out, fromPersisted(&p))
		}

		if res.LastEvaluatedKey == nil {
			break
		}
		startKey = res.LastEvaluatedKey
	}
	return out, nil
}

type dynamoUsageItem struct {
	ID             string `dynamodbav:"id"`
	EntitlementID  string `dynamodbav:"entitlement_id"`
	GrantID        string `dynamodbav:"grant_id"`
	Amount         string `dynamodbav:"amount"`
	OccurredAtUnix int64  `dynamodbav:"occurred_at_unix"`
	IdempotenceKey string `dynamodbav:"idempotence_key"`
	RequestID      string `dynamodbav:"request_id"`
}

func (s *DynamoDBStorage) InsertUsageRecord(ctx context.Context, record *entitlement.UsageRecord) error {
	item, err := attributevalue.MarshalMap(dynamoUsageItem{
		ID:             ulid.Make().String(),
		EntitlementID:  record.EntitlementID,
		GrantID:        record.GrantID,
		Amount:         record.Amount.String(),
		OccurredAtUnix: record.Timestamp.UnixNano(),
		IdempotenceKey: record.IdempotenceKey,
		RequestID:      record.RequestID,
	})
	if err != nil {
		return ierr.WithError(err).Mark(ierr.ErrDatabase)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.usageTable),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(idempotence_key)"),
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return nil
		}
		return ierr.WithError(err).Mark(ierr.ErrDatabase)
	}
	return nil
}

func isConditionalCheckFailed(err error) bool {
	_, ok := err.(*types.ConditionalCheckFailedException)
	return ok
}

type dynamoVerifyItem struct {
	ID             string `dynamodbav:"id"`
	EntitlementID  string `dynamodbav:"entitlement_id"`
	OccurredAtUnix int64  `dynamodbav:"occurred_at_unix"`
	Allowed        bool   `dynamodbav:"allowed"`
	DeniedReason   string `dynamodbav:"denied_reason"`
	LatencyMs      int64  `dynamodbav:"latency_ms"`
	RequestID      string `dynamodbav:"request_id"`
}

func (s *DynamoDBStorage) InsertVerification(ctx context.Context, record *entitlement.VerificationRecord) error {
	item, err := attributevalue.MarshalMap(dynamoVerifyItem{
		ID:             ulid.Make().String(),
		EntitlementID:  record.EntitlementID,
		OccurredAtUnix: record.Timestamp.UnixNano(),
		Allowed:        record.Allowed,
		DeniedReason:   string(record.DeniedReason),
		LatencyMs:      record.LatencyMs,
		RequestID:      record.RequestID,
	})
	if err != nil {
		return ierr.WithError(err).Mark(ierr.ErrDatabase)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.verifyTable),
		Item:      item,
	})
	if err != nil {
		return ierr.WithError(err).Mark(ierr.ErrDatabase)
	}
	return nil
}

func (s *DynamoDBStorage) GetAllUsageRecords(ctx context.Context) ([]*entitlement.UsageRecord, error) {
	return scanUsage(ctx, s.client, s.usageTable)
}

func scanUsage(ctx context.Context, client *dynamodb.Client, table string) ([]*entitlement.UsageRecord, error) {
	var out []*entitlement.UsageRecord
	var startKey map[string]types.AttributeValue
	for {
		res, err := client.Scan(ctx, &dynamodb.ScanInput{TableName: aws.String(table), ExclusiveStartKey: startKey})
		if err != nil {
			return nil, ierr.WithError(err).Mark(ierr.ErrDatabase)
		}
		for _, rawItem := range res.Items {
			var item dynamoUsageItem
			if err := attributevalue.UnmarshalMap(rawItem, &item); err != nil {
				return nil, ierr.WithError(err).Mark(ierr.ErrDatabase)
			}
			amount, err := decimal.NewFromString(item.Amount)
			if err != nil {
				return nil, ierr.WithError(err).Mark(ierr.ErrDatabase)
			}
			out = append(out, &entitlement.UsageRecord{
				EntitlementID:  item.EntitlementID,
				GrantID:        item.GrantID,
				Amount:         amount,
				IdempotenceKey: item.IdempotenceKey,
				RequestID:      item.RequestID,
			})
		}
		if res.LastEvaluatedKey == nil {
			break
		}
		startKey = res.LastEvaluatedKey
	}
	return out, nil
}

func (s *DynamoDBStorage) GetAllVerifications(ctx context.Context) ([]*entitlement.VerificationRecord, error) {
	var out []*entitlement.VerificationRecord
	var startKey map[string]types.AttributeValue
	for {
		res, err := s.client.Scan(ctx, &dynamodb.ScanInput{TableName: aws.String(s.verifyTable), ExclusiveStartKey: startKey})
		if err != nil {
			return nil, ierr.WithError(err).Mark(ierr.ErrDatabase)
		}
		for _, rawItem := range res.Items {
			var item dynamoVerifyItem
			if err := attributevalue.UnmarshalMap(rawItem, &item); err != nil {
				return nil, ierr.WithError(err).Mark(ierr.ErrDatabase)
			}
			out = append(out, &entitlement.VerificationRecord{
				EntitlementID: item.EntitlementID,
				Allowed:       item.Allowed,
				LatencyMs:     item.LatencyMs,
				RequestID:     item.RequestID,
			})
		}
		if res.LastEvaluatedKey == nil {
			break
		}
		startKey = res.LastEvaluatedKey
	}
	return out, nil
}

func (s *DynamoDBStorage) deleteAll(ctx context.Context, table, keyAttr string) error {
	var startKey map[string]types.AttributeValue
	for {
		res, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:            aws.String(table),
			ExclusiveStartKey:    startKey,
			ProjectionExpression: aws.String(keyAttr),
		})
		if err != nil {
			return ierr.WithError(err).Mark(ierr.ErrDatabase)
		}
		for _, item := range res.Items {
			if _, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName: aws.String(table),
				Key:       map[string]types.AttributeValue{keyAttr: item[keyAttr]},
			}); err != nil {
				return ierr.WithError(err).Mark(ierr.ErrDatabase)
			}
		}
		if res.LastEvaluatedKey == nil {
			break
		}
		startKey = res.LastEvaluatedKey
	}
	return nil
}

func (s *DynamoDBStorage) DeleteAllUsageRecords(ctx context.Context) error {
	return s.deleteAll(ctx, s.usageTable, "id")
}

func (s *DynamoDBStorage) DeleteAllVerifications(ctx context.Context) error {
	return s.deleteAll(ctx, s.verifyTable, "id")
}

// dynamoGrantItem keys on "subject" (tenantId#subjectId) so
// ActiveGrantsForCustomer is a single partition Query instead of a
// table scan, unlike GetAll's reconciliation-only scan.
type dynamoGrantItem struct {
	Subject              string `dynamodbav:"subject"`
	ID                   string `dynamodbav:"id"`
	TenantID             string `dynamodbav:"tenant_id"`
	SubjectID            string `dynamodbav:"subject_id"`
	FeatureSlug          string `dynamodbav:"feature_slug"`
	GrantType            string `dynamodbav:"grant_type"`
	Priority             int    `dynamodbav:"priority"`
	Limit                string `dynamodbav:"grant_limit,omitempty"`
	EffectiveAtUnix      int64  `dynamodbav:"effective_at_unix"`
	ExpiresAtUnix        int64  `dynamodbav:"expires_at_unix,omitempty"`
	OverageStrategy      string `dynamodbav:"overage_strategy"`
	FeaturePlanVersionID string `dynamodbav:"feature_plan_version_id,omitempty"`
	Status               string `dynamodbav:"status"`
}

func grantSubjectKey(tenantID, subjectID string) string {
	return tenantID + "#" + subjectID
}

func (s *DynamoDBStorage) InsertGrant(ctx context.Context, g *grant.Grant) error {
	if g == nil {
		return ierr.NewError("grant is nil").Mark(ierr.ErrValidation)
	}

	item := dynamoGrantItem{
		Subject:              grantSubjectKey(g.TenantID, g.SubjectID),
		ID:                   g.ID,
		TenantID:             g.TenantID,
		SubjectID:            g.SubjectID,
		FeatureSlug:          g.FeatureSlug,
		GrantType:            string(g.Type),
		Priority:             g.Priority,
		EffectiveAtUnix:      g.EffectiveAt.UnixNano(),
		OverageStrategy:      string(g.OverageStrategy),
		FeaturePlanVersionID: g.FeaturePlanVersionID,
		Status:               string(g.Status),
	}
	if g.Limit != nil {
		item.Limit = g.Limit.String()
	}
	if g.ExpiresAt != nil {
		item.ExpiresAtUnix = g.ExpiresAt.UnixNano()
	}

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return ierr.WithError(err).Mark(ierr.ErrDatabase)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.grantTable),
		Item:      av,
	})
	if err != nil {
		return ierr.WithError(err).WithHint("failed to persist grant").Mark(ierr.ErrDatabase)
	}
	return nil
}

// ActiveGrantsForCustomer implements entitlement.GrantLoader.
func (s *DynamoDBStorage) ActiveGrantsForCustomer(ctx context.Context, projectID, customerID string, now time.Time, featureSlug string) ([]*grant.Grant, error) {
	key, err := attributevalue.Marshal(grantSubjectKey(projectID, customerID))
	if err != nil {
		return nil, ierr.WithError(err).Mark(ierr.ErrDatabase)
	}

	out := make([]*grant.Grant, 0)
	var startKey map[string]types.AttributeValue
	for {
		res, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(s.grantTable),
			KeyConditionExpression:    aws.String("subject = :s"),
			ExpressionAttributeValues: map[string]types.AttributeValue{":s": key},
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return nil, ierr.WithError(err).Mark(ierr.ErrDatabase)
		}

		for _, rawItem := range res.Items {
			var item dynamoGrantItem
			if err := attributevalue.UnmarshalMap(rawItem, &item); err != nil {
				return nil, ierr.WithError(err).Mark(ierr.ErrDatabase)
			}
			g, err := grantFromItem(item)
			if err != nil {
				return nil, err
			}
			if featureSlug != "" && g.FeatureSlug != featureSlug {
				continue
			}
			if !g.ActiveAt(now) {
				continue
			}
			out = append(out, g)
		}

		if res.LastEvaluatedKey == nil {
			break
		}
		startKey = res.LastEvaluatedKey
	}
	return out, nil
}

func grantFromItem(item dynamoGrantItem) (*grant.Grant, error) {
	g := &grant.Grant{
		ID:                   item.ID,
		SubjectID:            item.SubjectID,
		Type:                 ienttypes.GrantType(item.GrantType),
		Priority:             item.Priority,
		EffectiveAt:          time.Unix(0, item.EffectiveAtUnix).UTC(),
		OverageStrategy:      ienttypes.OverageStrategy(item.OverageStrategy),
		FeaturePlanVersionID: item.FeaturePlanVersionID,
		FeatureSlug:          item.FeatureSlug,
		BaseModel: ienttypes.BaseModel{
			TenantID: item.TenantID,
			Status:   ienttypes.Status(item.Status),
		},
	}
	if item.Limit != "" {
		d, err := decimal.NewFromString(item.Limit)
		if err != nil {
			return nil, ierr.WithError(err).Mark(ierr.ErrDatabase)
		}
		g.Limit = &d
	}
	if item.ExpiresAtUnix != 0 {
		t := time.Unix(0, item.ExpiresAtUnix).UTC()
		g.ExpiresAt = &t
	}
	return g, nil
}

func (s *DynamoDBStorage) Flush(ctx context.Context) (*FlushResult, error) {
	usage, err := s.GetAllUsageRecords(ctx)
	if err != nil {
		return nil, err
	}
	verifications, err := s.GetAllVerifications(ctx)
	if err != nil {
		return nil, err
	}

	res := &FlushResult{}
	res.Usage.Count = len(usage)
	res.Verification.Count = len(verifications)
	if len(usage) > 0 {
		res.Usage.LastID = usage[len(usage)-1].IdempotenceKey
	}
	if len(verifications) > 0 {
		res.Verification.LastID = fmt.Sprintf("%d", len(verifications))
	}
	return res, nil
}
