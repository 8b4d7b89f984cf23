package persistence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/molpadia/molpadrive/internal/apperr"
	"github.com/molpadia/molpadrive/internal/domain/entity"
	"github.com/molpadia/molpadrive/internal/domain/repository"
)

type SessionRepository struct {
	db          dynamodbiface.DynamoDBAPI
	table       string
	statusIndex string
	// Profiles table charged on completion.
	profiles string
}

func NewSessionRepository(sess *session.Session, table, statusIndex, profilesTable string) *SessionRepository {
	return NewSessionRepositoryWithClient(dynamodb.New(sess), table, statusIndex, profilesTable)
}

func NewSessionRepositoryWithClient(db dynamodbiface.DynamoDBAPI, table, statusIndex, profilesTable string) *SessionRepository {
	return &SessionRepository{db: db, table: table, statusIndex: statusIndex, profiles: profilesTable}
}

func sessionKey(uploadID string) map[string]*dynamodb.AttributeValue {
	return map[string]*dynamodb.AttributeValue{"upload_id": {S: aws.String(uploadID)}}
}

// Save a new session; the upload ID must not exist yet.
func (r *SessionRepository) Create(ctx context.Context, s *entity.UploadSession) error {
	av, err := dynamodbattribute.MarshalMap(s)
	if err != nil {
		return err
	}
	_, err = r.db.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		Item:                av,
		TableName:           aws.String(r.table),
		ConditionExpression: aws.String("attribute_not_exists(upload_id)"),
	})
	if isConditionFailed(err) {
		return apperr.Conflict("upload session %s already exists", s.UploadID)
	}
	if err != nil {
		return fmt.Errorf("put session %s: %w", s.UploadID, err)
	}
	return nil
}

// Get the session by the upload ID.
func (r *SessionRepository) GetByID(ctx context.Context, uploadID string) (*entity.UploadSession, error) {
	out, err := r.db.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		Key:            sessionKey(uploadID),
		TableName:      aws.String(r.table),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", uploadID, err)
	}
	if len(out.Item) == 0 {
		return nil, apperr.NotFound("upload session %s does not exist", uploadID)
	}
	var s entity.UploadSession
	if err := dynamodbattribute.UnmarshalMap(out.Item, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func activeStatusValues() map[string]*dynamodb.AttributeValue {
	return map[string]*dynamodb.AttributeValue{
		":initiated": {S: aws.String(string(entity.StatusInitiated))},
		":uploading": {S: aws.String(string(entity.StatusUploading))},
	}
}

const activeCondition = "attribute_exists(upload_id) AND #status IN (:initiated, :uploading)"

func (r *SessionRepository) MarkUploading(ctx context.Context, uploadID string) error {
	_, err := r.db.UpdateItemWithContext(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.table),
		Key:                       sessionKey(uploadID),
		UpdateExpression:          aws.String("SET #status = :uploading"),
		ConditionExpression:       aws.String(activeCondition),
		ExpressionAttributeNames:  map[string]*string{"#status": aws.String("status")},
		ExpressionAttributeValues: activeStatusValues(),
	})
	if isConditionFailed(err) {
		return r.rejectTransition(ctx, uploadID)
	}
	if err != nil {
		return fmt.Errorf("update session %s: %w", uploadID, err)
	}
	return nil
}

// Complete marks the session completed and charges the owner in one transaction.
func (r *SessionRepository) Complete(ctx context.Context, s *entity.UploadSession, obj *entity.CompletedObject, chargeQuota bool, at time.Time) error {
	values := activeStatusValues()
	values[":completed"] = &dynamodb.AttributeValue{S: aws.String(string(entity.StatusCompleted))}
	values[":at"] = &dynamodb.AttributeValue{N: aws.String(strconv.FormatInt(at.Unix(), 10))}
	values[":location"] = &dynamodb.AttributeValue{S: aws.String(obj.Location)}
	values[":etag"] = &dynamodb.AttributeValue{S: aws.String(obj.ETag)}

	items := []*dynamodb.TransactWriteItem{{
		Update: &dynamodb.Update{
			TableName:                 aws.String(r.table),
			Key:                       sessionKey(s.UploadID),
			UpdateExpression:          aws.String("SET #status = :completed, completed_at = :at, #location = :location, etag = :etag"),
			ConditionExpression:       aws.String(activeCondition),
			ExpressionAttributeNames:  map[string]*string{"#status": aws.String("status"), "#location": aws.String("location")},
			ExpressionAttributeValues: values,
		},
	}}
	if chargeQuota {
		items = append(items, &dynamodb.TransactWriteItem{
			Update: &dynamodb.Update{
				TableName:        aws.String(r.profiles),
				Key:              profileKey(s.OwnerID),
				UpdateExpression: aws.String("ADD storage_used :size"),
				ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
					":size": {N: aws.String(strconv.FormatInt(s.FileSize, 10))},
				},
			},
		})
	}

	_, err := r.db.TransactWriteItemsWithContext(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	if err == nil {
		return nil
	}
	var canceled *dynamodb.TransactionCanceledException
	if errors.As(err, &canceled) {
		for _, reason := range canceled.CancellationReasons {
			if aws.StringValue(reason.Code) == "ConditionalCheckFailed" {
				return r.rejectTransition(ctx, s.UploadID)
			}
		}
		return fmt.Errorf("complete session %s: %w", s.UploadID, repository.ErrTransactionConflict)
	}
	var aerr awserr.Error
	if errors.As(err, &aerr) && aerr.Code() == dynamodb.ErrCodeTransactionConflictException {
		return fmt.Errorf("complete session %s: %w", s.UploadID, repository.ErrTransactionConflict)
	}
	return fmt.Errorf("complete session %s: %w", s.UploadID, err)
}

func (r *SessionRepository) Abort(ctx context.Context, uploadID string, at time.Time) error {
	values := activeStatusValues()
	values[":aborted"] = &dynamodb.AttributeValue{S: aws.String(string(entity.StatusAborted))}
	values[":at"] = &dynamodb.AttributeValue{N: aws.String(strconv.FormatInt(at.Unix(), 10))}
	_, err := r.db.UpdateItemWithContext(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.table),
		Key:                       sessionKey(uploadID),
		UpdateExpression:          aws.String("SET #status = :aborted, aborted_at = :at"),
		ConditionExpression:       aws.String(activeCondition),
		ExpressionAttributeNames:  map[string]*string{"#status": aws.String("status")},
		ExpressionAttributeValues: values,
	})
	if isConditionFailed(err) {
		return r.rejectTransition(ctx, uploadID)
	}
	if err != nil {
		return fmt.Errorf("abort session %s: %w", uploadID, err)
	}
	return nil
}

// ListStale queries the status index once per active status.
func (r *SessionRepository) ListStale(ctx context.Context, before time.Time) ([]*entity.UploadSession, error) {
	var stale []*entity.UploadSession
	for _, status := range []entity.Status{entity.StatusInitiated, entity.StatusUploading} {
		var pageErr error
		err := r.db.QueryPagesWithContext(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(r.table),
			IndexName:              aws.String(r.statusIndex),
			KeyConditionExpression: aws.String("#status = :status AND created_at < :before"),
			ExpressionAttributeNames: map[string]*string{
				"#status": aws.String("status"),
			},
			ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
				":status": {S: aws.String(string(status))},
				":before": {N: aws.String(strconv.FormatInt(before.Unix(), 10))},
			},
		}, func(page *dynamodb.QueryOutput, lastPage bool) bool {
			var sessions []*entity.UploadSession
			if pageErr = dynamodbattribute.UnmarshalListOfMaps(page.Items, &sessions); pageErr != nil {
				return false
			}
			stale = append(stale, sessions...)
			return true
		})
		if err != nil {
			return nil, fmt.Errorf("query %s sessions: %w", status, err)
		}
		if pageErr != nil {
			return nil, pageErr
		}
	}
	return stale, nil
}

// Ready checks that the sessions table is reachable.
func (r *SessionRepository) Ready(ctx context.Context) error {
	_, err := r.db.DescribeTableWithContext(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(r.table)})
	return err
}

// A conditional write failed: the session is either missing or terminal.
func (r *SessionRepository) rejectTransition(ctx context.Context, uploadID string) error {
	s, err := r.GetByID(ctx, uploadID)
	if err != nil {
		return err
	}
	return apperr.Conflict("upload session %s is %s", uploadID, s.Status)
}

type ProfileRepository struct {
	db    dynamodbiface.DynamoDBAPI
	table string
}

func NewProfileRepository(sess *session.Session, table string) *ProfileRepository {
	return &ProfileRepository{db: dynamodb.New(sess), table: table}
}

func NewProfileRepositoryWithClient(db dynamodbiface.DynamoDBAPI, table string) *ProfileRepository {
	return &ProfileRepository{db: db, table: table}
}

func profileKey(ownerID string) map[string]*dynamodb.AttributeValue {
	return map[string]*dynamodb.AttributeValue{"owner_id": {S: aws.String(ownerID)}}
}

// Get the owner profile by the owner ID.
func (r *ProfileRepository) GetByID(ctx context.Context, ownerID string) (*entity.Profile, error) {
	out, err := r.db.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		Key:            profileKey(ownerID),
		TableName:      aws.String(r.table),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get profile %s: %w", ownerID, err)
	}
	if len(out.Item) == 0 {
		return nil, apperr.NotFound("profile %s does not exist", ownerID)
	}
	var p entity.Profile
	if err := dynamodbattribute.UnmarshalMap(out.Item, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Save a profile to the persistence.
func (r *ProfileRepository) Save(ctx context.Context, p *entity.Profile) error {
	av, err := dynamodbattribute.MarshalMap(p)
	if err != nil {
		return err
	}
	_, err = r.db.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		Item:      av,
		TableName: aws.String(r.table),
	})
	if err != nil {
		return fmt.Errorf("put profile %s: %w", p.OwnerID, err)
	}
	return nil
}

func (r *ProfileRepository) AddStorageUsed(ctx context.Context, ownerID string, delta int64) error {
	_, err := r.db.UpdateItemWithContext(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(r.table),
		Key:                 profileKey(ownerID),
		UpdateExpression:    aws.String("ADD storage_used :delta"),
		ConditionExpression: aws.String("attribute_exists(owner_id)"),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":delta": {N: aws.String(strconv.FormatInt(delta, 10))},
		},
	})
	if isConditionFailed(err) {
		return apperr.NotFound("profile %s does not exist", ownerID)
	}
	if err != nil {
		return fmt.Errorf("update profile %s: %w", ownerID, err)
	}
	return nil
}

func isConditionFailed(err error) bool {
	var aerr awserr.Error
	return errors.As(err, &aerr) && aerr.Code() == dynamodb.ErrCodeConditionalCheckFailedException
}
