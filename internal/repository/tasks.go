package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"retention-agent/internal/domain"
)

func taskPK(taskID string) string {
	return "TASK#" + taskID
}

func taskStatusKey(status domain.TaskStatus) string {
	return "TASKSTATUS#" + string(status)
}

// taskDueKey is the GSI sort key: the next action time, or creation time for
// tasks that were never scheduled.
func taskDueKey(t domain.Task) string {
	if t.NextActionAt != nil {
		return formatTime(*t.NextActionAt)
	}
	return formatTime(t.CreatedAt)
}

// ListDueTasks returns tasks in status whose next action is at or before now,
// earliest first.
func (c *Client) ListDueTasks(ctx context.Context, status domain.TaskStatus, now time.Time, limit int) ([]domain.Task, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		IndexName:              aws.String(gsi1Name),
		KeyConditionExpression: aws.String("GSI1PK = :status AND GSI1SK <= :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status": s(taskStatusKey(status)),
			":now":    s(formatTime(now)),
		},
		ScanIndexForward: aws.Bool(true),
	}
	if limit > 0 {
		in.Limit = aws.Int32(int32(limit))
	}
	items, err := c.queryAll(ctx, in, limit)
	if err != nil {
		return nil, fmt.Errorf("repository: ListDueTasks query: %w", err)
	}
	return itemsToTasks("ListDueTasks", items)
}

// ListAwaitingTasksForContact returns the awaiting_reply tasks for one
// contact in an account.
func (c *Client) ListAwaitingTasksForContact(ctx context.Context, accountID, contactID string) ([]domain.Task, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		IndexName:              aws.String(gsi1Name),
		KeyConditionExpression: aws.String("GSI1PK = :status"),
		FilterExpression:       aws.String("accountId = :account AND contactId = :contact"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status":  s(taskStatusKey(domain.TaskAwaitingReply)),
			":account": s(accountID),
			":contact": s(contactID),
		},
	}
	items, err := c.queryAll(ctx, in, 0)
	if err != nil {
		return nil, fmt.Errorf("repository: ListAwaitingTasksForContact query: %w", err)
	}
	return itemsToTasks("ListAwaitingTasksForContact", items)
}

// SaveTask replaces a task only while it is still in the expected status and
// touch count, so overlapping invocations advance a task at most once. A lost
// race yields domain.ErrConflict.
func (c *Client) SaveTask(ctx context.Context, task domain.Task, expectStatus domain.TaskStatus, expectTouch int) error {
	if task.ID == "" || task.AccountID == "" {
		return errors.New("repository: SaveTask: id and account are required")
	}
	task.UpdatedAt = c.now().UTC()
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(c.tableName),
		Item:                     taskItem(task),
		ConditionExpression:      aws.String("#status = :expectStatus AND touch = :expectTouch"),
		ExpressionAttributeNames: map[string]string{"#status": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expectStatus": s(string(expectStatus)),
			":expectTouch":  n(expectTouch),
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return fmt.Errorf("repository: SaveTask %s: %w", task.ID, domain.ErrConflict)
		}
		return fmt.Errorf("repository: SaveTask: %w", err)
	}
	return nil
}

func itemsToTasks(op string, items []map[string]types.AttributeValue) ([]domain.Task, error) {
	tasks := make([]domain.Task, 0, len(items))
	for _, item := range items {
		t, err := itemToTask(item)
		if err != nil {
			return nil, fmt.Errorf("repository: %s unmarshal: %w", op, err)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func taskItem(t domain.Task) map[string]types.AttributeValue {
	item := key(taskPK(t.ID), skMeta)
	item["id"] = s(t.ID)
	item["accountId"] = s(t.AccountID)
	item["status"] = s(string(t.Status))
	item["contactId"] = s(t.Contact.ID)
	item["contactName"] = s(t.Contact.Name)
	item["contactEmail"] = s(t.Contact.Email)
	item["contactPhone"] = s(t.Contact.Phone)
	item["conversationId"] = s(t.ConversationID)
	item["subject"] = s(t.Subject)
	item["draft"] = s(t.Draft)
	item["touch"] = n(t.Touch)
	item["outcome"] = s(string(t.Outcome))
	item["outcomeReason"] = s(t.OutcomeReason)
	item["createdAt"] = s(formatTime(t.CreatedAt))
	item["updatedAt"] = s(formatTime(t.UpdatedAt))
	item["GSI1PK"] = s(taskStatusKey(t.Status))
	item["GSI1SK"] = s(taskDueKey(t))
	if t.NextActionAt != nil {
		item["nextActionAt"] = s(formatTime(*t.NextActionAt))
	}
	if len(t.FollowUps) > 0 {
		list := make([]types.AttributeValue, 0, len(t.FollowUps))
		for _, f := range t.FollowUps {
			list = append(list, s(f))
		}
		item["followUps"] = &types.AttributeValueMemberL{Value: list}
	}
	return item
}

func itemToTask(item map[string]types.AttributeValue) (domain.Task, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.Task{}, err
	}
	accountID, err := strAttr(item, "accountId")
	if err != nil {
		return domain.Task{}, err
	}
	status, err := strAttr(item, "status")
	if err != nil {
		return domain.Task{}, err
	}
	touch, err := intAttr(item, "touch")
	if err != nil {
		return domain.Task{}, err
	}
	createdAt, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.Task{}, err
	}
	nextActionAt, err := optTimeAttr(item, "nextActionAt")
	if err != nil {
		return domain.Task{}, err
	}
	updatedAt, _ := timeAttr(item, "updatedAt")

	var followUps []string
	if l, ok := item["followUps"].(*types.AttributeValueMemberL); ok {
		for _, v := range l.Value {
			if sv, ok := v.(*types.AttributeValueMemberS); ok {
				followUps = append(followUps, sv.Value)
			}
		}
	}
	return domain.Task{
		ID:        id,
		AccountID: accountID,
		Status:    domain.TaskStatus(status),
		Contact: domain.Contact{
			ID:    optStr(item, "contactId"),
			Name:  optStr(item, "contactName"),
			Email: optStr(item, "contactEmail"),
			Phone: optStr(item, "contactPhone"),
		},
		ConversationID: optStr(item, "conversationId"),
		Subject:        optStr(item, "subject"),
		Draft:          optStr(item, "draft"),
		FollowUps:      followUps,
		Touch:          touch,
		NextActionAt:   nextActionAt,
		Outcome:        domain.TaskOutcome(optStr(item, "outcome")),
		OutcomeReason:  optStr(item, "outcomeReason"),
		CreatedAt:      createdAt,
		UpdatedAt:      updatedAt,
	}, nil
}
