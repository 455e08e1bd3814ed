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

const (
	skPrefixAction    = "ACTION#"
	skPrefixActionCap = "ACTIONCAP#"
	skPrefixAudit     = "AUDIT#"
)

func ticketPK(ticketID string) string {
	return "TICKET#" + ticketID
}

func deliveryPK(commandID string) string {
	return "DELIVERY#" + commandID
}

// putGuarded writes row together with a guard item keyed by guardPK, so a
// row with a deterministic id is recorded at most once even though its sort
// key carries a timestamp.
func (c *Client) putGuarded(ctx context.Context, op, guardPK string, row map[string]types.AttributeValue) error {
	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                key(guardPK, skMeta),
					ConditionExpression: aws.String(condNotExists),
				},
			},
			{
				Put: &types.Put{
					TableName: aws.String(c.tableName),
					Item:      row,
				},
			},
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return fmt.Errorf("repository: %s: %w", op, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("repository: %s: %w", op, err)
	}
	return nil
}

// ReserveAction appends a row to the account's autonomous action ledger and,
// when limit is positive, charges it against the account's counter for window
// in the same transaction. Re-recording the same action id yields
// domain.ErrAlreadyExists; a counter already at limit yields
// domain.ErrLimitReached and nothing is written.
func (c *Client) ReserveAction(ctx context.Context, a domain.Action, window string, limit int) error {
	if a.ID == "" || a.AccountID == "" || a.Kind == "" {
		return errors.New("repository: ReserveAction: id, account and kind are required")
	}
	row := key(accountPK(a.AccountID), skPrefixAction+a.Kind+"#"+formatTime(a.CreatedAt)+"#"+a.ID)
	row["id"] = s(a.ID)
	row["kind"] = s(a.Kind)
	row["taskId"] = s(a.TaskID)
	row["createdAt"] = s(formatTime(a.CreatedAt))

	items := []types.TransactWriteItem{
		{
			Put: &types.Put{
				TableName:           aws.String(c.tableName),
				Item:                key("ACTIONID#"+a.ID, skMeta),
				ConditionExpression: aws.String(condNotExists),
			},
		},
		{
			Put: &types.Put{
				TableName: aws.String(c.tableName),
				Item:      row,
			},
		},
	}
	if limit > 0 {
		items = append(items, types.TransactWriteItem{
			Update: &types.Update{
				TableName:                aws.String(c.tableName),
				Key:                      key(accountPK(a.AccountID), skPrefixActionCap+a.Kind+"#"+window),
				UpdateExpression:         aws.String("ADD #count :one"),
				ConditionExpression:      aws.String("attribute_not_exists(#count) OR #count < :limit"),
				ExpressionAttributeNames: map[string]string{"#count": "count"},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":one":   n(1),
					":limit": n(limit),
				},
			},
		})
	}

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err == nil {
		return nil
	}
	switch cancelledAt(err) {
	case 0:
		return fmt.Errorf("repository: ReserveAction %s: %w", a.ID, domain.ErrAlreadyExists)
	case 2:
		return fmt.Errorf("repository: ReserveAction %s window %s: %w", a.AccountID, window, domain.ErrLimitReached)
	}
	return fmt.Errorf("repository: ReserveAction: %w", err)
}

// CountActionsSince counts ledger rows of kind created at or after since.
func (c *Client) CountActionsSince(ctx context.Context, accountID, kind string, since time.Time) (int, error) {
	prefix := skPrefixAction + kind + "#"
	count, err := c.countAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND SK BETWEEN :from AND :to"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":   s(accountPK(accountID)),
			":from": s(prefix + formatTime(since)),
			":to":   s(prefix + "~"),
		},
	})
	if err != nil {
		return 0, fmt.Errorf("repository: CountActionsSince: %w", err)
	}
	return count, nil
}

// RecordAuditEntry appends an entry to a ticket's audit trail. Re-recording
// the same entry id yields domain.ErrAlreadyExists.
func (c *Client) RecordAuditEntry(ctx context.Context, e domain.AuditEntry) error {
	if e.ID == "" || e.TicketID == "" {
		return errors.New("repository: RecordAuditEntry: id and ticket are required")
	}
	row := key(ticketPK(e.TicketID), skPrefixAudit+formatTime(e.CreatedAt)+"#"+e.ID)
	row["id"] = s(e.ID)
	row["accountId"] = s(e.AccountID)
	row["author"] = s(string(e.Author))
	row["body"] = s(e.Body)
	row["createdAt"] = s(formatTime(e.CreatedAt))
	return c.putGuarded(ctx, "RecordAuditEntry", "AUDITID#"+e.ID, row)
}

// CountAuditEntries counts a ticket's audit entries written by author.
func (c *Client) CountAuditEntries(ctx context.Context, ticketID string, author domain.AuditAuthor) (int, error) {
	count, err := c.countAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		FilterExpression:       aws.String("author = :author"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     s(ticketPK(ticketID)),
			":prefix": s(skPrefixAudit),
			":author": s(string(author)),
		},
	})
	if err != nil {
		return 0, fmt.Errorf("repository: CountAuditEntries: %w", err)
	}
	return count, nil
}

// AuditEntryExists reports whether an audit entry with entryID was recorded.
func (c *Client) AuditEntryExists(ctx context.Context, entryID string) (bool, error) {
	_, err := c.getItem(ctx, "AuditEntryExists", "AUDITID#"+entryID, skMeta)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// BeginDelivery records that the email for commandID is about to be sent. If a
// record already exists it is returned unchanged, letting the caller skip a
// delivery that already went out.
func (c *Client) BeginDelivery(ctx context.Context, commandID string, now time.Time) (domain.Delivery, error) {
	item := key(deliveryPK(commandID), skMeta)
	item["commandId"] = s(commandID)
	item["status"] = s(string(domain.DeliverySending))
	item["createdAt"] = s(formatTime(now))

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                item,
		ConditionExpression: aws.String(condNotExists),
	})
	if err == nil {
		return domain.Delivery{CommandID: commandID, Status: domain.DeliverySending, CreatedAt: now.UTC()}, nil
	}
	if !isConditionFailed(err) {
		return domain.Delivery{}, fmt.Errorf("repository: BeginDelivery: %w", err)
	}

	existing, err := c.getItem(ctx, "BeginDelivery", deliveryPK(commandID), skMeta)
	if err != nil {
		return domain.Delivery{}, err
	}
	createdAt, _ := timeAttr(existing, "createdAt")
	return domain.Delivery{
		CommandID:  commandID,
		Status:     domain.DeliveryStatus(optStr(existing, "status")),
		ProviderID: optStr(existing, "providerId"),
		CreatedAt:  createdAt,
	}, nil
}

// CompleteDelivery marks the delivery sent and, when msg is non-nil, appends
// the outbound message to its conversation in the same transaction.
func (c *Client) CompleteDelivery(ctx context.Context, commandID, providerID string, msg *domain.Message) error {
	items := []types.TransactWriteItem{
		{
			Update: &types.Update{
				TableName:                aws.String(c.tableName),
				Key:                      key(deliveryPK(commandID), skMeta),
				UpdateExpression:         aws.String("SET #status = :sent, providerId = :pid"),
				ConditionExpression:      aws.String("#status = :sending"),
				ExpressionAttributeNames: map[string]string{"#status": "status"},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":sent":    s(string(domain.DeliverySent)),
					":sending": s(string(domain.DeliverySending)),
					":pid":     s(providerID),
				},
			},
		},
	}
	if msg != nil {
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{
				TableName:           aws.String(c.tableName),
				Item:                messageItem(*msg),
				ConditionExpression: aws.String(condNotExists),
			},
		})
	}
	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		if isConditionFailed(err) {
			return fmt.Errorf("repository: CompleteDelivery %s: %w", commandID, domain.ErrConflict)
		}
		return fmt.Errorf("repository: CompleteDelivery: %w", err)
	}
	return nil
}
