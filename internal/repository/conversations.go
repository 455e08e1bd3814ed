package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"retention-agent/internal/domain"
)

// convPK returns the DynamoDB partition key for a conversation.
func convPK(conversationID string) string {
	return "CONV#" + conversationID
}

// activePK returns the key of the lock item that reserves the single active
// conversation for an (account, contact, channel) tuple.
func activePK(k domain.ConversationKey) string {
	return "ACTIVE#" + k.AccountID + "#" + k.ContactID + "#" + k.Channel
}

// msgSK orders messages by creation time; the id suffix keeps equal
// timestamps distinct.
func msgSK(ts time.Time, id string) string {
	return skPrefixMsg + formatTime(ts) + "#" + id
}

// FindActiveConversation returns the non-resolved conversation for key. A
// lock left pointing at a resolved conversation does not count.
func (c *Client) FindActiveConversation(ctx context.Context, k domain.ConversationKey) (domain.Conversation, error) {
	lock, err := c.getItem(ctx, "FindActiveConversation", activePK(k), skMeta)
	if err != nil {
		return domain.Conversation{}, err
	}
	id, err := strAttr(lock, "conversationId")
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: FindActiveConversation decode lock: %w", err)
	}
	conv, err := c.GetConversation(ctx, id)
	if err != nil {
		return domain.Conversation{}, err
	}
	if conv.Status == domain.ConversationResolved {
		return domain.Conversation{}, fmt.Errorf("repository: FindActiveConversation %s resolved: %w", id, domain.ErrNotFound)
	}
	return conv, nil
}

// GetConversation loads a conversation by id.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (domain.Conversation, error) {
	item, err := c.getItem(ctx, "GetConversation", convPK(conversationID), skMeta)
	if err != nil {
		return domain.Conversation{}, err
	}
	conv, err := itemToConversation(item)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: GetConversation unmarshal: %w", err)
	}
	return conv, nil
}

// CreateConversation writes the conversation together with its active lock.
// A lock still pointing at a resolved conversation is taken over; a lock held
// by a live conversation yields domain.ErrConflict.
func (c *Client) CreateConversation(ctx context.Context, conv domain.Conversation) error {
	if conv.ID == "" || conv.AccountID == "" || conv.Contact.ID == "" || conv.Channel == "" {
		return errors.New("repository: CreateConversation: id, account, contact and channel are required")
	}
	err := c.writeConversation(ctx, conv, condNotExists, nil)
	if err == nil || !isConditionFailed(err) {
		return wrapCreateErr(err)
	}

	staleID, ok, err := c.resolvedLockHolder(ctx, conv.Key())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("repository: CreateConversation: %w", domain.ErrConflict)
	}
	err = c.writeConversation(ctx, conv, "conversationId = :stale", map[string]types.AttributeValue{
		":stale": s(staleID),
	})
	if err != nil && isConditionFailed(err) {
		return fmt.Errorf("repository: CreateConversation: %w", domain.ErrConflict)
	}
	return wrapCreateErr(err)
}

func wrapCreateErr(err error) error {
	if err == nil {
		return nil
	}
	if isConditionFailed(err) {
		return fmt.Errorf("repository: CreateConversation: %w", domain.ErrConflict)
	}
	return fmt.Errorf("repository: CreateConversation: %w", err)
}

// resolvedLockHolder reports the conversation id the key's lock points at
// when that conversation is resolved.
func (c *Client) resolvedLockHolder(ctx context.Context, k domain.ConversationKey) (string, bool, error) {
	lock, err := c.getItem(ctx, "CreateConversation", activePK(k), skMeta)
	if errors.Is(err, domain.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	id := optStr(lock, "conversationId")
	if id == "" {
		return "", false, nil
	}
	holder, err := c.GetConversation(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, holder.Status == domain.ConversationResolved, nil
}

func (c *Client) writeConversation(ctx context.Context, conv domain.Conversation, lockCond string, values map[string]types.AttributeValue) error {
	lock := key(activePK(conv.Key()), skMeta)
	lock["conversationId"] = s(conv.ID)
	lock["createdAt"] = s(formatTime(conv.CreatedAt))

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:                 aws.String(c.tableName),
					Item:                      lock,
					ConditionExpression:       aws.String(lockCond),
					ExpressionAttributeValues: values,
				},
			},
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                conversationItem(conv),
					ConditionExpression: aws.String(condNotExists),
				},
			},
		},
	})
	return err
}

// AppendMessage inserts an immutable message into its conversation thread.
func (c *Client) AppendMessage(ctx context.Context, msg domain.Message) error {
	if msg.ID == "" || msg.ConversationID == "" {
		return errors.New("repository: AppendMessage: id and conversation id are required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                messageItem(msg),
		ConditionExpression: aws.String(condNotExists),
	})
	if err != nil {
		return fmt.Errorf("repository: AppendMessage: %w", err)
	}
	return nil
}

// ReassignRole moves ownership of a conversation to role and sets status,
// returning the role that owned it before.
func (c *Client) ReassignRole(ctx context.Context, conversationID, role string, status domain.ConversationStatus) (string, error) {
	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 key(convPK(conversationID), skMeta),
		UpdateExpression:    aws.String("SET previousRole = assignedRole, assignedRole = :role, #status = :status, updatedAt = :now"),
		ConditionExpression: aws.String(condExists),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":role":   s(role),
			":status": s(string(status)),
			":now":    s(formatTime(c.now())),
		},
		ReturnValues: types.ReturnValueUpdatedOld,
	})
	if err != nil {
		if isConditionFailed(err) {
			return "", fmt.Errorf("repository: ReassignRole: %w", domain.ErrNotFound)
		}
		return "", fmt.Errorf("repository: ReassignRole: %w", err)
	}
	if out == nil {
		return "", nil
	}
	return optStr(out.Attributes, "assignedRole"), nil
}

// LinkSession adds sessionID to the conversation's session set. Prior links
// are kept.
func (c *Client) LinkSession(ctx context.Context, conversationID, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return errors.New("repository: LinkSession: session id is required")
	}
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 key(convPK(conversationID), skMeta),
		UpdateExpression:    aws.String("ADD sessionIds :sid SET updatedAt = :now"),
		ConditionExpression: aws.String(condExists),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":sid": &types.AttributeValueMemberSS{Value: []string{sessionID}},
			":now": s(formatTime(c.now())),
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return fmt.Errorf("repository: LinkSession: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("repository: LinkSession: %w", err)
	}
	return nil
}

// RecentMessages returns up to limit of the newest messages in chronological
// order.
func (c *Client) RecentMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     s(convPK(conversationID)),
			":prefix": s(skPrefixMsg),
		},
		// Read newest first so LIMIT favors the most recent context.
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	}

	out, err := c.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: RecentMessages query: %w", err)
	}

	msgs := make([]domain.Message, 0, len(out.Items))
	for _, item := range out.Items {
		msg, err := itemToMessage(item)
		if err != nil {
			return nil, fmt.Errorf("repository: RecentMessages unmarshal: %w", err)
		}
		msgs = append(msgs, msg)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func conversationItem(conv domain.Conversation) map[string]types.AttributeValue {
	item := key(convPK(conv.ID), skMeta)
	item["id"] = s(conv.ID)
	item["accountId"] = s(conv.AccountID)
	item["contactId"] = s(conv.Contact.ID)
	item["contactName"] = s(conv.Contact.Name)
	item["contactEmail"] = s(conv.Contact.Email)
	item["contactPhone"] = s(conv.Contact.Phone)
	item["channel"] = s(conv.Channel)
	item["status"] = s(string(conv.Status))
	item["assignedRole"] = s(conv.AssignedRole)
	item["subject"] = s(conv.Subject)
	item["createdAt"] = s(formatTime(conv.CreatedAt))
	item["updatedAt"] = s(formatTime(conv.UpdatedAt))
	if len(conv.SessionIDs) > 0 {
		item["sessionIds"] = &types.AttributeValueMemberSS{Value: conv.SessionIDs}
	}
	return item
}

func itemToConversation(item map[string]types.AttributeValue) (domain.Conversation, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.Conversation{}, err
	}
	accountID, err := strAttr(item, "accountId")
	if err != nil {
		return domain.Conversation{}, err
	}
	status, err := strAttr(item, "status")
	if err != nil {
		return domain.Conversation{}, err
	}
	createdAt, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.Conversation{}, err
	}
	updatedAt, _ := timeAttr(item, "updatedAt")
	return domain.Conversation{
		ID:        id,
		AccountID: accountID,
		Contact: domain.Contact{
			ID:    optStr(item, "contactId"),
			Name:  optStr(item, "contactName"),
			Email: optStr(item, "contactEmail"),
			Phone: optStr(item, "contactPhone"),
		},
		Channel:      optStr(item, "channel"),
		Status:       domain.ConversationStatus(status),
		AssignedRole: optStr(item, "assignedRole"),
		PreviousRole: optStr(item, "previousRole"),
		SessionIDs:   stringSetAttr(item, "sessionIds"),
		Subject:      optStr(item, "subject"),
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
	}, nil
}

func messageItem(msg domain.Message) map[string]types.AttributeValue {
	item := key(convPK(msg.ConversationID), msgSK(msg.CreatedAt, msg.ID))
	item["id"] = s(msg.ID)
	item["conversationId"] = s(msg.ConversationID)
	item["direction"] = s(string(msg.Direction))
	item["channel"] = s(msg.Channel)
	item["content"] = s(msg.Content)
	item["sender"] = s(msg.Sender)
	item["createdAt"] = s(formatTime(msg.CreatedAt))
	if msg.ExternalID != "" {
		item["externalId"] = s(msg.ExternalID)
	}
	if len(msg.Metadata) > 0 {
		item["metadata"] = stringMap(msg.Metadata)
	}
	return item
}

// itemToMessage converts a DynamoDB attribute map to a Message.
func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.Message{}, err
	}
	content, err := strAttr(item, "content")
	if err != nil {
		return domain.Message{}, err
	}
	createdAt, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.Message{}, err
	}
	return domain.Message{
		ID:             id,
		ConversationID: optStr(item, "conversationId"),
		Direction:      domain.Direction(optStr(item, "direction")),
		Channel:        optStr(item, "channel"),
		Content:        content,
		Sender:         optStr(item, "sender"),
		ExternalID:     optStr(item, "externalId"),
		Metadata:       mapAttr(item, "metadata"),
		CreatedAt:      createdAt,
	}, nil
}
