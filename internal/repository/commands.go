package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"retention-agent/internal/domain"
)

func commandPK(commandID string) string {
	return "CMD#" + commandID
}

func commandStatusKey(status domain.CommandStatus) string {
	return "CMDSTATUS#" + string(status)
}

// commandOrderKey sorts commands oldest-first inside a status partition.
func commandOrderKey(cmd domain.Command) string {
	return formatTime(cmd.CreatedAt) + "#" + cmd.ID
}

func sortCommandsByAge(cmds []domain.Command) {
	sort.SliceStable(cmds, func(i, j int) bool {
		return commandOrderKey(cmds[i]) < commandOrderKey(cmds[j])
	})
}

// InsertCommand stores a new pending command. A command id that already
// exists yields domain.ErrAlreadyExists.
func (c *Client) InsertCommand(ctx context.Context, cmd domain.Command) error {
	if cmd.ID == "" || cmd.Kind == "" {
		return errors.New("repository: InsertCommand: id and kind are required")
	}
	cmd.Status = domain.CommandPending
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                commandItem(cmd),
		ConditionExpression: aws.String(condNotExists),
	})
	if err != nil {
		if isConditionFailed(err) {
			return fmt.Errorf("repository: InsertCommand %s: %w", cmd.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("repository: InsertCommand: %w", err)
	}
	return nil
}

// ClaimCommands claims up to limit commands, oldest first. Candidates are
// pending commands plus claimed commands whose lease expired before
// now-lease. Each candidate is taken with a conditional update on its status
// and claim token, so two concurrent callers never claim the same command;
// candidates lost to another caller are skipped. Every claim increments the
// stored attempt count, so a claim abandoned by a crashed invocation still
// counts against the retry ceiling.
func (c *Client) ClaimCommands(ctx context.Context, limit int, lease time.Duration, now time.Time) ([]domain.Command, error) {
	if limit <= 0 {
		return nil, nil
	}

	candidates, err := c.commandsByStatus(ctx, domain.CommandPending, limit, nil)
	if err != nil {
		return nil, fmt.Errorf("repository: ClaimCommands pending: %w", err)
	}
	if lease > 0 {
		cutoff := formatTime(now.Add(-lease))
		stale, err := c.commandsByStatus(ctx, domain.CommandClaimed, limit, &cutoff)
		if err != nil {
			return nil, fmt.Errorf("repository: ClaimCommands stale: %w", err)
		}
		candidates = append(candidates, stale...)
	}
	sortCommandsByAge(candidates)

	claimed := make([]domain.Command, 0, limit)
	for _, cand := range candidates {
		if len(claimed) == limit {
			break
		}
		cmd, ok, err := c.claimOne(ctx, cand, now)
		if err != nil {
			return claimed, fmt.Errorf("repository: ClaimCommands %s: %w", cand.ID, err)
		}
		if ok {
			claimed = append(claimed, cmd)
		}
	}
	return claimed, nil
}

func (c *Client) commandsByStatus(ctx context.Context, status domain.CommandStatus, limit int, claimedBefore *string) ([]domain.Command, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		IndexName:              aws.String(gsi1Name),
		KeyConditionExpression: aws.String("GSI1PK = :status"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status": s(commandStatusKey(status)),
		},
		ScanIndexForward: aws.Bool(true),
	}
	if claimedBefore != nil {
		in.FilterExpression = aws.String("claimedAt < :cutoff")
		in.ExpressionAttributeValues[":cutoff"] = s(*claimedBefore)
	} else {
		in.Limit = aws.Int32(int32(limit))
	}
	items, err := c.queryAll(ctx, in, limit)
	if err != nil {
		return nil, err
	}
	cmds := make([]domain.Command, 0, len(items))
	for _, item := range items {
		cmd, err := itemToCommand(item)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, cmd)
	}
	return cmds, nil
}

// claimOne is the compare-and-set: the update only applies while the row is
// still in the status (and under the claim token) it was read with.
func (c *Client) claimOne(ctx context.Context, cand domain.Command, now time.Time) (domain.Command, bool, error) {
	token := uuid.NewString()
	cond := "#status = :expected AND claimToken = :oldToken"
	values := map[string]types.AttributeValue{
		":expected": s(string(cand.Status)),
		":oldToken": s(cand.ClaimToken),
		":claimed":  s(string(domain.CommandClaimed)),
		":gsi":      s(commandStatusKey(domain.CommandClaimed)),
		":token":    s(token),
		":now":      s(formatTime(now)),
		":zero":     n(0),
		":one":      n(1),
	}
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(c.tableName),
		Key:                       key(commandPK(cand.ID), skMeta),
		UpdateExpression:          aws.String("SET #status = :claimed, GSI1PK = :gsi, claimToken = :token, claimedAt = :now, attempts = if_not_exists(attempts, :zero) + :one"),
		ConditionExpression:       aws.String(cond),
		ExpressionAttributeNames:  map[string]string{"#status": "status"},
		ExpressionAttributeValues: values,
	})
	if err != nil {
		if isConditionFailed(err) {
			return domain.Command{}, false, nil
		}
		return domain.Command{}, false, err
	}
	cand.Status = domain.CommandClaimed
	cand.ClaimToken = token
	cand.Attempts++
	claimedAt := now.UTC()
	cand.ClaimedAt = &claimedAt
	return cand, true, nil
}

// CompleteCommand marks a claimed command completed.
func (c *Client) CompleteCommand(ctx context.Context, cmd domain.Command, now time.Time) error {
	return c.resolveCommand(ctx, "CompleteCommand", cmd, domain.CommandCompleted, cmd.Attempts, "", &now)
}

// ReleaseCommand returns a claimed command to pending for a later retry,
// recording the attempt count and error.
func (c *Client) ReleaseCommand(ctx context.Context, cmd domain.Command, lastErr string, _ time.Time) error {
	return c.resolveCommand(ctx, "ReleaseCommand", cmd, domain.CommandPending, cmd.Attempts, lastErr, nil)
}

// DeadLetterCommand moves a claimed command to the terminal dead_letter state.
func (c *Client) DeadLetterCommand(ctx context.Context, cmd domain.Command, lastErr string, now time.Time) error {
	return c.resolveCommand(ctx, "DeadLetterCommand", cmd, domain.CommandDeadLetter, cmd.Attempts, lastErr, &now)
}

// resolveCommand only applies while the caller still holds the claim; a
// command re-leased by another invocation yields domain.ErrConflict.
func (c *Client) resolveCommand(ctx context.Context, op string, cmd domain.Command, status domain.CommandStatus, attempts int, lastErr string, completedAt *time.Time) error {
	update := "SET #status = :status, GSI1PK = :gsi, attempts = :attempts, lastError = :lastError, claimToken = :empty"
	values := map[string]types.AttributeValue{
		":status":    s(string(status)),
		":gsi":       s(commandStatusKey(status)),
		":attempts":  n(attempts),
		":lastError": s(lastErr),
		":empty":     s(""),
		":claimed":   s(string(domain.CommandClaimed)),
		":token":     s(cmd.ClaimToken),
	}
	if completedAt != nil {
		update += ", completedAt = :completedAt"
		values[":completedAt"] = s(formatTime(*completedAt))
	}
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(c.tableName),
		Key:                       key(commandPK(cmd.ID), skMeta),
		UpdateExpression:          aws.String(update),
		ConditionExpression:       aws.String("#status = :claimed AND claimToken = :token"),
		ExpressionAttributeNames:  map[string]string{"#status": "status"},
		ExpressionAttributeValues: values,
	})
	if err != nil {
		if isConditionFailed(err) {
			return fmt.Errorf("repository: %s %s: %w", op, cmd.ID, domain.ErrConflict)
		}
		return fmt.Errorf("repository: %s: %w", op, err)
	}
	return nil
}

func commandItem(cmd domain.Command) map[string]types.AttributeValue {
	item := key(commandPK(cmd.ID), skMeta)
	item["id"] = s(cmd.ID)
	item["kind"] = s(string(cmd.Kind))
	item["accountId"] = s(cmd.AccountID)
	item["payload"] = s(string(cmd.Payload))
	item["status"] = s(string(cmd.Status))
	item["attempts"] = n(cmd.Attempts)
	item["claimToken"] = s(cmd.ClaimToken)
	item["lastError"] = s(cmd.LastError)
	item["createdAt"] = s(formatTime(cmd.CreatedAt))
	item["GSI1PK"] = s(commandStatusKey(cmd.Status))
	item["GSI1SK"] = s(commandOrderKey(cmd))
	return item
}

func itemToCommand(item map[string]types.AttributeValue) (domain.Command, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.Command{}, err
	}
	kind, err := strAttr(item, "kind")
	if err != nil {
		return domain.Command{}, err
	}
	status, err := strAttr(item, "status")
	if err != nil {
		return domain.Command{}, err
	}
	attempts, err := intAttr(item, "attempts")
	if err != nil {
		return domain.Command{}, err
	}
	createdAt, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.Command{}, err
	}
	claimedAt, err := optTimeAttr(item, "claimedAt")
	if err != nil {
		return domain.Command{}, err
	}
	completedAt, err := optTimeAttr(item, "completedAt")
	if err != nil {
		return domain.Command{}, err
	}
	return domain.Command{
		ID:          id,
		Kind:        domain.CommandKind(kind),
		AccountID:   optStr(item, "accountId"),
		Payload:     []byte(optStr(item, "payload")),
		Status:      domain.CommandStatus(status),
		Attempts:    attempts,
		ClaimToken:  optStr(item, "claimToken"),
		LastError:   optStr(item, "lastError"),
		CreatedAt:   createdAt,
		ClaimedAt:   claimedAt,
		CompletedAt: completedAt,
	}, nil
}
