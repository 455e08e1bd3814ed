package repository

import (
	"context"
	"fmt"

	"retention-agent/internal/domain"
)

func accountPK(accountID string) string {
	return "ACCOUNT#" + accountID
}

// GetAccount loads an account; unknown ids yield domain.ErrNotFound.
func (c *Client) GetAccount(ctx context.Context, accountID string) (domain.Account, error) {
	item, err := c.getItem(ctx, "GetAccount", accountPK(accountID), skMeta)
	if err != nil {
		return domain.Account{}, err
	}
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.Account{}, fmt.Errorf("repository: GetAccount unmarshal: %w", err)
	}
	return domain.Account{
		ID:        id,
		Name:      optStr(item, "name"),
		Timezone:  optStr(item, "timezone"),
		FromEmail: optStr(item, "fromEmail"),
	}, nil
}
