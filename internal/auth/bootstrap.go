package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/IamDejman/banyan-admin-sub002/internal/ids"
)

// BootstrapAdministrator provisions the first administrator account when
// it does not exist yet. It returns false when the account was already present.
func BootstrapAdministrator(ctx context.Context, accounts AccountStore, creator AccountCreator, identifier, password string, now time.Time) (bool, error) {
	identifier = strings.ToLower(strings.TrimSpace(identifier))
	if identifier == "" || password == "" {
		return false, fmt.Errorf("%w: bootstrap identifier and password are required", ErrInvalidInput)
	}
	if _, err := accounts.FindByIdentifier(ctx, identifier); err == nil {
		return false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return false, err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return false, err
	}
	err = creator.CreateAccount(ctx, Account{
		ID:                ids.NewAt(now),
		Identifier:        identifier,
		PasswordHash:      hash,
		RoleID:            RoleAdministrator,
		Status:            AccountActive,
		PasswordChangedAt: now,
		CreatedAt:         now,
		Profile: Profile{
			Kind:          ProfileAdministrator,
			DisplayName:   "Administrator",
			Email:         identifier,
			Administrator: &AdministratorProfile{Department: "operations"},
		},
	})
	if errors.Is(err, ErrAlreadyExists) {
		return false, nil
	}
	return err == nil, err
}
