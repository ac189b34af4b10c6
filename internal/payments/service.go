package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/paybridge/pkg/db"
	"github.com/angelmondragon/paybridge/pkg/db/models"
	pkgerrors "github.com/angelmondragon/paybridge/pkg/errors"
	"github.com/angelmondragon/paybridge/pkg/logger"
	"github.com/angelmondragon/paybridge/pkg/validators"
)

// Service exposes account commands and queries.
type Service interface {
	CreateUser(ctx context.Context, input CreateUserInput) (*models.User, error)
	CreateAccount(ctx context.Context, userID uuid.UUID) (*models.Account, error)
	TopUp(ctx context.Context, input AmountInput) (*models.Account, error)
	GetBalance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error)
	TryWithdraw(ctx context.Context, input AmountInput) (bool, error)
}

type service struct {
	repo Repository
	tx   txRunner
	logg *logger.Logger
}

// NewService builds an account service with the required dependencies.
func NewService(repo Repository, tx txRunner, logg *logger.Logger) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("accounts repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &service{repo: repo, tx: tx, logg: logg}, nil
}

// CreateUser registers a user. Opening the account is a separate step.
func (s *service) CreateUser(ctx context.Context, input CreateUserInput) (*models.User, error) {
	input.Name = strings.TrimSpace(input.Name)
	if err := validators.Struct(input); err != nil {
		return nil, err
	}

	user := models.NewUser(input.Name)
	if err := s.repo.CreateUser(ctx, &user); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create user")
	}
	s.logg.Info(s.logg.WithField(ctx, "user_id", user.ID.String()), "user created")
	return &user, nil
}

// CreateAccount opens an empty account. An existing account is returned as is.
func (s *service) CreateAccount(ctx context.Context, userID uuid.UUID) (*models.Account, error) {
	if userID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	}

	existing, err := findAccount(ctx, s.repo, userID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	account := models.NewAccount(userID)
	if err := s.repo.Create(ctx, &account); err != nil {
		if db.IsUniqueViolation(err, "") {
			// lost a race with another create
			return mustFindAccount(ctx, s.repo, userID)
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create account")
	}

	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"account_id": account.ID.String(),
		"user_id":    userID.String(),
	}), "account created")
	return &account, nil
}

func (s *service) TopUp(ctx context.Context, input AmountInput) (*models.Account, error) {
	if err := validators.Struct(input); err != nil {
		return nil, err
	}

	var account *models.Account
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		var err error
		account, err = mustFindAccount(ctx, repo, input.UserID)
		if err != nil {
			return err
		}
		if err := account.Credit(input.Amount); err != nil {
			return err
		}
		return saveAccount(ctx, repo, account)
	})
	if err != nil {
		return nil, err
	}

	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"account_id": account.ID.String(),
		"amount":     input.Amount.String(),
	}), "account topped up")
	return account, nil
}

// GetBalance returns zero when the user has no account.
func (s *service) GetBalance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	if userID == uuid.Nil {
		return decimal.Zero, pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	}
	account, err := findAccount(ctx, s.repo, userID)
	if err != nil {
		return decimal.Zero, err
	}
	if account == nil {
		return decimal.Zero, nil
	}
	return account.Balance, nil
}

// TryWithdraw debits the account when funds suffice. A missing account or
// insufficient funds returns false without an error.
func (s *service) TryWithdraw(ctx context.Context, input AmountInput) (bool, error) {
	if err := validators.Struct(input); err != nil {
		return false, err
	}

	debited := false
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		account, err := findAccount(ctx, repo, input.UserID)
		if err != nil || account == nil {
			return err
		}
		ok, err := account.TryDebit(input.Amount)
		if err != nil || !ok {
			return err
		}
		if err := saveAccount(ctx, repo, account); err != nil {
			return err
		}
		debited = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return debited, nil
}

func findAccount(ctx context.Context, repo Repository, userID uuid.UUID) (*models.Account, error) {
	account, err := repo.FindByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load account")
	}
	return account, nil
}

func mustFindAccount(ctx context.Context, repo Repository, userID uuid.UUID) (*models.Account, error) {
	account, err := findAccount(ctx, repo, userID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "account not found")
	}
	return account, nil
}

func saveAccount(ctx context.Context, repo Repository, account *models.Account) error {
	if err := repo.SaveBalance(ctx, account); err != nil {
		if pkgerrors.As(err) != nil {
			return err
		}
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "save account")
	}
	return nil
}
