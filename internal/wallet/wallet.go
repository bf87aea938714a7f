package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/klear-core/internal/types"
)

var ErrInsufficientBalance = errors.New("insufficient balance")

// Service is the wallet subsystem the trade processor settles through. Every
// method runs on the connection the service was built with, so a service
// obtained from WithTx takes part in the caller's transaction.
type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// WithTx returns a service bound to tx
func (s *Service) WithTx(tx *gorm.DB) *Service {
	return &Service{db: tx}
}

// GetOrCreate returns the wallet of user in currency, creating it with a zero
// balance on first use
func (s *Service) GetOrCreate(ctx context.Context, userID uint, currency types.CurrencyID, walletType types.WalletType) (*Wallet, error) {
	w := Wallet{UserID: userID, CurrencyID: currency, Type: walletType}
	err := s.db.WithContext(ctx).
		Where(Wallet{UserID: userID, CurrencyID: currency, Type: walletType}).
		Attrs(Wallet{Balance: decimal.Zero}).
		FirstOrCreate(&w).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	return &w, nil
}

// CreateTransaction records an uncommitted entry on w. When an entry with the
// same reference already exists it is returned unchanged.
func (s *Service) CreateTransaction(ctx context.Context, w *Wallet, amount decimal.Decimal, refModule string, refID uint, description string, allowNegative bool) (*Transaction, error) {
	var existing Transaction
	err := s.db.WithContext(ctx).
		Where("ref_module = ? AND ref_id = ?", refModule, refID).
		First(&existing).Error
	if err == nil {
		if existing.WalletID != w.ID {
			return nil, types.Integrityf("%s #%d already recorded on wallet %d, not %d", refModule, refID, existing.WalletID, w.ID)
		}
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	txn := Transaction{
		WalletID:      w.ID,
		Amount:        amount,
		RefModule:     refModule,
		RefID:         refID,
		Description:   description,
		AllowNegative: allowNegative,
	}
	if err := s.db.WithContext(ctx).Create(&txn).Error; err != nil {
		return nil, fmt.Errorf("failed to create wallet transaction: %w", err)
	}
	return &txn, nil
}

// Commit applies txn to its wallet balance exactly once
func (s *Service) Commit(ctx context.Context, txn *Transaction) error {
	if txn.Committed {
		return nil
	}

	db := s.db.WithContext(ctx)

	var w Wallet
	if err := db.First(&w, txn.WalletID).Error; err != nil {
		return fmt.Errorf("failed to load wallet %d: %w", txn.WalletID, err)
	}

	balance := w.Balance.Add(txn.Amount)
	if balance.IsNegative() && !txn.AllowNegative {
		return fmt.Errorf("%w: wallet %d has %s, needs %s", ErrInsufficientBalance, w.ID, w.Balance, txn.Amount.Neg())
	}

	res := db.Model(&Transaction{}).
		Where("id = ? AND committed = ?", txn.ID, false).
		Updates(map[string]interface{}{"committed": true, "balance_after": balance})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// committed by an earlier attempt
		txn.Committed = true
		return nil
	}

	if err := db.Model(&w).Update("balance", balance).Error; err != nil {
		return fmt.Errorf("failed to update wallet %d: %w", w.ID, err)
	}

	txn.Committed = true
	txn.BalanceAfter = balance
	return nil
}

// Deposit credits amount to a wallet in one step. Used to fund accounts.
func (s *Service) Deposit(ctx context.Context, userID uint, currency types.CurrencyID, walletType types.WalletType, amount decimal.Decimal, refID uint) (*Transaction, error) {
	var txn *Transaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ws := s.WithTx(tx)
		w, err := ws.GetOrCreate(ctx, userID, currency, walletType)
		if err != nil {
			return err
		}
		txn, err = ws.CreateTransaction(ctx, w, amount, RefManualDeposit, refID, "manual deposit", false)
		if err != nil {
			return err
		}
		return ws.Commit(ctx, txn)
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// Balance returns the balance of a wallet, zero when it does not exist yet
func (s *Service) Balance(ctx context.Context, userID uint, currency types.CurrencyID, walletType types.WalletType) (decimal.Decimal, error) {
	var w Wallet
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND currency_id = ? AND type = ?", userID, currency, walletType).
		First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return w.Balance, nil
}

// Transactions lists the entries recorded for a reference module and id
func (s *Service) Transactions(ctx context.Context, refModule string, refID uint) ([]Transaction, error) {
	var txns []Transaction
	err := s.db.WithContext(ctx).
		Where("ref_module = ? AND ref_id = ?", refModule, refID).
		Order("id").
		Find(&txns).Error
	return txns, err
}

// Total sums the committed balances held in currency across all users
func (s *Service) Total(ctx context.Context, currency types.CurrencyID) (decimal.Decimal, error) {
	var wallets []Wallet
	if err := s.db.WithContext(ctx).Where("currency_id = ?", currency).Find(&wallets).Error; err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, w := range wallets {
		total = total.Add(w.Balance)
	}
	return total, nil
}
