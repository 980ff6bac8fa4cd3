// Copyright 2023 The AthanorLabs/atomic-swap Authors
// SPDX-License-Identifier: LGPL-3.0-only

// Package quote implements the quote service (spec §4.3), generalising the
// soft-hold reservation pattern of the teacher's xmrmaker/offers.Manager
// (which reserves an Offer's ExchangeRate+AmountRange for the duration of a
// swap negotiation) onto a single quote/accept handshake with an explicit
// quote_ttl.
package quote

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/apd/v3"

	logging "github.com/ipfs/go-log"

	"github.com/madschristensen99/svm-xmr-atomic-swap/coins"
	"github.com/madschristensen99/svm-xmr-atomic-swap/common"
	"github.com/madschristensen99/svm-xmr-atomic-swap/crypto/adaptor"
	"github.com/madschristensen99/svm-xmr-atomic-swap/vault"
)

var log = logging.Logger("quote")

// RateSource supplies the mid-market exchange rate the service converts
// at. Kept narrow so it can be satisfied by an exchange API client, an
// operator-configured fixed rate, or (in tests) a constant stub.
type RateSource interface {
	MidRate(ctx context.Context) (*coins.ExchangeRate, error)
}

// LiquidityChecker reports the maker's spendable balance on the payout
// chain for a direction, used for the InsufficientLiquidity check.
type LiquidityChecker interface {
	AvailableLiquidity(ctx context.Context, dir common.Direction) (uint64, error)
}

// Config bounds a quote's acceptable amount range and pricing.
type Config struct {
	MinTokenAmount coins.USDCAmount
	MaxTokenAmount coins.USDCAmount
	SpreadBps      int64
	QuoteTTL       time.Duration
}

// Quote is the offer returned by Service.Quote, spec §4.3's Quote entity.
type Quote struct {
	QuoteID            string
	Direction          common.Direction
	TokenAmount        coins.USDCAmount
	PrivateAmount      coins.PiconeroAmount
	Rate               *coins.ExchangeRate
	SecretHash         common.Hash
	ProvisionalSwapID  common.Hash
	ExpiresAt          time.Time
}

type reservation struct {
	quote     *Quote
	secret    [32]byte
	accepted  bool
}

// Service implements quote()/accept() (spec §4.3).
type Service struct {
	cfg     Config
	rates   RateSource
	liq     LiquidityChecker
	vault   vault.Vault

	mu           sync.Mutex
	reservations map[string]*reservation
}

// New constructs a Service.
func New(cfg Config, rates RateSource, liq LiquidityChecker, v vault.Vault) *Service {
	return &Service{
		cfg:          cfg,
		rates:        rates,
		liq:          liq,
		vault:        v,
		reservations: make(map[string]*reservation),
	}
}

func newQuoteID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

// Quote implements spec §4.3's quote(direction, requested_amount).
// requestedAmount is denominated in the token the requester is sending:
// USDC minor units for TokenToPrivate, piconero for PrivateToToken.
func (s *Service) Quote(ctx context.Context, dir common.Direction, requestedAmount uint64) (*Quote, error) {
	rate, err := s.rates.MidRate(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", common.ErrRateUnavailable, err)
	}
	sellSide := dir == common.PrivateToToken // maker is buying XMR, paying out USDC
	askRate, err := rate.ApplySpread(s.cfg.SpreadBps, sellSide)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", common.ErrRateUnavailable, err)
	}

	var tokenAmount coins.USDCAmount
	var privateAmount coins.PiconeroAmount

	switch dir {
	case common.TokenToPrivate:
		tokenAmount = coins.USDCAmount(requestedAmount)
		if tokenAmount < s.cfg.MinTokenAmount || tokenAmount > s.cfg.MaxTokenAmount {
			return nil, common.ErrAmountOutOfBounds
		}
		privateAmount, err = askRate.ConvertUSDCToPiconero(tokenAmount)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", common.ErrRateUnavailable, err)
		}
	case common.PrivateToToken:
		privateAmount = coins.PiconeroAmount(requestedAmount)
		tokenAmount, err = tokenAmountForPiconero(askRate, privateAmount)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", common.ErrRateUnavailable, err)
		}
		if tokenAmount < s.cfg.MinTokenAmount || tokenAmount > s.cfg.MaxTokenAmount {
			return nil, common.ErrAmountOutOfBounds
		}
	default:
		return nil, errors.New("quote: unknown direction")
	}

	available, err := s.liq.AvailableLiquidity(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", common.ErrInsufficientLiquidity, err)
	}
	payoutAmount := payoutFor(dir, tokenAmount, privateAmount)
	if available < payoutAmount {
		return nil, common.ErrInsufficientLiquidity
	}

	secret, err := adaptor.GenerateSecret()
	if err != nil {
		return nil, err
	}
	secretHash := adaptor.HashLock(secret)

	provisionalSwapID, err := common.NewRandomSwapID()
	if err != nil {
		return nil, err
	}
	if err := s.vault.Put(provisionalSwapID, secret); err != nil {
		return nil, err
	}

	quoteID, err := newQuoteID()
	if err != nil {
		return nil, err
	}

	q := &Quote{
		QuoteID:           quoteID,
		Direction:         dir,
		TokenAmount:       tokenAmount,
		PrivateAmount:     privateAmount,
		Rate:              askRate,
		SecretHash:        secretHash,
		ProvisionalSwapID: provisionalSwapID,
		ExpiresAt:         time.Now().Add(s.cfg.QuoteTTL),
	}

	s.mu.Lock()
	s.reservations[quoteID] = &reservation{quote: q, secret: secret}
	s.mu.Unlock()

	log.Infof("issued quote=%s direction=%s token=%d private=%d", quoteID, dir, tokenAmount, privateAmount)
	return q, nil
}

// Accept promotes the quote with id quoteID, the quote half of spec §4.3's
// accept; the counterparty's keys are passed separately to
// engine.Manager.Propose. It returns the accepted Quote, whose
// ProvisionalSwapID is reused as the swap's permanent id and whose
// SecretHash is the hash-lock; the adaptor secret itself stays sealed in
// the vault under ProvisionalSwapID.
func (s *Service) Accept(quoteID string) (*Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reservations[quoteID]
	if !ok {
		return nil, common.ErrQuoteUnknown
	}
	if r.accepted {
		return nil, common.ErrAlreadyAccepted
	}
	if time.Now().After(r.quote.ExpiresAt) {
		delete(s.reservations, quoteID)
		return nil, common.ErrQuoteExpired
	}

	r.accepted = true
	return r.quote, nil
}

// Expire evicts any reservations whose TTL has elapsed without acceptance,
// releasing their secret from the vault (the quote's swap never happened,
// so its secret must not linger). Nothing in cmd/swapd calls it, so a
// running daemon never erases the secrets of quotes that expire unaccepted.
func (s *Service) Expire(v vault.Vault) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for id, r := range s.reservations {
		if r.accepted || now.Before(r.quote.ExpiresAt) {
			continue
		}
		delete(s.reservations, id)
		if err := v.Erase(r.quote.ProvisionalSwapID, "quote expired before accept"); err != nil {
			log.Warnf("failed to erase expired quote secret quote=%s: %s", id, err)
		}
	}
}

func payoutFor(dir common.Direction, tokenAmount coins.USDCAmount, privateAmount coins.PiconeroAmount) uint64 {
	if dir == common.TokenToPrivate {
		// maker pays out XMR
		return uint64(privateAmount)
	}
	// maker pays out USDC
	return uint64(tokenAmount)
}

func tokenAmountForPiconero(rate *coins.ExchangeRate, amount coins.PiconeroAmount) (coins.USDCAmount, error) {
	xmr := amount.AsMonero()
	usdc := new(apd.Decimal)
	if _, err := apd.BaseContext.WithPrecision(50).Quo(usdc, xmr, rate.Decimal()); err != nil {
		return 0, err
	}
	return coins.USDCToMinorUnits(usdc)
}
