// Copyright 2023 The AthanorLabs/atomic-swap Authors
// SPDX-License-Identifier: LGPL-3.0-only

// Package coins defines the minor-unit amount types used by the engine —
// USDC (Solana, 6 decimals) and piconero (Monero, 12 decimals) — along with
// apd-based exchange-rate and tolerance math, generalising the teacher's
// coins.EthAssetAmount / coins.PiconeroAmount pair.
package coins

import (
	"fmt"

	"github.com/cockroachdb/apd/v3"
)

// NumUSDCDecimals is the number of decimal places of a USDC minor unit.
const NumUSDCDecimals = 6

// NumMoneroDecimals is the number of decimal places of a piconero.
const NumMoneroDecimals = 12

var decimalCtx = apd.BaseContext.WithPrecision(50)

// USDCAmount is a quantity of USDC denominated in minor units (6 decimals).
type USDCAmount uint64

// AsStandard converts minor units to a human decimal (e.g. 100_000_000 -> 100).
func (a USDCAmount) AsStandard() *apd.Decimal {
	return apd.New(int64(a), -NumUSDCDecimals)
}

// PiconeroAmount is a quantity of XMR denominated in piconero (12 decimals).
type PiconeroAmount uint64

// AsMonero converts piconero to a human decimal.
func (a PiconeroAmount) AsMonero() *apd.Decimal {
	return apd.New(int64(a), -NumMoneroDecimals)
}

// AsMoneroString formats the amount as a plain decimal string, matching the
// teacher's PiconeroAmount.AsMoneroString used in log lines.
func (a PiconeroAmount) AsMoneroString() string {
	return a.AsMonero().Text('f')
}

// MoneroToPiconero converts a decimal XMR amount into piconero, rounding to
// the nearest unit. Mirrors the teacher's coins.MoneroToPiconero.
func MoneroToPiconero(xmr *apd.Decimal) (PiconeroAmount, error) {
	scaled := new(apd.Decimal)
	_, err := decimalCtx.Mul(scaled, xmr, apd.New(1, NumMoneroDecimals))
	if err != nil {
		return 0, err
	}
	rounded := new(apd.Decimal)
	_, err = decimalCtx.RoundToIntegralValue(rounded, scaled)
	if err != nil {
		return 0, err
	}
	i, err := rounded.Int64()
	if err != nil {
		return 0, fmt.Errorf("amount overflows piconero: %w", err)
	}
	if i < 0 {
		return 0, fmt.Errorf("amount must be non-negative")
	}
	return PiconeroAmount(i), nil
}

// USDCToMinorUnits converts a decimal USDC amount into minor units.
func USDCToMinorUnits(usdc *apd.Decimal) (USDCAmount, error) {
	scaled := new(apd.Decimal)
	_, err := decimalCtx.Mul(scaled, usdc, apd.New(1, NumUSDCDecimals))
	if err != nil {
		return 0, err
	}
	rounded := new(apd.Decimal)
	_, err = decimalCtx.RoundToIntegralValue(rounded, scaled)
	if err != nil {
		return 0, err
	}
	i, err := rounded.Int64()
	if err != nil {
		return 0, fmt.Errorf("amount overflows minor units: %w", err)
	}
	if i < 0 {
		return 0, fmt.Errorf("amount must be non-negative")
	}
	return USDCAmount(i), nil
}

// ExchangeRate is XMR per USDC in both swap directions, modelled as an apd.Decimal the same way the teacher's coins.ExchangeRate
// wraps one.
type ExchangeRate struct {
	rate *apd.Decimal
}

// ToExchangeRate wraps a raw decimal rate.
func ToExchangeRate(d *apd.Decimal) *ExchangeRate {
	return &ExchangeRate{rate: d}
}

// Decimal returns the underlying apd.Decimal.
func (r *ExchangeRate) Decimal() *apd.Decimal {
	return r.rate
}

func (r *ExchangeRate) String() string {
	return r.rate.Text('f')
}

// ApplySpread returns rate*(1+spreadBps/10000) if sell is true (maker is
// selling the quoted asset, so it charges a premium), or rate*(1-spreadBps/10000)
// otherwise. This is the entirety of the pricing logic the core is allowed
// to perform per spec §1's Non-goals ("applying a configured spread").
func (r *ExchangeRate) ApplySpread(spreadBps int64, sell bool) (*ExchangeRate, error) {
	bps := apd.New(spreadBps, -4)
	one := apd.New(1, 0)
	factor := new(apd.Decimal)
	if sell {
		if _, err := decimalCtx.Add(factor, one, bps); err != nil {
			return nil, err
		}
	} else {
		if _, err := decimalCtx.Sub(factor, one, bps); err != nil {
			return nil, err
		}
	}
	out := new(apd.Decimal)
	if _, err := decimalCtx.Mul(out, r.rate, factor); err != nil {
		return nil, err
	}
	return &ExchangeRate{rate: out}, nil
}

// ConvertUSDCToPiconero converts a USDC amount to the equivalent piconero
// amount at this rate (XMR per USDC).
func (r *ExchangeRate) ConvertUSDCToPiconero(usdc USDCAmount) (PiconeroAmount, error) {
	xmr := new(apd.Decimal)
	if _, err := decimalCtx.Mul(xmr, usdc.AsStandard(), r.rate); err != nil {
		return 0, err
	}
	return MoneroToPiconero(xmr)
}

// WithinTolerance reports whether token_amount*rate is within toleranceBps
// of privateAmount, implementing invariant 5 of spec §3.
func (r *ExchangeRate) WithinTolerance(tokenAmount USDCAmount, privateAmount PiconeroAmount, toleranceBps int64) (bool, error) {
	expected, err := r.ConvertUSDCToPiconero(tokenAmount)
	if err != nil {
		return false, err
	}
	expDec := expected.AsMonero()
	actDec := privateAmount.AsMonero()

	diff := new(apd.Decimal)
	if _, err := decimalCtx.Sub(diff, actDec, expDec); err != nil {
		return false, err
	}
	diff.Negative = false // abs

	toleranceFactor := apd.New(toleranceBps, -4)
	maxDiff := new(apd.Decimal)
	if _, err := decimalCtx.Mul(maxDiff, expDec, toleranceFactor); err != nil {
		return false, err
	}
	maxDiff.Negative = false

	return diff.Cmp(maxDiff) <= 0, nil
}

// WithinToleranceUint64 reports whether actual is within toleranceBps of
// expected, used by the engine's safety rule (spec §4.6) to compare an
// observed lock's on-chain amount against the swap row's already-agreed
// amount for that leg — no rate conversion needed since both values are
// already denominated in the same minor unit.
func WithinToleranceUint64(expected, actual uint64, toleranceBps int64) bool {
	if expected == 0 {
		return actual == 0
	}
	var diff uint64
	if actual > expected {
		diff = actual - expected
	} else {
		diff = expected - actual
	}
	// diff/expected <= toleranceBps/10000  <=>  diff*10000 <= expected*toleranceBps
	return diff*10000 <= expected*uint64(toleranceBps)
}

// ValidatePositive checks d is set, non-negative and has no more than
// maxDecimals fractional digits, mirroring the teacher's
// coins.ValidatePositive used for Offer.MinAmount/MaxAmount.
func ValidatePositive(name string, maxDecimals int32, d *apd.Decimal) error {
	if d == nil {
		return fmt.Errorf("%q is not set", name)
	}
	if d.Negative || d.IsZero() {
		return fmt.Errorf("%q must be positive", name)
	}
	if d.Exponent < -maxDecimals {
		return fmt.Errorf("%q has too many decimal places for this asset", name)
	}
	return nil
}
