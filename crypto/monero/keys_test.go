// Copyright 2023 The AthanorLabs/atomic-swap Authors
// SPDX-License-Identifier: LGPL-3.0-only

package monero

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/madschristensen99/svm-xmr-atomic-swap/common"
)

func randomSwapID(t *testing.T) common.Hash {
	t.Helper()
	id, err := common.NewRandomSwapID()
	require.NoError(t, err)
	return id
}

func TestGenerateKeysPublicKeyPairRoundTrip(t *testing.T) {
	kp, err := GenerateKeys()
	require.NoError(t, err)

	pub := kp.PublicKeyPair()
	require.Equal(t, kp.Spend.Public().Bytes(), pub.Spend.Bytes())
	require.Equal(t, kp.View.Public().Bytes(), pub.View.Bytes())
}

func TestKeysFromScalarsRoundTrip(t *testing.T) {
	kp, err := GenerateKeys()
	require.NoError(t, err)

	var spend, view [32]byte
	copy(spend[:], kp.Spend.Bytes())
	copy(view[:], kp.View.Bytes())

	kp2, err := KeysFromScalars(spend, view)
	require.NoError(t, err)
	require.Equal(t, kp.Spend.Bytes(), kp2.Spend.Bytes())
	require.Equal(t, kp.View.Bytes(), kp2.View.Bytes())
}

func TestSumSpendAndViewKeysAdditive(t *testing.T) {
	a, err := GenerateKeys()
	require.NoError(t, err)
	b, err := GenerateKeys()
	require.NoError(t, err)

	shared := SumSpendAndViewKeys(a.PublicKeyPair(), b.PublicKeyPair())
	require.Equal(t, a.Spend.Public().Add(b.Spend.Public()).Bytes(), shared.Spend.Bytes())
	require.Equal(t, a.View.Public().Add(b.View.Public()).Bytes(), shared.View.Bytes())
}

func TestDeriveSubaddressDeterministic(t *testing.T) {
	kp, err := GenerateKeys()
	require.NoError(t, err)
	pub := kp.Spend.Public()

	id := randomSwapID(t)

	sub1, err := DeriveSubaddress(pub, id)
	require.NoError(t, err)
	sub2, err := DeriveSubaddress(pub, id)
	require.NoError(t, err)
	require.Equal(t, sub1.Bytes(), sub2.Bytes())

	otherID := randomSwapID(t)
	sub3, err := DeriveSubaddress(pub, otherID)
	require.NoError(t, err)
	require.NotEqual(t, sub1.Bytes(), sub3.Bytes())
}

// TestDeriveSubaddressPrivateMatchesPublic is the round-trip property from
// spec §8 property 7: the subaddress derived from a public key is spendable
// with the private scalar that controls that public key.
func TestDeriveSubaddressPrivateMatchesPublic(t *testing.T) {
	kp, err := GenerateKeys()
	require.NoError(t, err)
	id := randomSwapID(t)

	subPub, err := DeriveSubaddress(kp.Spend.Public(), id)
	require.NoError(t, err)

	subPriv, err := DeriveSubaddressPrivate(kp.Spend, id)
	require.NoError(t, err)

	require.Equal(t, subPub.Bytes(), subPriv.Public().Bytes())
}

func TestCombineSpendKeyAdditive(t *testing.T) {
	own, err := GenerateKeys()
	require.NoError(t, err)
	counterparty, err := GenerateKeys()
	require.NoError(t, err)

	var s [32]byte
	copy(s[:], counterparty.Spend.Bytes())

	combined, err := CombineSpendKey(own.Spend, s)
	require.NoError(t, err)

	want := own.Spend.Public().Add(counterparty.Spend.Public())
	require.Equal(t, want.Bytes(), combined.Public().Bytes())
}

func TestCombineSubaddressSpendKeyMatchesDerivedSubaddress(t *testing.T) {
	own, err := GenerateKeys()
	require.NoError(t, err)
	counterparty, err := GenerateKeys()
	require.NoError(t, err)
	id := randomSwapID(t)

	sharedPub := own.Spend.Public().Add(counterparty.Spend.Public())
	subPub, err := DeriveSubaddress(sharedPub, id)
	require.NoError(t, err)

	var s [32]byte
	copy(s[:], counterparty.Spend.Bytes())

	combined, err := CombineSubaddressSpendKey(own.Spend, counterparty.Spend.Public(), s, id)
	require.NoError(t, err)

	require.Equal(t, subPub.Bytes(), combined.Public().Bytes())
}

func TestAddressDeterministicAndEnvironmentSensitive(t *testing.T) {
	kp, err := GenerateKeys()
	require.NoError(t, err)
	pub := kp.PublicKeyPair()

	addr1 := Address(common.Mainnet, pub)
	addr2 := Address(common.Mainnet, pub)
	require.Equal(t, addr1, addr2)
	require.NotEmpty(t, addr1)

	addrStagenet := Address(common.Stagenet, pub)
	require.NotEqual(t, addr1, addrStagenet)
}

func TestParsePublicKeyRoundTrip(t *testing.T) {
	kp, err := GenerateKeys()
	require.NoError(t, err)

	parsed, err := ParsePublicKey(kp.Spend.Public().Bytes())
	require.NoError(t, err)
	require.Equal(t, kp.Spend.Public().Bytes(), parsed.Bytes())
}

func TestParsePublicKeyRejectsGarbage(t *testing.T) {
	_, err := ParsePublicKey([]byte("not a valid point"))
	require.Error(t, err)
}
