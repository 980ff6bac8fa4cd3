// Copyright 2023 The AthanorLabs/atomic-swap Authors
// SPDX-License-Identifier: LGPL-3.0-only

package adaptor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPresignCompleteExtractVerify(t *testing.T) {
	signingPriv, signingPub, err := GenerateKeyPair()
	require.NoError(t, err)

	secret, err := GenerateSecret()
	require.NoError(t, err)

	adaptorPoint, err := AdaptorPoint(secret)
	require.NoError(t, err)

	message := []byte("swap-id-placeholder")

	presig, err := AdaptorPresign(message, signingPriv, adaptorPoint)
	require.NoError(t, err)

	sig, err := AdaptorComplete(presig, secret)
	require.NoError(t, err)

	require.True(t, Verify(sig, message, signingPub))

	extracted, err := ExtractSecret(presig, sig)
	require.NoError(t, err)
	require.Equal(t, secret, extracted)
}

func TestVerifyFailsOnWrongMessage(t *testing.T) {
	signingPriv, signingPub, err := GenerateKeyPair()
	require.NoError(t, err)

	secret, err := GenerateSecret()
	require.NoError(t, err)
	adaptorPoint, err := AdaptorPoint(secret)
	require.NoError(t, err)

	presig, err := AdaptorPresign([]byte("message-a"), signingPriv, adaptorPoint)
	require.NoError(t, err)
	sig, err := AdaptorComplete(presig, secret)
	require.NoError(t, err)

	require.False(t, Verify(sig, []byte("message-b"), signingPub))
}

func TestHashLockDeterministic(t *testing.T) {
	secret, err := GenerateSecret()
	require.NoError(t, err)

	h1 := HashLock(secret)
	h2 := HashLock(secret)
	require.Equal(t, h1, h2)

	other, err := GenerateSecret()
	require.NoError(t, err)
	require.NotEqual(t, h1, HashLock(other))
}

func TestKeyPairFromScalarRoundTrip(t *testing.T) {
	priv, pub, err := GenerateKeyPair()
	require.NoError(t, err)

	var s [32]byte
	copy(s[:], priv.Bytes())

	priv2, pub2, err := KeyPairFromScalar(s)
	require.NoError(t, err)
	require.Equal(t, priv.Bytes(), priv2.Bytes())
	require.Equal(t, pub.Bytes(), pub2.Bytes())
}

func TestParsePublicKeyRoundTrip(t *testing.T) {
	_, pub, err := GenerateKeyPair()
	require.NoError(t, err)

	parsed, err := ParsePublicKey(pub.Bytes())
	require.NoError(t, err)
	require.Equal(t, pub.Bytes(), parsed.Bytes())
}

func TestParsePublicKeyRejectsGarbage(t *testing.T) {
	_, err := ParsePublicKey([]byte("not a point"))
	require.Error(t, err)
}
