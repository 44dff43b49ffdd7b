package keys

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	appcrypto "github.com/mobpoly/securenetdisk/internal/crypto"
)

func TestRegistrationRoundTripPasswordPath(t *testing.T) {
	bundle, err := PrepareRegistration("Passw0rd!")
	require.NoError(t, err)

	recovered, err := UnwrapMasterKeyWithPassword("Passw0rd!", bundle.MasterKeySalt, bundle.EncryptedMasterKey)
	require.NoError(t, err)
	require.Equal(t, bundle.MasterKey, recovered)
}

func TestRegistrationRoundTripRecoveryPath(t *testing.T) {
	bundle, err := PrepareRegistration("Passw0rd!")
	require.NoError(t, err)

	recovered, err := UnwrapMasterKeyWithRecovery(bundle.RecoveryKeyPlain, bundle.RecoveryKeySalt, bundle.RecoveryKeyEncrypted)
	require.NoError(t, err)
	require.Equal(t, bundle.MasterKey, recovered)

	require.True(t, VerifyRecoveryKey(bundle.RecoveryKeyPlain, bundle.RecoveryKeyHash))
	require.False(t, VerifyRecoveryKey("WRONG-RECO-VERY-KEYX", bundle.RecoveryKeyHash))
}

func TestPasswordHashMatchesPrehash(t *testing.T) {
	bundle, err := PrepareRegistration("Passw0rd!")
	require.NoError(t, err)
	require.True(t, appcrypto.VerifyPassword(bundle.PasswordHash, PasswordPrehash("Passw0rd!")))
	require.False(t, appcrypto.VerifyPassword(bundle.PasswordHash, PasswordPrehash("wrong")))
}

func TestPasswordRotationPreservesRecoveryAndMasterKey(t *testing.T) {
	bundle, err := PrepareRegistration("Passw0rd!")
	require.NoError(t, err)

	change, err := RotatePassword(bundle.MasterKey, "NewPass1!")
	require.NoError(t, err)

	// Unwrapping the new wrap with the old password must not yield
	// the master key: a wrong key either fails padding or produces
	// garbage.
	if got, err := UnwrapMasterKeyWithPassword("Passw0rd!", change.NewMasterKeySalt, change.NewEncryptedMasterKey); err == nil {
		require.False(t, bytes.Equal(bundle.MasterKey, got))
	}

	// The new password succeeds and yields the same master key.
	recovered, err := UnwrapMasterKeyWithPassword("NewPass1!", change.NewMasterKeySalt, change.NewEncryptedMasterKey)
	require.NoError(t, err)
	require.Equal(t, bundle.MasterKey, recovered)

	// Recovery unlock with the original recovery key is unaffected.
	viaRecovery, err := UnwrapMasterKeyWithRecovery(bundle.RecoveryKeyPlain, bundle.RecoveryKeySalt, bundle.RecoveryKeyEncrypted)
	require.NoError(t, err)
	require.Equal(t, bundle.MasterKey, viaRecovery)
}

func TestPrivateKeyWrapRoundTrip(t *testing.T) {
	bundle, err := PrepareRegistration("Passw0rd!")
	require.NoError(t, err)

	priv, err := UnwrapPrivateKey(bundle.MasterKey, bundle.EncryptedPrivateKey)
	require.NoError(t, err)
	require.Equal(t, appcrypto.RSAKeyBits, priv.N.BitLen())
}

func TestGroupKeyWrapRoundTrip(t *testing.T) {
	priv, err := appcrypto.GenerateRSAKeyPair()
	require.NoError(t, err)

	groupKey, err := NewGroupKey()
	require.NoError(t, err)

	wrapped, err := WrapGroupKeyForMember(&priv.PublicKey, groupKey)
	require.NoError(t, err)

	unwrapped, err := UnwrapGroupKey(priv, wrapped)
	require.NoError(t, err)
	require.Equal(t, groupKey, unwrapped)
}

func TestFileKeyWrapRoundTrip(t *testing.T) {
	masterKey, err := appcrypto.RandomBytes(appcrypto.KeySize)
	require.NoError(t, err)
	fileKey, err := NewFileKey()
	require.NoError(t, err)

	wrapped, err := WrapFileKey(masterKey, fileKey)
	require.NoError(t, err)
	unwrapped, err := UnwrapFileKey(masterKey, wrapped)
	require.NoError(t, err)
	require.Equal(t, fileKey, unwrapped)
}

func TestFileSystemPinStoreTOFU(t *testing.T) {
	dir := t.TempDir()
	store := NewFileSystemPinStore(filepath.Join(dir, "pins.json"))
	checker := &TOFUChecker{Store: store}

	pubPEM := []byte("-----BEGIN PUBLIC KEY-----\nfakekeybytes\n-----END PUBLIC KEY-----\n")
	require.NoError(t, checker.Check("server-1", pubPEM))

	// Subsequent connection with the same key succeeds.
	require.NoError(t, checker.Check("server-1", pubPEM))

	// A different key for the same server ID must be rejected.
	other := []byte("-----BEGIN PUBLIC KEY-----\notherkeybytes\n-----END PUBLIC KEY-----\n")
	err := checker.Check("server-1", other)
	require.Error(t, err)
}
