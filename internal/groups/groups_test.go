package groups_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mobpoly/securenetdisk/internal/groups"
	"github.com/mobpoly/securenetdisk/internal/store"
)

func newFixture(t *testing.T) (*groups.Service, *store.User, *store.User, *store.User) {
	t.Helper()
	st, err := store.InitDB("sqlite", ":memory:")
	require.NoError(t, err)

	mk := func(username string) *store.User {
		u := &store.User{
			Username: username, Email: username + "@example.com",
			PasswordHash: "h", PublicKeyPEM: []byte("pub-" + username),
			EncryptedPrivateKey: []byte("priv"), EncryptedMasterKey: []byte("emk"),
			MasterKeySalt: []byte("salt"), RecoveryKeyEncrypted: []byte("rke"),
			RecoveryKeySalt: []byte("rks"), RecoveryKeyHash: []byte("rkh"),
		}
		require.NoError(t, st.CreateUser(u))
		return u
	}
	return groups.New(st), mk("alice"), mk("bob"), mk("carol")
}

func TestInviteAcceptAndMembersList(t *testing.T) {
	svc, alice, bob, carol := newFixture(t)

	g, err := svc.Create(alice.ID, "team", []byte("wrapped-alice"))
	require.NoError(t, err)

	inv, err := svc.Invite(g.ID, alice.ID, bob.Username, []byte("wrapped-bob"))
	require.NoError(t, err)

	_, err = svc.Invite(g.ID, carol.ID, bob.Username, []byte("x"))
	require.ErrorIs(t, err, groups.ErrNotAMember)

	_, err = svc.Accept(inv.ID, carol.ID)
	require.Error(t, err)

	_, err = svc.Accept(inv.ID, bob.ID)
	require.NoError(t, err)

	members, err := svc.Members(g.ID, bob.ID)
	require.NoError(t, err)
	require.Len(t, members, 2)

	_, err = svc.Members(g.ID, carol.ID)
	require.ErrorIs(t, err, groups.ErrNotAMember)
}

func TestLeaveOwnerDissolvesGroup(t *testing.T) {
	svc, alice, bob, _ := newFixture(t)
	g, err := svc.Create(alice.ID, "team", []byte("wrapped-alice"))
	require.NoError(t, err)
	inv, err := svc.Invite(g.ID, alice.ID, bob.Username, []byte("wrapped-bob"))
	require.NoError(t, err)
	_, err = svc.Accept(inv.ID, bob.ID)
	require.NoError(t, err)

	require.NoError(t, svc.Leave(g.ID, alice.ID, func(string) error { return nil }))

	_, err = svc.Members(g.ID, bob.ID)
	require.Error(t, err)
}

func TestLeaveMemberOnlyRemovesMembership(t *testing.T) {
	svc, alice, bob, _ := newFixture(t)
	g, err := svc.Create(alice.ID, "team", []byte("wrapped-alice"))
	require.NoError(t, err)
	inv, err := svc.Invite(g.ID, alice.ID, bob.Username, []byte("wrapped-bob"))
	require.NoError(t, err)
	_, err = svc.Accept(inv.ID, bob.ID)
	require.NoError(t, err)

	require.NoError(t, svc.Leave(g.ID, bob.ID, func(string) error { return nil }))

	members, err := svc.Members(g.ID, alice.ID)
	require.NoError(t, err)
	require.Len(t, members, 1)
}
