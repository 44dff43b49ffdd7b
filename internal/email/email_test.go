package email_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mobpoly/securenetdisk/internal/email"
	"github.com/mobpoly/securenetdisk/internal/store"
)

type captureSender struct {
	lastCode string
}

func (c *captureSender) Send(_ string, _ store.VerificationCodePurpose, code string) error {
	c.lastCode = code
	return nil
}

func TestIssueAndVerifyCode(t *testing.T) {
	st, err := store.InitDB("sqlite", ":memory:")
	require.NoError(t, err)

	sender := &captureSender{}
	svc := email.New(st, sender)

	require.NoError(t, svc.IssueCode("alice@example.com", store.PurposeLogin))
	require.Len(t, sender.lastCode, 6)

	wrongCode := "1" + sender.lastCode[1:]
	if wrongCode == sender.lastCode {
		wrongCode = "2" + sender.lastCode[1:]
	}
	err = svc.VerifyCode("alice@example.com", store.PurposeLogin, wrongCode)
	require.ErrorIs(t, err, store.ErrCodeInvalid)

	require.NoError(t, svc.VerifyCode("alice@example.com", store.PurposeLogin, sender.lastCode))
}

func TestIssueCodeThrottlesPerAddress(t *testing.T) {
	st, err := store.InitDB("sqlite", ":memory:")
	require.NoError(t, err)
	svc := email.New(st, &captureSender{})

	for i := 0; i < email.IssueBurst; i++ {
		require.NoError(t, svc.IssueCode("burst@example.com", store.PurposeLogin))
	}
	err = svc.IssueCode("burst@example.com", store.PurposeLogin)
	require.ErrorIs(t, err, email.ErrIssueThrottled)

	// Other addresses are unaffected.
	require.NoError(t, svc.IssueCode("other@example.com", store.PurposeLogin))
}
