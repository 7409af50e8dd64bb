package challenge

import (
	"context"
	"testing"
	"time"
)

func newTestService() (*Service, *time.Time) {
	now := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	svc := NewService(NewMemoryStore(), 5*time.Minute, 3, 30*time.Second)
	svc.WithClock(func() time.Time { return now })
	return svc, &now
}

func TestIssueAndVerifySMSOTP(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	ch, code, err := svc.Issue(ctx, "txn_1", "u1", TypeSMSOTP)
	if err != nil {
		t.Fatal(err)
	}
	if len(code) != 6 {
		t.Fatalf("code length = %d, want 6", len(code))
	}
	if ch.MaxAttempts != 3 {
		t.Fatalf("max attempts = %d, want 3", ch.MaxAttempts)
	}

	res, err := svc.Verify(ctx, ch.ID, code)
	if err != nil {
		t.Fatal(err)
	}
	if res != ResultOK {
		t.Fatalf("result = %s, want OK", res)
	}
}

func TestVerifyConsumedChallengeReportsExpired(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	ch, code, err := svc.Issue(ctx, "txn_1", "u1", TypeSMSOTP)
	if err != nil {
		t.Fatal(err)
	}
	if res, _ := svc.Verify(ctx, ch.ID, code); res != ResultOK {
		t.Fatalf("first verify = %s, want OK", res)
	}

	// Replaying the same correct code must never verify twice.
	res, err := svc.Verify(ctx, ch.ID, code)
	if err != nil {
		t.Fatal(err)
	}
	if res != ResultExpired {
		t.Fatalf("replay result = %s, want EXPIRED", res)
	}
}

func TestVerifyAttemptsExhaustionLocks(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	ch, code, err := svc.Issue(ctx, "txn_1", "u1", TypeSMSOTP)
	if err != nil {
		t.Fatal(err)
	}

	if res, _ := svc.Verify(ctx, ch.ID, "000000"); res != ResultInvalid {
		t.Fatalf("attempt 1 = %s, want INVALID", res)
	}
	if res, _ := svc.Verify(ctx, ch.ID, "111111"); res != ResultInvalid {
		t.Fatalf("attempt 2 = %s, want INVALID", res)
	}
	// The attempt that exhausts the counter reports LOCKED, not INVALID.
	if res, _ := svc.Verify(ctx, ch.ID, "222222"); res != ResultLocked {
		t.Fatalf("attempt 3 = %s, want LOCKED", res)
	}
	// Even the correct code cannot unlock an exhausted challenge.
	if res, _ := svc.Verify(ctx, ch.ID, code); res != ResultLocked {
		t.Fatalf("post-lock correct code = %s, want LOCKED", res)
	}
}

func TestVerifyAfterTTLReportsExpired(t *testing.T) {
	svc, now := newTestService()
	ctx := context.Background()

	ch, code, err := svc.Issue(ctx, "txn_1", "u1", TypeSMSOTP)
	if err != nil {
		t.Fatal(err)
	}

	*now = now.Add(5*time.Minute + time.Second)
	res, err := svc.Verify(ctx, ch.ID, code)
	if err != nil {
		t.Fatal(err)
	}
	if res != ResultExpired {
		t.Fatalf("result = %s, want EXPIRED", res)
	}
}

func TestReissueCooldownAndRotation(t *testing.T) {
	svc, now := newTestService()
	ctx := context.Background()

	ch, oldCode, err := svc.Issue(ctx, "txn_1", "u1", TypeSMSOTP)
	if err != nil {
		t.Fatal(err)
	}

	if _, _, err := svc.Reissue(ctx, ch.ID); err != ErrResendCooldown {
		t.Fatalf("immediate reissue err = %v, want ErrResendCooldown", err)
	}

	*now = now.Add(31 * time.Second)
	reissued, newCode, err := svc.Reissue(ctx, ch.ID)
	if err != nil {
		t.Fatal(err)
	}
	if newCode == oldCode {
		t.Fatal("reissue must rotate the code")
	}
	if !reissued.ExpiresAt.After(ch.ExpiresAt) {
		t.Fatal("reissue must restart the TTL")
	}

	if res, _ := svc.Verify(ctx, ch.ID, oldCode); res != ResultInvalid {
		t.Fatalf("old code after reissue = %s, want INVALID", res)
	}
	if res, _ := svc.Verify(ctx, ch.ID, newCode); res != ResultOK {
		t.Fatalf("new code = %s, want OK", res)
	}
}

func TestReissueOnlySupportsSMSOTP(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	ch, _, err := svc.Issue(ctx, "txn_1", "u1", TypeDeviceBio)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := svc.Reissue(ctx, ch.ID); err == nil {
		t.Fatal("expected error reissuing a DEVICE_BIO challenge")
	}
}

func TestConfirmExternalFaceVerification(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	ch, secret, err := svc.Issue(ctx, "txn_1", "u1", TypeFaceVerify)
	if err != nil {
		t.Fatal(err)
	}
	if secret != "" {
		t.Fatal("face challenges must not hand the client a secret")
	}

	res, err := svc.ConfirmExternal(ctx, ch.ID, true)
	if err != nil {
		t.Fatal(err)
	}
	if res != ResultOK {
		t.Fatalf("result = %s, want OK", res)
	}

	// The callback firing twice must not approve twice.
	if res, _ := svc.ConfirmExternal(ctx, ch.ID, true); res != ResultExpired {
		t.Fatalf("second confirm = %s, want EXPIRED", res)
	}
}

func TestConfirmExternalRejections(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	ch, _, err := svc.Issue(ctx, "txn_1", "u1", TypeFaceVerify)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if res, _ := svc.ConfirmExternal(ctx, ch.ID, false); res != ResultInvalid {
			t.Fatalf("rejection %d = %s, want INVALID", i+1, res)
		}
	}
	if res, _ := svc.ConfirmExternal(ctx, ch.ID, false); res != ResultLocked {
		t.Fatalf("third rejection = %s, want LOCKED", res)
	}
}

func TestVerifyUnknownChallenge(t *testing.T) {
	svc, _ := newTestService()
	if _, err := svc.Verify(context.Background(), "chl_missing", "123456"); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
