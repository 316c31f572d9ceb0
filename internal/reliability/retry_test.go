package reliability

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{404, false},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		got := IsRetryableHTTPStatus(tc.code)
		if got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestExponentialBackoffCap(t *testing.T) {
	base := 100 * time.Millisecond
	capDur := 700 * time.Millisecond
	if got := ExponentialBackoff(0, base, capDur); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(2, base, capDur); got != 400*time.Millisecond {
		t.Fatalf("attempt 2 = %v, want 400ms", got)
	}
	if got := ExponentialBackoff(10, base, capDur); got != capDur {
		t.Fatalf("attempt 10 = %v, want %v", got, capDur)
	}
}

func TestPolicyDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Policy{Attempts: 4, Base: time.Millisecond, Cap: 4 * time.Millisecond}.Do(context.Background(), func(context.Context) (bool, error) {
		calls++
		if calls < 3 {
			return true, errors.New("unavailable")
		}
		return false, nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestPolicyDoStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("bad request")
	calls := 0
	err := Policy{Attempts: 5, Base: time.Millisecond, Cap: time.Millisecond}.Do(context.Background(), func(context.Context) (bool, error) {
		calls++
		return false, permanent
	})
	if !errors.Is(err, permanent) || calls != 1 {
		t.Fatalf("Do() = %v after %d calls, want permanent error after 1", err, calls)
	}
}

func TestPolicyDoGivesUpAfterAttempts(t *testing.T) {
	calls := 0
	err := Policy{Attempts: 2, Base: time.Millisecond, Cap: time.Millisecond}.Do(context.Background(), func(context.Context) (bool, error) {
		calls++
		return true, errors.New("still down")
	})
	if err == nil || calls != 2 {
		t.Fatalf("Do() = %v after %d calls, want error after 2", err, calls)
	}
}
