package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAcquireWritesOwnerPID(t *testing.T) {
	profileDir := filepath.Join(t.TempDir(), "profiles", "main")

	l, err := Acquire(profileDir)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer func() { _ = l.Release() }()

	// Acquire creates the profile dir when it does not exist yet.
	data, err := os.ReadFile(filepath.Join(profileDir, "LOCK"))
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	want := fmt.Sprintf("pid=%d", os.Getpid())
	if !strings.Contains(string(data), want) {
		t.Errorf("lock file %q does not record %q", data, want)
	}
}

func TestSecondAcquireReportsHolder(t *testing.T) {
	profileDir := t.TempDir()

	l1, err := Acquire(profileDir)
	if err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}
	defer func() { _ = l1.Release() }()

	_, err = Acquire(profileDir)
	if err == nil {
		t.Fatal("second Acquire() should fail while the profile is locked")
	}

	var lockErr *LockHeldError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected LockHeldError, got %T: %v", err, err)
	}
	if lockErr.PID != os.Getpid() {
		t.Errorf("holder PID = %d, want %d", lockErr.PID, os.Getpid())
	}
	if !strings.Contains(lockErr.Error(), "profile lock held by PID") {
		t.Errorf("error text = %q, want it to name the profile lock holder", lockErr.Error())
	}
}

func TestReleaseFreesProfile(t *testing.T) {
	profileDir := t.TempDir()

	l1, err := Acquire(profileDir)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := l1.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(profileDir, "LOCK")); !os.IsNotExist(err) {
		t.Error("lock file should be removed on release")
	}

	l2, err := Acquire(profileDir)
	if err != nil {
		t.Fatalf("re-Acquire() after release error = %v", err)
	}
	_ = l2.Release()
}

func TestReleaseNilAndIdempotent(t *testing.T) {
	var nilLock *Lock
	if err := nilLock.Release(); err != nil {
		t.Errorf("nil Release() error = %v", err)
	}

	l, err := Acquire(t.TempDir())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := l.Release(); err != nil {
		t.Errorf("first Release() error = %v", err)
	}
	if err := l.Release(); err != nil {
		t.Errorf("second Release() error = %v", err)
	}
}
