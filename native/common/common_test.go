package common

import (
	"errors"
	"fmt"
	"testing"

	"btcfi/crypto"
)

func TestKindOfSurvivesWrapping(t *testing.T) {
	sentinel := Solvency("ltv exceeded")
	wrapped := fmt.Errorf("borrow: %w", sentinel)
	if KindOf(wrapped) != KindSolvency {
		t.Fatalf("expected solvency kind, got %s", KindOf(wrapped))
	}
	if !errors.Is(wrapped, sentinel) {
		t.Fatalf("errors.Is lost the sentinel")
	}
	if KindOf(errors.New("plain")) != KindUnknown {
		t.Fatalf("unclassified errors should be unknown")
	}
}

func TestReentrancyReleasesOnEveryPath(t *testing.T) {
	var guard Reentrancy
	call := func(fail bool) (err error) {
		release, err := guard.Enter()
		if err != nil {
			return err
		}
		defer release()
		if _, err := guard.Enter(); !errors.Is(err, ErrReentrant) {
			t.Fatalf("nested enter should fail, got %v", err)
		}
		if fail {
			return errors.New("boom")
		}
		return nil
	}
	if err := call(true); err == nil {
		t.Fatalf("expected failure")
	}
	if guard.Busy() {
		t.Fatalf("guard not released after error")
	}
	if err := call(false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	func() {
		defer func() { _ = recover() }()
		release, _ := guard.Enter()
		defer release()
		panic("abort")
	}()
	if guard.Busy() {
		t.Fatalf("guard not released after panic")
	}
}

func TestRolesGrantRevoke(t *testing.T) {
	admin := crypto.DeriveAddress(crypto.AccountPrefix, "admin")
	keeper := crypto.DeriveAddress(crypto.AccountPrefix, "keeper")
	roles := NewRoles(admin)

	if err := roles.Require(RoleKeeper, keeper); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err := roles.Grant(keeper, RoleKeeper, keeper); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-admin grant should fail, got %v", err)
	}
	if err := roles.Grant(admin, RoleKeeper, keeper); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := roles.Require(RoleKeeper, keeper); err != nil {
		t.Fatalf("keeper should be authorised: %v", err)
	}
	if err := roles.Require(RoleTreasury, admin); err != nil {
		t.Fatalf("admin should hold every role: %v", err)
	}
	if err := roles.Revoke(admin, RoleAdmin, admin); !errors.Is(err, ErrLastAdmin) {
		t.Fatalf("expected last admin protection, got %v", err)
	}
	if err := roles.Revoke(admin, RoleKeeper, keeper); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if roles.Has(RoleKeeper, keeper) {
		t.Fatalf("keeper role should be revoked")
	}
}

func TestPausesGuard(t *testing.T) {
	admin := crypto.DeriveAddress(crypto.AccountPrefix, "admin")
	pauses := NewPauses(NewRoles(admin))
	if err := Guard(pauses, "lending"); err != nil {
		t.Fatalf("unexpected guard failure: %v", err)
	}
	if err := pauses.SetPaused(admin, "lending", true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := Guard(pauses, "lending"); !errors.Is(err, ErrModulePaused) {
		t.Fatalf("expected paused, got %v", err)
	}
	if err := Guard(pauses, "vault"); err != nil {
		t.Fatalf("other modules should be unaffected: %v", err)
	}
	if err := pauses.SetPaused(crypto.DeriveAddress(crypto.AccountPrefix, "mallory"), "lending", false); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}
