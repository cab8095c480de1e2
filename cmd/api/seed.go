package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ahsinil/meal-pass/internal/auth"
	"github.com/ahsinil/meal-pass/internal/obs"
	"github.com/ahsinil/meal-pass/internal/pickupcode"
	"github.com/ahsinil/meal-pass/internal/redemption"
)

// demoPassword is shared by every seeded identity. Development only.
const demoPassword = "meal-pass-demo"

var demoIdentities = []redemption.Identity{
	{Name: "Demo Admin", EmployeeCode: "ADM001", Department: "Operations", Role: redemption.RoleAdmin},
	{Name: "Demo Officer", EmployeeCode: "OFF001", Department: "Canteen", Role: redemption.RoleOfficer},
	{Name: "Aigerim Sadykova", EmployeeCode: "EMP001", Department: "Finance", Role: redemption.RoleEmployee},
	{Name: "Daniyar Omarov", EmployeeCode: "EMP002", Department: "Logistics", Role: redemption.RoleEmployee},
	{Name: "Madina Tulegenova", EmployeeCode: "EMP003", Department: "Logistics", Role: redemption.RoleEmployee},
}

// seedDemo creates the demo identities and today's lunch session unless they
// already exist, so restarts against a persistent store are harmless.
func seedDemo(ctx context.Context, p redemption.Provisioner) error {
	lookup, ok := p.(redemption.IdentityStore)
	if !ok {
		return errors.New("provisioner cannot look up identities")
	}
	hash, err := auth.HashPassword(demoPassword)
	if err != nil {
		return err
	}

	created := 0
	for _, ident := range demoIdentities {
		if _, err := lookup.IdentityByEmployeeCode(ctx, ident.EmployeeCode); err == nil {
			continue
		} else if !errors.Is(err, redemption.ErrNotFound) {
			return fmt.Errorf("lookup %s: %w", ident.EmployeeCode, err)
		}
		code, err := pickupcode.Generate(nil)
		if err != nil {
			return err
		}
		ident.PickupCode = code
		ident.PasswordHash = hash
		ident.Active = true
		if _, err := p.CreateIdentity(ctx, ident); err != nil {
			return fmt.Errorf("create %s: %w", ident.EmployeeCode, err)
		}
		created++
	}

	sessions, ok := p.(redemption.SessionStore)
	if !ok {
		return errors.New("provisioner cannot read sessions")
	}
	if _, err := sessions.ActiveSession(ctx); err == nil {
		obs.Info("demo_seeded", map[string]any{"identities": created, "session": "existing"})
		return nil
	} else if !errors.Is(err, redemption.ErrNotFound) {
		return err
	}

	window, err := p.CreateWindow(ctx, redemption.Window{
		Name:      "Lunch",
		StartTime: "11:30",
		EndTime:   "13:30",
		Location:  "Canteen",
	})
	if err != nil {
		return fmt.Errorf("create window: %w", err)
	}
	today := time.Now().UTC().Truncate(24 * time.Hour)
	sess, err := p.CreateSession(ctx, redemption.Session{
		Date:        today,
		WindowID:    window.ID,
		PreparedQty: 50,
		IsActive:    true,
	})
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	obs.Info("demo_seeded", map[string]any{"identities": created, "session_id": sess.ID})
	return nil
}
