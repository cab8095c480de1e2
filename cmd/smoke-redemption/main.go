package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

type client struct {
	base  string
	token string
	http  *http.Client
}

func (c *client) do(ctx context.Context, method, path string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return resp.StatusCode, nil
}

func (c *client) login(ctx context.Context, code, password string) error {
	var resp struct {
		Token string `json:"token"`
	}
	status, err := c.do(ctx, http.MethodPost, "/v1/auth/token",
		map[string]string{"employee_code": code, "password": password}, &resp)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("login %s: status %d", code, status)
	}
	c.token = resp.Token
	return nil
}

type scanResult struct {
	Status   string `json:"status"`
	Kind     string `json:"kind"`
	Identity *struct {
		ID int64 `json:"id"`
	} `json:"identity"`
	SessionID int64  `json:"session_id"`
	Method    string `json:"method"`
}

type capacity struct {
	Capacity struct {
		Taken     int `json:"taken"`
		Remaining int `json:"remaining"`
	} `json:"capacity"`
}

func main() {
	var (
		addr     = flag.String("addr", envOr("MEAL_SMOKE_ADDR", "http://localhost:8080"), "Base URL of a meal-pass API seeded with demo data")
		employee = flag.String("employee", "EMP001", "Employee code that redeems")
		officer  = flag.String("officer", "OFF001", "Officer code that scans")
		password = flag.String("password", envOr("MEAL_SMOKE_PASSWORD", "meal-pass-demo"), "Password shared by both accounts")
	)
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	base := strings.TrimRight(*addr, "/")
	emp := &client{base: base, http: &http.Client{Timeout: 5 * time.Second}}
	off := &client{base: base, http: emp.http}

	if err := emp.login(ctx, *employee, *password); err != nil {
		log.Fatalf("employee login: %v", err)
	}
	if err := off.login(ctx, *officer, *password); err != nil {
		log.Fatalf("officer login: %v", err)
	}

	var before capacity
	if status, err := off.do(ctx, http.MethodGet, "/v1/sessions/active", nil, &before); err != nil || status != http.StatusOK {
		log.Fatalf("active session: status=%d err=%v", status, err)
	}

	var cred struct {
		Token string `json:"token"`
	}
	if status, err := emp.do(ctx, http.MethodPost, "/v1/credentials", nil, &cred); err != nil || status != http.StatusCreated {
		log.Fatalf("issue credential: status=%d err=%v", status, err)
	}

	var scan scanResult
	if status, err := off.do(ctx, http.MethodPost, "/v1/scans", map[string]string{"input": cred.Token}, &scan); err != nil || status != http.StatusOK {
		log.Fatalf("scan: status=%d err=%v", status, err)
	}
	if scan.Status == "rejected" {
		if scan.Kind == "already_redeemed" {
			fmt.Printf("smoke test skipped: %s already redeemed in this session\n", *employee)
			return
		}
		log.Fatalf("scan rejected: %s", scan.Kind)
	}
	if scan.Identity == nil {
		log.Fatalf("scan resolved no identity: %+v", scan)
	}

	confirm := map[string]any{
		"session_id":  scan.SessionID,
		"identity_id": scan.Identity.ID,
		"method":      scan.Method,
	}
	var rec struct {
		ID int64 `json:"id"`
	}
	if status, err := off.do(ctx, http.MethodPost, "/v1/redemptions", confirm, &rec); err != nil || status != http.StatusCreated {
		log.Fatalf("confirm: status=%d err=%v", status, err)
	}

	var again scanResult
	if _, err := off.do(ctx, http.MethodPost, "/v1/scans", map[string]string{"input": cred.Token}, &again); err != nil {
		log.Fatalf("rescan: %v", err)
	}
	if again.Kind != "already_redeemed" {
		log.Fatalf("expected already_redeemed on rescan, got %q", again.Kind)
	}

	var after capacity
	if status, err := off.do(ctx, http.MethodGet, "/v1/sessions/active", nil, &after); err != nil || status != http.StatusOK {
		log.Fatalf("active session: status=%d err=%v", status, err)
	}
	if after.Capacity.Taken != before.Capacity.Taken+1 {
		log.Fatalf("capacity not updated: taken %d -> %d", before.Capacity.Taken, after.Capacity.Taken)
	}

	fmt.Printf("redemption smoke test passed: redemption=%d remaining=%d\n", rec.ID, after.Capacity.Remaining)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
