package redemption

import (
	"time"
)

// Role is the access level carried by an identity.
type Role string

const (
	RoleEmployee Role = "employee"
	RoleOfficer  Role = "officer"
	RoleAdmin    Role = "admin"
)

// Identity is a person who may redeem a meal. Identities are deactivated,
// never deleted.
type Identity struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	EmployeeCode string `json:"employee_code"`
	PickupCode   string `json:"-"`
	Department   string `json:"department,omitempty"`
	Phone        string `json:"phone,omitempty"`
	Role         Role   `json:"role"`
	Active       bool   `json:"active"`
	PasswordHash string `json:"-"`
}

// Window is a named serving slot, e.g. lunch 11:30-13:00.
type Window struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Location  string `json:"location,omitempty"`
}

// Session is one serving of a window on a given date.
type Session struct {
	ID          int64     `json:"id"`
	Date        time.Time `json:"date"`
	WindowID    int64     `json:"window_id"`
	PreparedQty int       `json:"prepared_qty"`
	IsActive    bool      `json:"is_active"`
	Notes       string    `json:"notes,omitempty"`
	Window      Window    `json:"window"`
}

// Method records how a redemption was captured at the station.
type Method string

const (
	MethodManual Method = "manual"
	MethodQR     Method = "qr"
	MethodCamera Method = "camera"
)

// Valid reports whether m is a known capture method.
func (m Method) Valid() bool {
	switch m {
	case MethodManual, MethodQR, MethodCamera:
		return true
	}
	return false
}

// Record is a persisted redemption. At most one live record exists per
// (SessionID, IdentityID).
type Record struct {
	ID               int64      `json:"id"`
	SessionID        int64      `json:"session_id"`
	IdentityID       int64      `json:"identity_id"`
	OfficerID        int64      `json:"officer_id"`
	PickedAt         time.Time  `json:"picked_at"`
	Method           Method     `json:"method"`
	Overridden       bool       `json:"overridden"`
	OverrideReason   string     `json:"override_reason,omitempty"`
	CorrectionReason string     `json:"correction_reason,omitempty"`
	DeletedAt        *time.Time `json:"deleted_at,omitempty"`
}

// Entry is the input to Ledger.Record.
type Entry struct {
	SessionID      int64
	IdentityID     int64
	OfficerID      int64
	Method         Method
	Overridden     bool
	OverrideReason string
	PickedAt       time.Time
}

// Correction describes an administrative edit of a record. Zero values keep
// the existing field.
type Correction struct {
	SessionID  int64
	IdentityID int64
	Method     Method
	Reason     string
}

// Capacity summarises consumption of a session.
type Capacity struct {
	Prepared  int     `json:"prepared"`
	Taken     int     `json:"taken"`
	Remaining int     `json:"remaining"`
	Overrides int     `json:"overrides"`
	Progress  float64 `json:"progress"`
}

// IdentitySummary is the subset of an identity shown to the officer before
// confirmation.
type IdentitySummary struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	EmployeeCode string `json:"employee_code"`
	Department   string `json:"department,omitempty"`
}

// Summary returns the fields safe to show at a station.
func (id Identity) Summary() IdentitySummary {
	return IdentitySummary{
		ID:           id.ID,
		Name:         id.Name,
		EmployeeCode: id.EmployeeCode,
		Department:   id.Department,
	}
}
