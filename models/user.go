package models

// Role is the kind of account acting on the system.
type Role string

const (
	RoleCustomer   Role = "customer"
	RoleRestaurant Role = "restaurant"
	RoleAdmin      Role = "admin"
	RoleDriver     Role = "driver"
	// RoleSystem is used by background jobs such as the reconciliation sweep.
	RoleSystem Role = "system"
)

// User represents an account in the system.
// It maps to the `users` table in SQLite.
type User struct {
	ID          int64  `db:"id" json:"id"`
	Username    string `db:"username" json:"username"`
	DisplayName string `db:"display_name" json:"display_name"`
	Role        Role   `db:"role" json:"role"`
}

// Actor is the identity performing an operation. It is passed explicitly to
// every state-changing call.
type Actor struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	Role     Role   `json:"role"`
}

// SystemActor is the identity used by the reconciliation sweep.
var SystemActor = Actor{Username: "reconciler", Role: RoleSystem}

// Restaurant is a venue that prepares orders. Owner is the username of the
// restaurant account allowed to advance its orders.
type Restaurant struct {
	ID       int64      `db:"id" json:"-"`
	Ref      string     `db:"ref" json:"ref"`
	Name     string     `db:"name" json:"name"`
	Owner    string     `db:"owner" json:"owner"`
	Address  string     `db:"address" json:"address"`
	Location Coordinate `json:"location"`
}
