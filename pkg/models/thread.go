package models

import "time"

// DemoAccountID is the documented sentinel account value that bypasses the
// account-existence check when creating a thread.
const DemoAccountID = "demo"

// Thread is an append-only conversation log owned by a project/account.
type Thread struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	AccountID string    `json:"account_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
