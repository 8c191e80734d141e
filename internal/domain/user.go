// Package domain contains entity without logic, just meta-data
package domain

type UserID string

// User is the account record as the collaborator API returns it.
type User struct {
	ID       UserID `json:"id"`
	Username string `json:"username"`
}
