// internal/model/contact.go
package model

import "strconv"

type Contact struct {
	ID         int               `db:"id" json:"id"`
	TenantID   int               `db:"tenant_id" json:"tenant_id"`
	Phone      string            `db:"phone" json:"phone"`
	Name       string            `db:"name" json:"name"`
	FirstName  string            `db:"first_name" json:"first_name"`
	LastName   string            `db:"last_name" json:"last_name"`
	Email      string            `db:"email" json:"email"`
	Tags       []string          `db:"tags" json:"tags"`
	Attributes map[string]string `db:"attributes" json:"attributes,omitempty"`
	Blocked    bool              `db:"blocked" json:"blocked"`
	OptedOut   bool              `db:"opted_out" json:"opted_out"`
}

// Key is the ledger identity of a stored contact.
func (c Contact) Key() string {
	return "contact:" + strconv.Itoa(c.ID)
}

// ResolvedContact is one Audience Resolver output tuple.
type ResolvedContact struct {
	Key    string            `json:"contact_key"`
	Phone  string            `json:"phone"`
	Name   string            `json:"name"`
	Email  string            `json:"email,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}
