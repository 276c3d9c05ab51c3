package repository

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/lib/pq"

	"github.com/unclebandit/campaign-dispatch/internal/model"
)

// ContactRepository reads the contact store owned by the phonebook service.
type ContactRepository struct {
	DB *sql.DB
}

const contactColumns = `c.id, c.tenant_id, c.phone, c.name, c.first_name, c.last_name, c.email, c.tags, c.attributes, c.blocked, c.opted_out`

func scanContact(row rowScanner) (model.Contact, error) {
	var c model.Contact
	var attrs []byte
	err := row.Scan(&c.ID, &c.TenantID, &c.Phone, &c.Name, &c.FirstName, &c.LastName, &c.Email,
		pq.Array(&c.Tags), &attrs, &c.Blocked, &c.OptedOut)
	if err != nil {
		return c, err
	}
	if c.Attributes, err = decodeAttributes(attrs); err != nil {
		return c, fmt.Errorf("contact %d attributes: %w", c.ID, err)
	}
	return c, nil
}

// decodeAttributes flattens a JSON object of mixed values into strings.
// Numbers keep their literal form; null values are dropped; nested values
// are kept as their JSON text.
func decodeAttributes(raw []byte) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var values map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&values); err != nil {
		return nil, err
	}
	if values == nil {
		return nil, nil
	}

	out := make(map[string]string, len(values))
	for k, v := range values {
		switch v := v.(type) {
		case nil:
		case string:
			out[k] = v
		case json.Number:
			out[k] = v.String()
		case bool:
			out[k] = strconv.FormatBool(v)
		default:
			b, err := json.Marshal(v)
			if err != nil {
				return nil, err
			}
			out[k] = string(b)
		}
	}
	return out, nil
}

// GetByID fetches a contact by ID
func (r *ContactRepository) GetByID(ctx context.Context, id int) (*model.Contact, error) {
	c, err := scanContact(r.DB.QueryRowContext(ctx, `SELECT `+contactColumns+` FROM contacts c WHERE c.id=$1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // not found
		}
		return nil, err
	}
	return &c, nil
}

// ListByTags returns contacts carrying any of tags.
func (r *ContactRepository) ListByTags(ctx context.Context, tenantID int, tags []string) ([]model.Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM contacts c WHERE c.tenant_id=$1 AND c.tags && $2 ORDER BY c.id`
	return r.list(ctx, query, tenantID, pq.Array(tags))
}

func (r *ContactRepository) ListByListID(ctx context.Context, tenantID, listID int) ([]model.Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM contacts c
        JOIN contact_list_members m ON m.contact_id = c.id
        WHERE c.tenant_id=$1 AND m.list_id=$2 ORDER BY c.id`
	return r.list(ctx, query, tenantID, listID)
}

func (r *ContactRepository) list(ctx context.Context, query string, args ...any) ([]model.Contact, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	contacts := []model.Contact{}
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

var _ ContactRepositoryInterface = (*ContactRepository)(nil)
