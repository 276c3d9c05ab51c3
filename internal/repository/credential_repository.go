package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/unclebandit/campaign-dispatch/internal/model"
)

type CredentialRepository struct {
	DB *sql.DB
}

func (r *CredentialRepository) GetActive(ctx context.Context, tenantID int) (*model.Credential, error) {
	query := `
        SELECT tenant_id, phone_number_id, access_token, active
        FROM provider_credentials
        WHERE tenant_id=$1 AND active
    `
	var c model.Credential
	err := r.DB.QueryRowContext(ctx, query, tenantID).Scan(&c.TenantID, &c.PhoneNumberID, &c.AccessToken, &c.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

var _ CredentialRepositoryInterface = (*CredentialRepository)(nil)
