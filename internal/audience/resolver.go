// Package audience turns a campaign's audience declaration into a concrete,
// deduplicated recipient set.
package audience

import (
	"context"
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"
	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
	"github.com/unclebandit/campaign-dispatch/internal/model"
)

// ContactStore is the slice of the contact store the resolver reads.
type ContactStore interface {
	ListByTags(ctx context.Context, tenantID int, tags []string) ([]model.Contact, error)
	ListByListID(ctx context.Context, tenantID, listID int) ([]model.Contact, error)
}

type Resolver struct {
	Contacts      ContactStore
	DefaultRegion string
	Logger        zerolog.Logger
}

func NewResolver(contacts ContactStore, defaultRegion string, logger zerolog.Logger) *Resolver {
	if defaultRegion == "" {
		defaultRegion = "KE"
	}
	return &Resolver{
		Contacts:      contacts,
		DefaultRegion: strings.ToUpper(defaultRegion),
		Logger:        logger.With().Str("component", "audience").Logger(),
	}
}

// Resolve returns one entry per distinct canonical phone number. Rows with
// numbers that cannot be normalized are skipped. It fails with
// ErrEmptyAudience when nothing is left.
func (r *Resolver) Resolve(ctx context.Context, tenantID int, aud model.Audience) ([]model.ResolvedContact, error) {
	var candidates []model.ResolvedContact

	switch aud.Type {
	case model.AudienceStatic:
		for _, row := range aud.Rows {
			candidates = append(candidates, model.ResolvedContact{
				Phone:  row.Phone,
				Name:   row.Name,
				Email:  row.Email,
				Fields: row.Attributes,
			})
		}

	case model.AudienceTag:
		if len(aud.Tags) == 0 {
			return nil, fmt.Errorf("%w: tag audience without tags", appErrors.ErrInvalidAudience)
		}
		contacts, err := r.Contacts.ListByTags(ctx, tenantID, aud.Tags)
		if err != nil {
			return nil, fmt.Errorf("list contacts by tags: %w", err)
		}
		for _, c := range contacts {
			if c.Blocked || c.OptedOut {
				continue
			}
			candidates = append(candidates, FromContact(c))
		}

	case model.AudienceList:
		if aud.ListID <= 0 {
			return nil, fmt.Errorf("%w: list audience without list id", appErrors.ErrInvalidAudience)
		}
		contacts, err := r.Contacts.ListByListID(ctx, tenantID, aud.ListID)
		if err != nil {
			return nil, fmt.Errorf("list contacts by list: %w", err)
		}
		for _, c := range contacts {
			candidates = append(candidates, FromContact(c))
		}

	default:
		return nil, fmt.Errorf("%w: unknown type %q", appErrors.ErrInvalidAudience, aud.Type)
	}

	seen := make(map[string]struct{}, len(candidates))
	out := make([]model.ResolvedContact, 0, len(candidates))
	skipped := 0
	for _, c := range candidates {
		phone, ok := NormalizePhone(c.Phone, r.DefaultRegion)
		if !ok {
			skipped++
			continue
		}
		if _, dup := seen[phone]; dup {
			continue
		}
		seen[phone] = struct{}{}
		c.Phone = phone
		if c.Key == "" {
			c.Key = "import:" + phone
		}
		out = append(out, c)
	}

	if skipped > 0 {
		r.Logger.Warn().Int("skipped", skipped).Str("audience", string(aud.Type)).Msg("invalid phone numbers skipped")
	}
	if len(out) == 0 {
		return nil, appErrors.ErrEmptyAudience
	}
	return out, nil
}

// FromContact maps a stored contact to a resolver output tuple.
func FromContact(c model.Contact) model.ResolvedContact {
	fields := make(map[string]string, len(c.Attributes)+2)
	for k, v := range c.Attributes {
		fields[k] = v
	}
	if c.FirstName != "" {
		fields["first_name"] = c.FirstName
	}
	if c.LastName != "" {
		fields["last_name"] = c.LastName
	}
	name := c.Name
	if name == "" {
		name = strings.TrimSpace(c.FirstName + " " + c.LastName)
	}
	return model.ResolvedContact{
		Key:    c.Key(),
		Phone:  c.Phone,
		Name:   name,
		Email:  c.Email,
		Fields: fields,
	}
}

// NormalizePhone returns the E.164 digits of raw without the leading plus.
func NormalizePhone(raw, region string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	num, err := phonenumbers.Parse(raw, region)
	if err != nil || !phonenumbers.IsValidNumber(num) {
		// International numbers are often stored without the plus sign.
		if strings.HasPrefix(raw, "+") {
			return "", false
		}
		num, err = phonenumbers.Parse("+"+raw, "")
		if err != nil || !phonenumbers.IsValidNumber(num) {
			return "", false
		}
	}
	return strings.TrimPrefix(phonenumbers.Format(num, phonenumbers.E164), "+"), true
}
