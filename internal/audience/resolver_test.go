package audience_test

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/campaign-dispatch/internal/audience"
	appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
	"github.com/unclebandit/campaign-dispatch/internal/model"
)

type MockContactStore struct {
	byTag  []model.Contact
	byList []model.Contact
	err    error
}

func (m *MockContactStore) ListByTags(ctx context.Context, tenantID int, tags []string) ([]model.Contact, error) {
	return m.byTag, m.err
}

func (m *MockContactStore) ListByListID(ctx context.Context, tenantID, listID int) ([]model.Contact, error) {
	return m.byList, m.err
}

func newResolver(store audience.ContactStore) *audience.Resolver {
	return audience.NewResolver(store, "KE", zerolog.Nop())
}

func TestNormalizePhone(t *testing.T) {
	cases := map[string]string{
		"0712345678":       "254712345678",
		"+254 712 345 678": "254712345678",
		"254712345678":     "254712345678",
		"+14155552671":     "14155552671",
	}
	for in, want := range cases {
		got, ok := audience.NormalizePhone(in, "KE")
		require.Truef(t, ok, "expected %q to normalize", in)
		assert.Equal(t, want, got)
	}

	for _, bad := range []string{"", "abc", "12", "+999123"} {
		_, ok := audience.NormalizePhone(bad, "KE")
		assert.Falsef(t, ok, "expected %q to be rejected", bad)
	}
}

func TestResolveStaticRowsDeduplicates(t *testing.T) {
	r := newResolver(&MockContactStore{})
	got, err := r.Resolve(context.Background(), 1, model.Audience{
		Type: model.AudienceStatic,
		Rows: []model.ImportedRow{
			{Phone: "0712345678", Name: "Alice"},
			{Phone: "+254712345678", Name: "Alice again"},
			{Phone: "not a phone", Name: "Broken"},
			{Phone: "0722000111", Name: "Bob", Email: "bob@example.com"},
		},
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "import:254712345678", got[0].Key)
	assert.Equal(t, "Alice", got[0].Name)
	assert.Equal(t, "254722000111", got[1].Phone)
	assert.Equal(t, "bob@example.com", got[1].Email)
}

func TestResolveTagExcludesBlockedAndOptedOut(t *testing.T) {
	store := &MockContactStore{byTag: []model.Contact{
		{ID: 1, Phone: "0712345678", FirstName: "Alice", LastName: "Smith"},
		{ID: 2, Phone: "0722000111", Name: "Blocked", Blocked: true},
		{ID: 3, Phone: "0733000222", Name: "Gone", OptedOut: true},
	}}
	got, err := newResolver(store).Resolve(context.Background(), 1, model.Audience{
		Type: model.AudienceTag,
		Tags: []string{"vip"},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "contact:1", got[0].Key)
	assert.Equal(t, "Alice Smith", got[0].Name)
	assert.Equal(t, "Alice", got[0].Fields["first_name"])
}

func TestResolveListKeepsContacts(t *testing.T) {
	store := &MockContactStore{byList: []model.Contact{
		{ID: 7, Phone: "0712345678", Name: "Carol"},
	}}
	got, err := newResolver(store).Resolve(context.Background(), 1, model.Audience{
		Type:   model.AudienceList,
		ListID: 3,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "contact:7", got[0].Key)
}

func TestResolveEmptyAudience(t *testing.T) {
	store := &MockContactStore{byTag: []model.Contact{{ID: 1, Phone: "0712345678", Blocked: true}}}
	_, err := newResolver(store).Resolve(context.Background(), 1, model.Audience{
		Type: model.AudienceTag,
		Tags: []string{"vip"},
	})
	assert.ErrorIs(t, err, appErrors.ErrEmptyAudience)

	_, err = newResolver(store).Resolve(context.Background(), 1, model.Audience{Type: model.AudienceStatic})
	assert.ErrorIs(t, err, appErrors.ErrEmptyAudience)
}

func TestResolveInvalidDeclaration(t *testing.T) {
	r := newResolver(&MockContactStore{})
	_, err := r.Resolve(context.Background(), 1, model.Audience{Type: model.AudienceTag})
	assert.ErrorIs(t, err, appErrors.ErrInvalidAudience)

	_, err = r.Resolve(context.Background(), 1, model.Audience{Type: "segment"})
	assert.ErrorIs(t, err, appErrors.ErrInvalidAudience)
	assert.True(t, appErrors.IsConfiguration(err))
}

func TestResolveStoreError(t *testing.T) {
	store := &MockContactStore{err: errors.New("db down")}
	_, err := newResolver(store).Resolve(context.Background(), 1, model.Audience{
		Type: model.AudienceTag,
		Tags: []string{"vip"},
	})
	require.Error(t, err)
	assert.False(t, appErrors.IsConfiguration(err))
}
