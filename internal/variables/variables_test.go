package variables_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/unclebandit/campaign-dispatch/internal/model"
	"github.com/unclebandit/campaign-dispatch/internal/variables"
)

func TestOrderedSortsNumerically(t *testing.T) {
	values := map[string]string{"10": "j", "2": "b", "1": "a", "9": "i"}
	assert.Equal(t, []string{"a", "b", "i", "j"}, variables.Ordered(values))
}

func TestOrderedNonNumericKeysLast(t *testing.T) {
	values := map[string]string{"b": "y", "2": "two", "a": "x", "1": "one"}
	assert.Equal(t, []string{"one", "two", "x", "y"}, variables.Ordered(values))
}

func TestResolve(t *testing.T) {
	bindings := model.VariableBindings{
		Header: map[string]model.Binding{
			"1": {Source: model.BindingStatic, Value: "Black Friday"},
		},
		Body: map[string]model.Binding{
			"1": {Source: model.BindingField, Field: "first_name"},
			"2": {Source: model.BindingField, Field: "location"},
			"3": {Source: model.BindingField, Field: "preferred_product", Fallback: "our products"},
			"4": {Source: model.BindingStatic, Value: "20%"},
		},
	}
	contact := model.ResolvedContact{
		Key:    "contact:1",
		Phone:  "254712345678",
		Name:   "Alice Smith",
		Fields: map[string]string{"location": "Nairobi"},
	}

	got := variables.Resolve(bindings, contact)

	assert.Equal(t, map[string]string{"1": "Black Friday"}, got.Header)
	assert.Equal(t, map[string]string{
		"1": "Alice",
		"2": "Nairobi",
		"3": "our products",
		"4": "20%",
	}, got.Body)
}

func TestResolveFallsBackToGenericDefault(t *testing.T) {
	bindings := model.VariableBindings{
		Body: map[string]model.Binding{
			"1": {Source: model.BindingField, Field: "name"},
			"2": {Source: model.BindingField, Field: "does_not_exist"},
			"3": {Source: model.BindingStatic},
		},
	}
	got := variables.Resolve(bindings, model.ResolvedContact{Phone: "254700000000"})

	for _, v := range got.Body {
		assert.Equal(t, variables.DefaultFallback, v)
	}
	assert.Nil(t, got.Header)
}

func TestFieldValue(t *testing.T) {
	c := model.ResolvedContact{
		Phone:  "254711111111",
		Name:   "Bob",
		Email:  "bob@example.com",
		Fields: map[string]string{"first_name": "Robert", "Tier": "gold"},
	}
	assert.Equal(t, "Robert", variables.FieldValue(c, "First_Name"))
	assert.Equal(t, "254711111111", variables.FieldValue(c, "phone"))
	assert.Equal(t, "bob@example.com", variables.FieldValue(c, "email"))
	assert.Equal(t, "gold", variables.FieldValue(c, "Tier"))
	assert.Equal(t, "", variables.FieldValue(c, "missing"))
}
