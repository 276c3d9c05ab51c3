package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

type AudienceType string

const (
	AudienceStatic AudienceType = "static"
	AudienceTag    AudienceType = "tag"
	AudienceList   AudienceType = "list"
)

// Audience declares who a campaign is sent to. Exactly one of Rows, Tags or
// ListID is used, selected by Type.
type Audience struct {
	Type   AudienceType  `json:"type"`
	Rows   []ImportedRow `json:"rows,omitempty"`
	Tags   []string      `json:"tags,omitempty"`
	ListID int           `json:"list_id,omitempty"`
}

type ImportedRow struct {
	Phone      string            `json:"phone"`
	Name       string            `json:"name,omitempty"`
	Email      string            `json:"email,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// BindingSource selects where a placeholder value comes from.
type BindingSource string

const (
	BindingStatic BindingSource = "static"
	BindingField  BindingSource = "field"
)

type Binding struct {
	Source   BindingSource `json:"source"`
	Value    string        `json:"value,omitempty"`
	Field    string        `json:"field,omitempty"`
	Fallback string        `json:"fallback,omitempty"`
}

// VariableBindings maps template placeholder keys ("1", "2", ...) to bindings.
type VariableBindings struct {
	Header map[string]Binding `json:"header,omitempty"`
	Body   map[string]Binding `json:"body,omitempty"`
}

// Value and Scan let the JSON documents live in jsonb columns.

func (a Audience) Value() (driver.Value, error) { return jsonValue(a) }
func (a *Audience) Scan(src any) error { return scanJSON(src, a) }
func (b VariableBindings) Value() (driver.Value, error) { return jsonValue(b) }
func (b *VariableBindings) Scan(src any) error { return scanJSON(src, b) }
func (p Pacing) Value() (driver.Value, error) { return jsonValue(p) }
func (p *Pacing) Scan(src any) error { return scanJSON(src, p) }
func (v ResolvedVariables) Value() (driver.Value, error) { return jsonValue(v) }
func (v *ResolvedVariables) Scan(src any) error { return scanJSON(src, v) }

func jsonValue(v any) (driver.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func scanJSON(src any, dst any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dst)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dst)
	}
	return fmt.Errorf("unsupported jsonb source %T", src)
}
