// internal/service/template_service.go
package service

import (
	"strings"
)

// RenderTemplate substitutes {{key}} placeholders in a template body.
// Placeholders without a value are left as-is.
func RenderTemplate(template string, data map[string]string) string {
	result := template
	for k, v := range data {
		result = strings.ReplaceAll(result, "{{"+k+"}}", v)
	}
	return result
}
