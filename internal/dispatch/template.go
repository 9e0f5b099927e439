package dispatch

import (
	"fmt"
	"strconv"
	"strings"
)

// Placeholder names available to message templates.
const (
	PhAssociateName = "nome_associado"
	PhProtocol      = "protocolo"
	PhPlate         = "placa"
	PhStatus        = "situacao"
	PhReason        = "motivo"
	PhEventDate     = "data_evento"
)

// DefaultTemplateKey names the configured catch-all template.
const DefaultTemplateKey = "default"

// DefaultTemplate is used for active statuses without a configured template.
const DefaultTemplate = "Olá {nome_associado}!\n\n*{situacao}*\n\nProtocolo: {protocolo}\nVeículo: {placa}\nData: {data_evento}"

// FormatError reports a template that cannot be rendered.
type FormatError struct {
	Pos         int
	Placeholder string
	Reason      string
}

func (e *FormatError) Error() string {
	if e.Placeholder != "" {
		return fmt.Sprintf("template: %s {%s} at offset %d", e.Reason, e.Placeholder, e.Pos)
	}
	return fmt.Sprintf("template: %s at offset %d", e.Reason, e.Pos)
}

// SelectTemplate returns the template configured for code. Without one it
// falls back to the "default" entry, then to DefaultTemplate.
func SelectTemplate(templates map[string]string, code int) (tpl string, fallback bool) {
	if t, ok := templates[strconv.Itoa(code)]; ok && strings.TrimSpace(t) != "" {
		return t, false
	}
	if t, ok := templates[DefaultTemplateKey]; ok && strings.TrimSpace(t) != "" {
		return t, true
	}
	return DefaultTemplate, true
}

// Render substitutes {name} placeholders from vars. "{{" and "}}" produce
// literal braces. Unknown placeholders and unbalanced braces are FormatErrors.
func Render(tpl string, vars map[string]string) (string, error) {
	var b strings.Builder
	b.Grow(len(tpl) + 64)

	for i := 0; i < len(tpl); {
		c := tpl[i]
		switch c {
		case '{':
			if i+1 < len(tpl) && tpl[i+1] == '{' {
				b.WriteByte('{')
				i += 2
				continue
			}
			end := strings.IndexByte(tpl[i+1:], '}')
			if end < 0 {
				return "", &FormatError{Pos: i, Reason: "unclosed brace"}
			}
			name := tpl[i+1 : i+1+end]
			v, ok := vars[name]
			if !ok {
				return "", &FormatError{Pos: i, Placeholder: name, Reason: "undefined placeholder"}
			}
			b.WriteString(v)
			i += end + 2
		case '}':
			if i+1 < len(tpl) && tpl[i+1] == '}' {
				b.WriteByte('}')
				i += 2
				continue
			}
			return "", &FormatError{Pos: i, Reason: "single closing brace"}
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String(), nil
}

// CheckTemplate renders tpl with every known placeholder empty and returns
// the first FormatError, if any.
func CheckTemplate(tpl string) error {
	_, err := Render(tpl, map[string]string{
		PhAssociateName: "",
		PhProtocol:      "",
		PhPlate:         "",
		PhStatus:        "",
		PhReason:        "",
		PhEventDate:     "",
	})
	return err
}
