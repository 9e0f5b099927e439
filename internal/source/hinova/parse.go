package hinova

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/michel210888/hinova-uppchannel-monitor/internal/event"
)

// ParseError reports a list element that could not become an Event.
type ParseError struct {
	Index    int
	EntityID string
	Reason   string
}

func (e *ParseError) Error() string {
	if e.EntityID != "" {
		return fmt.Sprintf("event #%d (%s): %s", e.Index, e.EntityID, e.Reason)
	}
	return fmt.Sprintf("event #%d: %s", e.Index, e.Reason)
}

// decodeEventList accepts a bare JSON list or an object wrapping it in
// "eventos" or "data".
func decodeEventList(body []byte) ([]json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}
	switch body[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, fmt.Errorf("decode event list: %w", err)
		}
		return items, nil
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(body, &obj); err != nil {
			return nil, fmt.Errorf("decode event list: %w", err)
		}
		for _, k := range []string{"eventos", "data"} {
			raw, ok := obj[k]
			if !ok || string(bytes.TrimSpace(raw)) == "null" {
				continue
			}
			var items []json.RawMessage
			if err := json.Unmarshal(raw, &items); err != nil {
				return nil, fmt.Errorf("decode %q: %w", k, err)
			}
			return items, nil
		}
		// An object without a list means no events in the window.
		return nil, nil
	default:
		return nil, errors.New("unexpected event list payload")
	}
}

// ParseEvents converts raw list elements, keeping source order.
func ParseEvents(items []json.RawMessage) event.Batch {
	var b event.Batch
	for i, raw := range items {
		ev, err := parseEvent(i, raw)
		if err != nil {
			b.Rejected = append(b.Rejected, err)
			continue
		}
		b.Events = append(b.Events, ev)
	}
	return b
}

func parseEvent(idx int, raw json.RawMessage) (event.Event, error) {
	m, err := decodeObject(raw)
	if err != nil {
		return event.Event{}, &ParseError{Index: idx, Reason: err.Error()}
	}

	ev := event.Event{EntityID: asString(m["protocolo"])}
	if ev.EntityID == "" {
		return event.Event{}, &ParseError{Index: idx, Reason: "missing protocolo"}
	}

	sit := asObject(m["situacao"])
	code, ok := firstInt(sit["codigo"], m["situacao_codigo"], m["codigo_situacao"])
	if !ok {
		return event.Event{}, &ParseError{Index: idx, EntityID: ev.EntityID, Reason: "missing or invalid status code"}
	}
	ev.StatusCode = code
	ev.StatusName = firstString(sit["nome"], sit["descricao"], m["situacao_nome"], m["nome_situacao"])
	if ev.StatusName == "" {
		// Some payloads carry the status as a plain string.
		ev.StatusName = asString(m["situacao"])
	}

	if mot := asObject(m["motivo"]); mot != nil {
		ev.Reason = firstString(mot["nome"], mot["descricao"])
	} else {
		ev.Reason = firstString(m["motivo"], m["motivo_nome"])
	}
	ev.OccurredAt = firstString(m["data_evento"], m["data_cadastro"])
	ev.VehicleRef = firstString(asObject(m["veiculo"])["codigo"], m["codigo_veiculo"])
	return ev, nil
}

// ParseVehicle converts a vehicle lookup response.
func ParseVehicle(body []byte) (*event.Vehicle, error) {
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, fmt.Errorf("%w: decode vehicle: %w", ErrFetch, err)
		}
		if len(items) == 0 {
			return nil, fmt.Errorf("%w: empty vehicle list", ErrNotFound)
		}
		body = items[0]
	}
	m, err := decodeObject(body)
	if err != nil {
		return nil, fmt.Errorf("%w: decode vehicle: %w", ErrFetch, err)
	}

	v := &event.Vehicle{
		Ref:   firstString(m["codigo_veiculo"], m["codigo"]),
		Plate: asString(m["placa"]),
	}
	if a := asObject(m["associado"]); a != nil {
		v.Associate = event.Associate{
			Name:     asString(a["nome"]),
			Mobile:   asString(a["celular"]),
			Landline: asString(a["telefone"]),
		}
	} else {
		v.Associate = event.Associate{
			Name:     firstString(m["nome_associado"], m["nome"]),
			Mobile:   asString(m["celular"]),
			Landline: asString(m["telefone"]),
		}
	}
	return v, nil
}

func decodeObject(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errors.New("not an object")
	}
	return m, nil
}

func asObject(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return int(n), true
		}
		if f, err := t.Float64(); err == nil && f == float64(int(f)) {
			return int(f), true
		}
	case float64:
		if t == float64(int(t)) {
			return int(t), true
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			return n, true
		}
	}
	return 0, false
}

func firstInt(vs ...any) (int, bool) {
	for _, v := range vs {
		if n, ok := asInt(v); ok {
			return n, true
		}
	}
	return 0, false
}

func firstString(vs ...any) string {
	for _, v := range vs {
		if s := asString(v); s != "" {
			return s
		}
	}
	return ""
}
