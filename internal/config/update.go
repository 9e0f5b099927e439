package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"

	logx "github.com/michel210888/hinova-uppchannel-monitor/pkg/logx"
)

const redactedValue = "***"

// Redacted returns a copy safe to show to operators: credentials, tokens and
// the database DSN are masked when set.
func (c *Config) Redacted() *Config {
	cp := *c
	mask := func(s *string) {
		if strings.TrimSpace(*s) != "" {
			*s = redactedValue
		}
	}
	mask(&cp.Hinova.Token)
	mask(&cp.Hinova.Password)
	mask(&cp.UppChannel.APIKey)
	mask(&cp.Storage.DSN)
	mask(&cp.HTTP.Pprof.Token)
	mask(&cp.HTTP.AdminToken)
	mask(&cp.Telegram.Token)
	return &cp
}

// UpdateMonitor replaces the monitor section, validates the result like a
// reload would, writes it back to the config file and publishes it.
//
// Other sections of the file are left as they were; YAML comments outside the
// monitor section survive. Environment overrides still apply on top. Without
// a config file the change lives in memory until the process exits.
func (m *Manager) UpdateMonitor(ctx context.Context, mc MonitorConfig) (*Config, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	var (
		data []byte
		err  error
	)
	if m.path != "" {
		data, err = os.ReadFile(m.path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		if data, err = replaceMonitorSection(m.path, data, mc); err != nil {
			return nil, err
		}
	}

	var cfg *Config
	if m.path != "" {
		cfg, err = m.parseBytes(data)
		if err != nil {
			return nil, err
		}
	} else {
		cur := m.Get()
		if cur == nil {
			return nil, errors.New("config not loaded")
		}
		cp := *cur
		cp.Monitor = mc
		cp.ApplyDefaults()
		cfg = &cp
	}
	if err := m.check(ctx, cfg); err != nil {
		return nil, err
	}

	if m.path != "" {
		if err := writeAtomic(m.path, data); err != nil {
			return nil, err
		}
	}
	old := m.Get()
	m.commit(cfg)
	changed, fields := SummarizeChange(old, cfg)
	m.log.Info("config updated", append(fields,
		logx.String("changed", strings.Join(changed, ",")),
		logx.Bool("persisted", m.path != ""),
	)...)
	m.publish(cfg)
	return cfg, nil
}

// check runs Validate and the installed validator.
func (m *Manager) check(ctx context.Context, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if m.validator == nil {
		return nil
	}
	vctx, cancel := context.WithTimeout(ctx, validateTimeoutMax)
	defer cancel()
	return m.validator(vctx, cfg)
}

// replaceMonitorSection rewrites the "monitor" key of a config document.
func replaceMonitorSection(path string, data []byte, mc MonitorConfig) ([]byte, error) {
	generic, err := toGeneric(mc)
	if err != nil {
		return nil, err
	}

	if strings.EqualFold(filepath.Ext(path), ".json") {
		doc := map[string]json.RawMessage{}
		if len(bytes.TrimSpace(data)) > 0 {
			if err := json.Unmarshal(data, &doc); err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
		}
		raw, err := json.Marshal(generic)
		if err != nil {
			return nil, err
		}
		doc["monitor"] = raw
		out, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(out, '\n'), nil
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%s: yaml unmarshal: %w", path, err)
	}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		doc = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}}
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%s: top level is not a mapping", path)
	}
	var val yaml.Node
	if err := val.Encode(generic); err != nil {
		return nil, err
	}
	replaced := false
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value == "monitor" {
			// Keep the comments attached to the old section.
			val.HeadComment = root.Content[i+1].HeadComment
			root.Content[i+1] = &val
			replaced = true
			break
		}
	}
	if !replaced {
		root.Content = append(root.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: "monitor"}, &val)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// toGeneric converts v to maps and slices through its JSON form, keeping
// integers as integers.
func toGeneric(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return numbers(out), nil
}

func numbers(in any) any {
	switch x := in.(type) {
	case map[string]any:
		for k, v := range x {
			x[k] = numbers(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = numbers(x[i])
		}
		return x
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		f, _ := x.Float64()
		return f
	default:
		return in
	}
}

func writeAtomic(path string, data []byte) error {
	mode := os.FileMode(0o600)
	if fi, err := os.Stat(path); err == nil {
		mode = fi.Mode().Perm()
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
