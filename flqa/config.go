package flqa

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// InputsConfig accepts either the preferred mapping form:
//
//	files:
//	  FLA:  /data/inbox/fla/*.csv
//	  FLQA: /data/inbox/flqa/*.csv
//
// or a list form:
//
//	files:
//	  - glob: /data/inbox/fla/*.csv
//	    type: FLA
type InputsConfig struct {
	Items []InputSpec
}

func (f *InputsConfig) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	switch value.Kind {
	case yaml.MappingNode:
		items := make([]InputSpec, 0, len(value.Content)/2)
		for i := 0; i+1 < len(value.Content); i += 2 {
			k := value.Content[i]
			v := value.Content[i+1]
			t, err := ParseFileType(k.Value)
			if err != nil {
				return err
			}
			glob := strings.TrimSpace(v.Value)
			if glob == "" {
				continue
			}
			items = append(items, InputSpec{Glob: glob, Type: t})
		}
		f.Items = items
		return nil
	case yaml.SequenceNode:
		var raw []struct {
			Glob string `yaml:"glob"`
			Type string `yaml:"type"`
		}
		if err := value.Decode(&raw); err != nil {
			return err
		}
		items := make([]InputSpec, 0, len(raw))
		for _, it := range raw {
			t, err := ParseFileType(it.Type)
			if err != nil {
				return err
			}
			if strings.TrimSpace(it.Glob) == "" {
				continue
			}
			items = append(items, InputSpec{Glob: strings.TrimSpace(it.Glob), Type: t})
		}
		f.Items = items
		return nil
	default:
		return fmt.Errorf("files: expected mapping or sequence")
	}
}

type FileConfig struct {
	DB         string `yaml:"db"`
	Listen     string `yaml:"listen"`
	ArchiveDir string `yaml:"archive_dir"`
	ErrorDir   string `yaml:"error_dir"`
	Job        string `yaml:"job"`
	Service    string `yaml:"service"`
	Debug      bool   `yaml:"debug"`
	SyslogAddr string `yaml:"syslog_addr"`

	Files InputsConfig `yaml:"files"`

	// Aliases extends the header alias table, keyed by canonical field
	// name (agent_id, email, full_name, market, gci_6m, tx_6m,
	// flqa_expires).
	Aliases map[string][]string `yaml:"aliases"`
}

func LoadConfig(path string) (*FileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
