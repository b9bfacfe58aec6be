package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SeedDevice is one entry in the device seed file: a device the
// collector adds at startup if it is not already stored.
type SeedDevice struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
	Port    uint16 `yaml:"port"`
}

type seedFile struct {
	Devices []SeedDevice `yaml:"devices"`
}

// LoadSeeds reads a YAML device seed file:
//
//	devices:
//	  - name: web1
//	    address: 10.0.0.11
//	    port: 3357
func LoadSeeds(path string) ([]SeedDevice, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file %s: %w", path, err)
	}

	var f seedFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to parse seed file %s: %w", path, err)
	}

	for i, d := range f.Devices {
		if d.Name == "" {
			return nil, fmt.Errorf("seed device %d: name must not be empty", i)
		}
		if d.Address == "" {
			return nil, fmt.Errorf("seed device %d (%s): address must not be empty", i, d.Name)
		}
		if d.Port == 0 {
			return nil, fmt.Errorf("seed device %d (%s): port must not be zero", i, d.Name)
		}
	}
	return f.Devices, nil
}
