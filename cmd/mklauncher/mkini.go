package main

import (
	"fmt"

	"github.com/google/uuid"
	"gopkg.in/ini.v1"
)

// machinekitConfig holds the settings read from the machinekit ini file.
type machinekitConfig struct {
	UUID string
	// Remote is false when only loopback connections should be accepted.
	Remote bool
}

func readMachinekitIni(path string) (machinekitConfig, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return machinekitConfig{}, fmt.Errorf("reading machinekit ini %q: %w", path, err)
	}
	sec := cfg.Section("MACHINEKIT")

	mk := machinekitConfig{UUID: sec.Key("MKUUID").String()}
	if mk.UUID == "" {
		mk.UUID = uuid.NewString()
	} else if _, err := uuid.Parse(mk.UUID); err != nil {
		return machinekitConfig{}, fmt.Errorf("%s: MKUUID: %w", path, err)
	}

	remote, err := sec.Key("REMOTE").Int()
	if err != nil && sec.HasKey("REMOTE") {
		return machinekitConfig{}, fmt.Errorf("%s: REMOTE: %w", path, err)
	}
	mk.Remote = !sec.HasKey("REMOTE") || remote != 0
	return mk, nil
}
