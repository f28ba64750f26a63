package launcher

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/guseggert/mklauncher/internal/files"
	"gopkg.in/ini.v1"
)

// ConfigFileName is the file searched for in every launcher directory.
const ConfigFileName = "launcher.ini"

var defaults = map[string]string{
	"name":         "Launcher",
	"command":      "",
	"description":  "",
	"image":        "",
	"shell":        "false",
	"workdir":      ".",
	"type":         "",
	"manufacturer": "",
	"model":        "",
	"variant":      "",
	"priority":     "0",
}

// LoadDirs scans every directory recursively for launcher.ini files and returns one
// definition per section, in load order. Indices are not assigned; pass the result to
// NewCatalog.
func LoadDirs(dirs []string) ([]Definition, error) {
	var defs []Definition
	for _, dir := range dirs {
		paths, err := files.FindAll(ConfigFileName, dir)
		if err != nil {
			return nil, fmt.Errorf("scanning launcher dir %q: %w", dir, err)
		}
		for _, p := range paths {
			fileDefs, err := LoadFile(p)
			if err != nil {
				return nil, err
			}
			defs = append(defs, fileDefs...)
		}
	}
	return defs, nil
}

// LoadFile parses a single launcher.ini. Relative workdir and image paths are resolved
// against the file's directory and made absolute. Keys missing from a section fall back
// to the file's DEFAULT section and then to the built-in defaults.
func LoadFile(path string) ([]Definition, error) {
	cfg, err := ini.LoadSources(ini.LoadOptions{InsensitiveKeys: true}, path)
	if err != nil {
		return nil, fmt.Errorf("parsing %q: %w", path, err)
	}
	root, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("resolving directory of %q: %w", path, err)
	}
	fallback := cfg.Section(ini.DefaultSection)
	builtin := ini.Empty().Section(ini.DefaultSection)
	for name, value := range defaults {
		if _, err := builtin.NewKey(name, value); err != nil {
			return nil, err
		}
	}

	var defs []Definition
	for _, sec := range cfg.Sections() {
		if sec.Name() == ini.DefaultSection {
			continue
		}
		key := func(name string) *ini.Key {
			if sec.HasKey(name) {
				return sec.Key(name)
			}
			if fallback.HasKey(name) {
				return fallback.Key(name)
			}
			return builtin.Key(name)
		}
		get := func(name string) string { return key(name).String() }

		def := Definition{
			Name:        get("name"),
			Description: get("description"),
			Command:     get("command"),
			Info: MachineInfo{
				Type:         get("type"),
				Manufacturer: get("manufacturer"),
				Model:        get("model"),
				Variant:      get("variant"),
			},
		}

		shell, err := key("shell").Bool()
		if err != nil {
			return nil, fmt.Errorf("%s [%s]: shell: %w", path, sec.Name(), err)
		}
		def.Shell = shell

		priority, err := key("priority").Int()
		if err != nil {
			return nil, fmt.Errorf("%s [%s]: priority: %w", path, sec.Name(), err)
		}
		def.Priority = priority

		workdir := get("workdir")
		if !filepath.IsAbs(workdir) {
			workdir = filepath.Join(root, workdir)
		}
		def.Workdir = filepath.Clean(workdir)

		if imageFile := get("image"); imageFile != "" {
			if !filepath.IsAbs(imageFile) {
				imageFile = filepath.Join(root, imageFile)
			}
			blob, err := os.ReadFile(imageFile)
			if err != nil {
				return nil, fmt.Errorf("%s [%s]: reading image: %w", path, sec.Name(), err)
			}
			def.Image = &Image{Name: filepath.Base(imageFile), Blob: blob}
		}

		defs = append(defs, def)
	}
	return defs, nil
}
