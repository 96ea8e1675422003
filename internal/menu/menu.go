package menu

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	cmdpkg "github.com/stupiduntilnot/screenbot/internal/commander"
	"github.com/stupiduntilnot/screenbot/internal/screen"
)

// Screens the bot knows about.
const (
	Main     screen.ID = "main"
	Catalog  screen.ID = "catalog"
	Profile  screen.ID = "profile"
	Settings screen.ID = "settings"
	Help     screen.ID = "help"
)

// Known lists every declared screen id.
var Known = []screen.ID{Main, Catalog, Profile, Settings, Help}

// Callback data.
const (
	BackData   = "back"
	gotoPrefix = "go:"
)

// GotoData is the callback data of a button opening id.
func GotoData(id screen.ID) string {
	return gotoPrefix + string(id)
}

// ParseGoto extracts the target of a GotoData callback.
func ParseGoto(data string) (screen.ID, bool) {
	rest, ok := strings.CutPrefix(data, gotoPrefix)
	if !ok || rest == "" {
		return screen.None, false
	}
	return screen.ID(rest), true
}

//go:embed screens.yaml
var defaultCatalog []byte

type catalogFile struct {
	Default *screenSpec           `yaml:"default"`
	Screens map[string]screenSpec `yaml:"screens"`
}

type screenSpec struct {
	Text     string         `yaml:"text"`
	Keyboard [][]buttonSpec `yaml:"keyboard"`
}

type buttonSpec struct {
	Text string `yaml:"text"`
	Goto string `yaml:"goto"`
	Back bool   `yaml:"back"`
}

// Load builds the registry from the embedded catalog, or from path when set.
func Load(path string) (*screen.Registry, error) {
	if path == "" {
		return Parse(strings.NewReader(string(defaultCatalog)))
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open screens file: %w", err)
	}
	defer f.Close()
	reg, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return reg, nil
}

// Parse reads a YAML catalog. Unknown screen ids, buttons pointing at
// unknown screens and a missing default screen are configuration errors;
// every id in Known must be present.
func Parse(r io.Reader) (*screen.Registry, error) {
	var cf catalogFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cf); err != nil {
		return nil, fmt.Errorf("decode screens: %w", err)
	}
	if cf.Default == nil {
		return nil, screen.ErrNoDefault
	}

	def, err := buildDescriptor(screen.None, *cf.Default)
	if err != nil {
		return nil, err
	}
	reg, err := screen.NewRegistry(def)
	if err != nil {
		return nil, err
	}
	for name, spec := range cf.Screens {
		id := screen.ID(name)
		if !isKnown(id) {
			return nil, fmt.Errorf("screen %q: %w", name, errUnknownScreen)
		}
		d, err := buildDescriptor(id, spec)
		if err != nil {
			return nil, err
		}
		reg.Register(id, d.Text, d.Keyboard)
	}
	if err := reg.Require(Known...); err != nil {
		return nil, err
	}
	return reg, nil
}

var errUnknownScreen = errors.New("unknown screen id")

func buildDescriptor(id screen.ID, spec screenSpec) (screen.Descriptor, error) {
	rows := make([][]cmdpkg.Button, 0, len(spec.Keyboard))
	for _, row := range spec.Keyboard {
		buttons := make([]cmdpkg.Button, 0, len(row))
		for _, b := range row {
			btn, err := buildButton(b)
			if err != nil {
				return screen.Descriptor{}, fmt.Errorf("screen %q: %w", id, err)
			}
			buttons = append(buttons, btn)
		}
		rows = append(rows, buttons)
	}
	return screen.Descriptor{
		ID:   id,
		Text: spec.Text,
		Keyboard: func() cmdpkg.Keyboard {
			kb := cmdpkg.Keyboard{}
			for _, row := range rows {
				kb = kb.Row(row...)
			}
			return kb
		},
	}, nil
}

func buildButton(b buttonSpec) (cmdpkg.Button, error) {
	if strings.TrimSpace(b.Text) == "" {
		return cmdpkg.Button{}, errors.New("button without text")
	}
	switch {
	case b.Back && b.Goto != "":
		return cmdpkg.Button{}, fmt.Errorf("button %q sets both goto and back", b.Text)
	case b.Back:
		return cmdpkg.Button{Text: b.Text, Data: BackData}, nil
	case b.Goto != "":
		id := screen.ID(b.Goto)
		if !isKnown(id) {
			return cmdpkg.Button{}, fmt.Errorf("button %q goto %q: %w", b.Text, b.Goto, errUnknownScreen)
		}
		return cmdpkg.Button{Text: b.Text, Data: GotoData(id)}, nil
	default:
		return cmdpkg.Button{}, fmt.Errorf("button %q has no action", b.Text)
	}
}

func isKnown(id screen.ID) bool {
	for _, k := range Known {
		if k == id {
			return true
		}
	}
	return false
}
