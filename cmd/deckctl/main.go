// Command deckctl manages deck-config presets on disk as YAML. The
// same store.DeckConfig that round-trips through a JSON snapshot also
// round-trips through a human-editable YAML preset file, with no
// separate schema to keep in sync.
package main

import (
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/microdote/collection-core/internal/store"
)

func usage() {
	fmt.Fprintln(os.Stderr, `deckctl: manage deck-config presets

Usage:
  deckctl show <file.yaml>
  deckctl new [--id N] [--name NAME] <file.yaml>
  deckctl validate <file.yaml>`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "show":
		runShow(os.Args[2:])
	case "new":
		runNew(os.Args[2:])
	case "validate":
		runValidate(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func runShow(args []string) {
	if len(args) != 1 {
		usage()
		os.Exit(2)
	}
	cfg, err := loadConfig(args[0])
	if err != nil {
		fatal(err)
	}
	enc := yaml.NewEncoder(os.Stdout)
	defer enc.Close()
	if err := enc.Encode(cfg); err != nil {
		fatal(err)
	}
}

func runNew(args []string) {
	fs := flag.NewFlagSet("new", flag.ExitOnError)
	id := fs.Int64("id", 1, "deck config id")
	name := fs.String("name", "Default", "deck config name")
	fs.Parse(args)
	if fs.NArg() != 1 {
		usage()
		os.Exit(2)
	}

	cfg := store.DefaultDeckConfig(*id)
	cfg.Name = *name
	if err := saveConfig(fs.Arg(0), cfg); err != nil {
		fatal(err)
	}
	fmt.Printf("wrote %s\n", fs.Arg(0))
}

func runValidate(args []string) {
	if len(args) != 1 {
		usage()
		os.Exit(2)
	}
	cfg, err := loadConfig(args[0])
	if err != nil {
		fatal(err)
	}
	if len(cfg.New.Delays) == 0 {
		fatal(fmt.Errorf("new.delays must be non-empty"))
	}
	if cfg.New.PerDay < 0 || cfg.Rev.PerDay < 0 {
		fatal(fmt.Errorf("perDay values must be non-negative"))
	}
	if cfg.Rev.IvlFct <= 0 {
		fatal(fmt.Errorf("rev.ivlFct must be positive"))
	}
	fmt.Printf("%s: ok\n", args[0])
}

func loadConfig(path string) (store.DeckConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return store.DeckConfig{}, err
	}
	var cfg store.DeckConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return store.DeckConfig{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

func saveConfig(path string, cfg store.DeckConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "deckctl:", err)
	os.Exit(1)
}
