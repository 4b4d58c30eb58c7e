package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/marzan3698/omni-sub004/internal/config"
)

func handleConfig(args []string) error {
	if len(args) == 0 {
		printConfigHelp()
		return errors.New("missing config subcommand")
	}

	switch args[0] {
	case "init":
		path, created, err := config.CreateExampleConfig()
		if err != nil {
			return err
		}
		if created {
			fmt.Printf("%s wrote %s\n", successSymbol, path)
		} else {
			fmt.Printf("%s %s already exists\n", bulletSymbol, path)
		}
		return nil
	case "path":
		path, err := config.GetConfigPath()
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	case "show":
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		return writeConfig(os.Stdout, cfg)
	case "help", "--help", "-h":
		printConfigHelp()
		return nil
	default:
		printConfigHelp()
		return fmt.Errorf("unknown config subcommand %q", args[0])
	}
}

// writeConfig prints the effective config with the token redacted.
func writeConfig(w io.Writer, cfg *config.Config) error {
	shown := *cfg
	if shown.Server.Token != "" {
		shown.Server.Token = "********"
	}
	return toml.NewEncoder(w).Encode(shown)
}

func printConfigHelp() {
	fmt.Println("Usage: omnid config <init|path|show>")
	fmt.Println()
	fmt.Println("  init    Write an example config.toml if none exists")
	fmt.Println("  path    Print the config.toml location")
	fmt.Println("  show    Print the effective configuration")
}
