package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

const Version = "0.3.0"

// init sets up color profile for consistent terminal colors across environments
func init() {
	initColorProfile()
}

// initColorProfile configures lipgloss color profile based on terminal capabilities.
func initColorProfile() {
	// OMNID_COLOR: truecolor, 256, 16, none
	if colorEnv := os.Getenv("OMNID_COLOR"); colorEnv != "" {
		switch strings.ToLower(colorEnv) {
		case "truecolor", "true", "24bit":
			lipgloss.SetColorProfile(termenv.TrueColor)
			return
		case "256", "ansi256":
			lipgloss.SetColorProfile(termenv.ANSI256)
			return
		case "16", "ansi", "basic":
			lipgloss.SetColorProfile(termenv.ANSI)
			return
		case "none", "off", "ascii":
			lipgloss.SetColorProfile(termenv.Ascii)
			return
		}
	}

	if os.Getenv("NO_COLOR") != "" {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}

	colorTerm := os.Getenv("COLORTERM")
	if colorTerm == "truecolor" || colorTerm == "24bit" {
		lipgloss.SetColorProfile(termenv.TrueColor)
		return
	}

	// Leave lipgloss's own detection in place for pipes and dumb terminals.
	lipgloss.SetColorProfile(termenv.NewOutput(os.Stdout).EnvColorProfile())
}

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		printHelp()
		os.Exit(1)
	}

	var err error
	switch args[0] {
	case "version", "--version", "-v":
		fmt.Printf("omnid v%s\n", Version)
		return
	case "help", "--help", "-h":
		printHelp()
		return
	case "serve":
		err = handleServe(args[1:])
	case "pair":
		err = handlePair(args[1:])
	case "slots", "ls":
		err = handleSlots(args[1:])
	case "status":
		err = handleStatus(args[1:])
	case "send":
		err = handleSend(args[1:])
	case "disconnect":
		err = handleDisconnect(args[1:])
	case "config":
		err = handleConfig(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", args[0])
		printHelp()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Printf("omnid v%s - multi-slot messaging session daemon\n", Version)
	fmt.Println()
	fmt.Println("Usage: omnid <command> [options]")
	fmt.Println()
	fmt.Println("Daemon:")
	fmt.Println("  serve                          Run the daemon and HTTP API")
	fmt.Println()
	fmt.Println("Slots (talk to a running daemon):")
	fmt.Println("  pair <tenant> <slot>           Connect a slot and show its pairing QR")
	fmt.Println("  slots <tenant>                 List slots 1-5 of a tenant")
	fmt.Println("  status <tenant> <slot>         Show the live state of one slot")
	fmt.Println("  send <tenant> <slot> <to> <text>")
	fmt.Println("                                 Send a text message through a slot")
	fmt.Println("  disconnect <tenant> <slot>     Log a slot out and mark it inactive")
	fmt.Println()
	fmt.Println("Other:")
	fmt.Println("  config init|path|show          Manage config.toml")
	fmt.Println("  version                        Print the version")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  OMNID_HOME                     Home directory (default ~/.omnid)")
	fmt.Println("  OMNID_COLOR                    truecolor, 256, 16 or none")
}
