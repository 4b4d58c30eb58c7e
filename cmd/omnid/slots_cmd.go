package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/marzan3698/omni-sub004/internal/session"
)

const clientTimeout = 30 * time.Second

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7aa2f7"))
	readyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#9ece6a"))
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#e0af68"))
	idleStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#565f89"))
	cellStyle    = lipgloss.NewStyle().Padding(0, 1)
)

// stateStyle colors a slot by how close it is to serving traffic.
func stateStyle(info session.SlotInfo) lipgloss.Style {
	switch {
	case info.Connected:
		return readyStyle
	case info.State != "":
		return pendingStyle
	default:
		return idleStyle
	}
}

func slotStateLabel(info session.SlotInfo) string {
	switch {
	case info.State != "":
		return info.State
	case info.Persisted:
		return "offline"
	default:
		return "-"
	}
}

// renderSlotsTable renders the slot list of a tenant.
func renderSlotsTable(tenant string, slots []session.SlotInfo) string {
	rows := make([][]string, 0, len(slots))
	for _, s := range slots {
		connected := "no"
		if s.Connected {
			connected = "yes"
		}
		persisted := "no"
		if s.Persisted {
			persisted = "yes"
		}
		rows = append(rows, []string{s.Slot, slotStateLabel(s), connected, persisted, firstNonEmpty(s.AccountID, "-")})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(idleStyle).
		Headers("SLOT", "STATE", "CONNECTED", "SAVED", "ACCOUNT").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle.Inherit(cellStyle)
			}
			if col == 1 && row >= 0 && row < len(slots) {
				return stateStyle(slots[row]).Inherit(cellStyle)
			}
			return cellStyle
		})

	var b strings.Builder
	b.WriteString(headerStyle.Render("Tenant " + tenant))
	b.WriteString("\n")
	b.WriteString(t.Render())
	b.WriteString("\n")
	return b.String()
}

// slotArgs parses a command taking <tenant> [<slot>] plus client flags.
func slotArgs(name, usage string, args []string, needSlot bool) (*apiClient, []string, *bool, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	build := clientFlags(fs)
	fs.Usage = func() {
		fmt.Printf("Usage: omnid %s\n\n", usage)
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	if err := parseFlags(fs, args); err != nil {
		return nil, nil, nil, err
	}

	want := 1
	if needSlot {
		want = 2
	}
	if fs.NArg() < want {
		fs.Usage()
		return nil, nil, nil, errors.New("missing arguments")
	}
	if needSlot && !session.ValidSlot(fs.Arg(1)) {
		return nil, nil, nil, fmt.Errorf("slot must be one of 1-5, got %q", fs.Arg(1))
	}

	client, err := build()
	if err != nil {
		return nil, nil, nil, err
	}
	return client, fs.Args(), jsonOutput, nil
}

func handleSlots(args []string) error {
	client, pos, jsonOutput, err := slotArgs("slots", "slots <tenant> [--json]", args, false)
	if err != nil {
		return err
	}
	tenant := pos[0]

	ctx, cancel := context.WithTimeout(context.Background(), clientTimeout)
	defer cancel()
	slots, err := client.ListSlots(ctx, tenant)
	if err != nil {
		return err
	}

	out := NewCLIOutput(*jsonOutput, false)
	out.Print(renderSlotsTable(tenant, slots), map[string]any{"tenant": tenant, "slots": slots})
	return nil
}

func handleStatus(args []string) error {
	client, pos, jsonOutput, err := slotArgs("status", "status <tenant> <slot> [--json]", args, true)
	if err != nil {
		return err
	}
	tenant, slot := pos[0], pos[1]

	ctx, cancel := context.WithTimeout(context.Background(), clientTimeout)
	defer cancel()
	res, err := client.Status(ctx, tenant, slot)
	if err != nil {
		return err
	}

	state := firstNonEmpty(res.State, "no session")
	symbol := errorSymbol
	if res.Connected {
		symbol = successSymbol
	}
	human := fmt.Sprintf("%s %s/%s %s\n", symbol, tenant, slot, state)
	NewCLIOutput(*jsonOutput, false).Print(human, res)
	return nil
}

func handleSend(args []string) error {
	client, pos, jsonOutput, err := slotArgs("send", "send <tenant> <slot> <to> <text...> [--json]", args, true)
	if err != nil {
		return err
	}
	if len(pos) < 4 {
		return errors.New("usage: omnid send <tenant> <slot> <to> <text...>")
	}
	tenant, slot, to := pos[0], pos[1], pos[2]
	content := strings.Join(pos[3:], " ")

	ctx, cancel := context.WithTimeout(context.Background(), 2*clientTimeout)
	defer cancel()
	res, err := client.Send(ctx, tenant, slot, to, content)
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("send failed: %s", res.Error)
	}
	NewCLIOutput(*jsonOutput, false).Success(fmt.Sprintf("sent %s", res.MessageID), res)
	return nil
}

func handleDisconnect(args []string) error {
	client, pos, jsonOutput, err := slotArgs("disconnect", "disconnect <tenant> <slot> [--json]", args, true)
	if err != nil {
		return err
	}
	tenant, slot := pos[0], pos[1]

	ctx, cancel := context.WithTimeout(context.Background(), clientTimeout)
	defer cancel()
	if err := client.Disconnect(ctx, tenant, slot); err != nil {
		return err
	}
	NewCLIOutput(*jsonOutput, false).Success(fmt.Sprintf("%s/%s disconnected", tenant, slot),
		session.Result{Success: true, Message: "disconnected"})
	return nil
}
