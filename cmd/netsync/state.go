package main

import (
	"fmt"
	"strconv"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/netsync/internal/storage"
)

var flagStateClear bool

var stateCmd = &cobra.Command{
	Use:   "state [scope]",
	Short: "Show persisted replicated state",
	Long: `Without arguments, list the scopes that have persisted state. With a
scope, print its entries in key order with version and writer.

The relay persists under "relay", the harness under "simulate".

Examples:
  netsync state
  netsync state relay
  netsync state simulate --clear`,
	Args: cobra.MaximumNArgs(1),
	RunE: runState,
}

func init() {
	stateCmd.Flags().BoolVar(&flagStateClear, "clear", false, "Delete every entry of the scope")
}

func runState(_ *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := storage.Open(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("cannot open database: %w", err)
	}
	defer store.Close()

	if len(args) == 0 {
		scopes, err := store.Scopes()
		if err != nil {
			return err
		}
		if len(scopes) == 0 {
			fmt.Println("No state persisted yet.")
			return nil
		}
		for _, s := range scopes {
			fmt.Println(s)
		}
		return nil
	}

	scope := args[0]
	if flagStateClear {
		if err := store.ClearState(scope); err != nil {
			return err
		}
		fmt.Printf("Cleared %s\n", scope)
		return nil
	}

	entries, err := store.StateEntries(scope)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Printf("No entries in %s.\n", scope)
		return nil
	}

	fmt.Printf("  %-20s  %7s  %-12s  %s\n", "Key", "Version", "Sender", "Value")
	fmt.Printf("  %-20s  %7s  %-12s  %s\n", "---", "-------", "------", "-----")
	for _, e := range entries {
		fmt.Printf("  %-20s  %7d  %-12s  %s\n", e.Key, e.Version, e.Sender, displayValue(e.Value))
	}
	return nil
}

// displayValue prints text values as-is and binary ones in hex.
func displayValue(v []byte) string {
	if utf8.Valid(v) {
		return strconv.Quote(string(v))
	}
	return fmt.Sprintf("%x", v)
}
