// Package cmd holds the wbbpad command line: the kong root and one type per
// subcommand.
package cmd

import "github.com/wbbpad/wbbpad/internal/log"

// CLI is the kong root.
type CLI struct {
	ConfigFile string     `name:"config" help:"Config file (JSON, YAML or TOML); flags and environment override it" type:"path" env:"WBBPAD_CONFIG"`
	Log        log.Config `embed:"" prefix:"log."`

	Run     Run           `cmd:"" default:"withargs" help:"Stream the balance board into a virtual controller"`
	Tare    Tare          `cmd:"" help:"Calibrate the unloaded board once and print the offsets"`
	Padtest Padtest       `cmd:"" help:"Hold pad buttons from the keyboard to test the output"`
	Config  ConfigCommand `cmd:"" help:"Configuration helpers"`
}
