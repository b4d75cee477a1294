/*
 * ps2bus - Command-line configuration for the smoke-test binary.
 *
 * Copyright 2025, PS2 Bus Core Contributors
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in
 * all copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 */

// Package config parses the flags cmd/ps2bus runs the core with. It is
// built on the teacher's real dependency, github.com/pborman/getopt/v2,
// kept from main.go, but trimmed down from the teacher's device-model
// config-file grammar (config/configparser's SIO mnemonic roster) to
// what a fixed-hardware bus core actually needs: how much cycle budget
// to run, a list of component names to trace (parsed and reported by
// Config.String, but not applied to logging), and an optional
// quadword image to preload into main RAM before running.
package config

import (
	"fmt"

	getopt "github.com/pborman/getopt/v2"
)

// Config holds the parsed command line.
type Config struct {
	Cycles     int64
	Preload    string
	PreloadAt  uint32
	Trace      string // comma-separated component names, e.g. "eedmac,vif"
	Debug      bool
	LogFile    string
	Help       bool
}

// Parse reads os.Args (via getopt's package-level state) into a Config.
func Parse() *Config {
	cfg := &Config{}

	cycles := getopt.Int64Long("cycles", 'n', 1000000, "EE cycles to run before exiting")
	preload := getopt.StringLong("preload", 'p', "", "Binary image to preload into main RAM")
	preloadAt := getopt.Uint64Long("preload-at", 'a', 0, "Physical address to preload the image at")
	trace := getopt.StringLong("trace", 't', "", "Comma-separated component names (accepted; does not change what is logged)")
	debug := getopt.BoolLong("debug", 'd', "Echo every log record to stderr, not just warnings")
	logFile := getopt.StringLong("log", 'l', "", "Log file (defaults to stderr only)")
	help := getopt.BoolLong("help", 'h', "Help")

	getopt.Parse()

	cfg.Cycles = *cycles
	cfg.Preload = *preload
	cfg.PreloadAt = uint32(*preloadAt)
	cfg.Trace = *trace
	cfg.Debug = *debug
	cfg.LogFile = *logFile
	cfg.Help = *help
	return cfg
}

// Usage prints getopt's generated usage text.
func Usage() { getopt.Usage() }

// TracedComponents splits the --trace flag into component names.
func (c *Config) TracedComponents() []string {
	if c.Trace == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(c.Trace); i++ {
		if i == len(c.Trace) || c.Trace[i] == ',' {
			if i > start {
				out = append(out, c.Trace[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func (c *Config) String() string {
	return fmt.Sprintf("cycles=%d preload=%q@0x%08x trace=%q debug=%v", c.Cycles, c.Preload, c.PreloadAt, c.Trace, c.Debug)
}
