package config

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Prompt walks through the settings people usually change, using base for
// the defaults shown in brackets. An empty answer keeps the default.
func Prompt(in io.Reader, out io.Writer, base Config) (Config, error) {
	r := bufio.NewReader(in)
	c := base

	ask := func(prompt, defaultVal string) (string, error) {
		if defaultVal != "" {
			fmt.Fprintf(out, "%s [%s]: ", prompt, defaultVal)
		} else {
			fmt.Fprintf(out, "%s: ", prompt)
		}
		line, err := r.ReadString('\n')
		if err != nil && !(err == io.EOF && line != "") {
			return "", err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			return defaultVal, nil
		}
		return line, nil
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "  ┌─────────────────────────────────┐")
	fmt.Fprintln(out, "  │        rewind  setup            │")
	fmt.Fprintln(out, "  └─────────────────────────────────┘")
	fmt.Fprintln(out)

	var err error
	c.ServerURL, err = ask("  Recordings server URL (empty stores locally)", c.ServerURL)
	if err != nil {
		return Config{}, err
	}

	if c.ServerURL == "" {
		backend, err := ask("  Local storage (disk/sqlite)", c.Backend)
		if err != nil {
			return Config{}, err
		}
		if backend == "sqlite" {
			c.Backend = "sqlite"
		} else {
			c.Backend = "disk"
		}
		c.DataDir, err = ask("  Data directory", c.DataDir)
		if err != nil {
			return Config{}, err
		}
	}

	format, err := ask("  Default export format (markdown/json)", c.DefaultFormat)
	if err != nil {
		return Config{}, err
	}
	if format == "json" {
		c.DefaultFormat = "json"
	} else {
		c.DefaultFormat = "markdown"
	}

	c.OutputDir, err = ask("  Default export directory", c.OutputDir)
	if err != nil {
		return Config{}, err
	}

	audio, err := ask("  Audio encoder command (empty records edits only)", strings.Join(c.AudioCommand, " "))
	if err != nil {
		return Config{}, err
	}
	c.AudioCommand = strings.Fields(audio)

	fmt.Fprintln(out)
	return c, nil
}
