// Package appkey generates signing secrets for MEAL_APP_KEY and
// MEAL_AUTH_SECRET.
package appkey

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
)

// Config holds configuration for key generation.
type Config struct {
	Bytes  int
	Var    string
	Format string
}

// ParseConfig parses flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Config{Bytes: 32, Var: "MEAL_APP_KEY", Format: "hex"}
	fs.IntVar(&cfg.Bytes, "bytes", cfg.Bytes, "number of random bytes")
	fs.StringVar(&cfg.Var, "var", cfg.Var, "environment variable name to print")
	fs.StringVar(&cfg.Format, "format", cfg.Format, "encoding: hex or base64")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run generates the key and writes it to out as NAME=value.
func Run(cfg Config, out io.Writer, reader io.Reader) error {
	if cfg.Bytes < 16 {
		return errors.New("bytes must be at least 16")
	}
	name := strings.TrimSpace(cfg.Var)
	if name == "" {
		return errors.New("var is required")
	}
	if out == nil {
		return errors.New("output is required")
	}
	if reader == nil {
		reader = rand.Reader
	}

	buf := make([]byte, cfg.Bytes)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return fmt.Errorf("generate random bytes: %w", err)
	}
	var value string
	switch strings.ToLower(cfg.Format) {
	case "", "hex":
		value = hex.EncodeToString(buf)
	case "base64":
		value = base64.StdEncoding.EncodeToString(buf)
	default:
		return fmt.Errorf("unknown format %q", cfg.Format)
	}
	_, err := fmt.Fprintf(out, "%s=%s\n", name, value)
	return err
}
