package config

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
}

// NewWizard creates a new configuration wizard
func NewWizard() *Wizard {
	return &Wizard{
		reader: bufio.NewReader(os.Stdin),
	}
}

// Run runs the interactive configuration wizard
func (w *Wizard) Run() (*Config, error) {
	fmt.Println("=== Mira Configuration Wizard ===")
	fmt.Println()

	cfg := DefaultConfig()
	validator := NewValidator()

	// Provider
	fmt.Println("Provider:")
	fmt.Print("Provider name (anthropic/openai) [anthropic]: ")
	name, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if name != "" {
		if err := validator.ValidateProviderName(name); err != nil {
			fmt.Printf("Warning: %v, using default (anthropic)\n", err)
			name = "anthropic"
		}
		cfg.Provider.Name = name
	}

	// API Key
	for {
		fmt.Printf("%s API Key: ", cfg.Provider.Name)
		key, err := w.readLine()
		if err != nil {
			return nil, err
		}

		if err := validator.ValidateAPIKey(key, cfg.Provider.Name); err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}

		cfg.Provider.APIKey = key
		break
	}

	fmt.Println()

	// Model
	fmt.Println("Model:")
	fmt.Print("Model name (press Enter for provider default): ")
	model, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if model != "" {
		cfg.Provider.Model = model
	}

	fmt.Println()

	// Gateway
	fmt.Println("Gateway:")
	fmt.Printf("Port [%d]: ", cfg.Gateway.Port)
	portStr, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil || validator.ValidatePort(port) != nil {
			fmt.Printf("Warning: invalid port, using default (%d)\n", cfg.Gateway.Port)
		} else {
			cfg.Gateway.Port = port
		}
	}

	fmt.Print("Shared secret (press Enter to generate): ")
	secret, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if secret == "" {
		secret, err = generateSecret()
		if err != nil {
			return nil, fmt.Errorf("failed to generate shared secret: %w", err)
		}
		fmt.Printf("Generated shared secret: %s\n", secret)
	}
	cfg.Gateway.SharedSecret = secret

	fmt.Println()

	// Log Level
	fmt.Println("Logging:")
	fmt.Print("Log level (debug/info/warn/error) [info]: ")
	level, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if level != "" {
		if err := validator.ValidateLogLevel(level); err != nil {
			fmt.Printf("Warning: %v, using default (info)\n", err)
		} else {
			cfg.Logging.Level = level
		}
	}

	fmt.Println()
	fmt.Println("Configuration complete!")

	return cfg, nil
}

func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
