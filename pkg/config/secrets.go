package config

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"strings"
)

// LoadSecrets reads a .env-style key=value overlay for outbound RTSP pull
// credentials — the one piece of configuration that should not live in
// the YAML file.
func LoadSecrets(envPath string) (AuthConfig, error) {
	var auth AuthConfig

	file, err := os.Open(envPath)
	if err != nil {
		return auth, fmt.Errorf("open env file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		decoded, err := url.QueryUnescape(value)
		if err != nil {
			decoded = value
		}

		switch key {
		case "rtsp_username":
			auth.Username = decoded
		case "rtsp_password":
			auth.Password = decoded
		}
	}

	if err := scanner.Err(); err != nil {
		return auth, fmt.Errorf("scan env file: %w", err)
	}

	return auth, nil
}
