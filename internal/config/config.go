// Package config loads the bridge configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"claude-bridge/internal/crypto"
)

type Config struct {
	HTTPAddr           string
	LogFile            string
	MySQLDSN           string
	AdminToken         string
	ClientKeys         []string
	CORSAllowedOrigins []string

	BackendBaseURL  string
	BackendAPIKey   string
	MaxTokensCap    int
	KeyEncMasterB64 string

	Deployments       []string
	DefaultDeployment string
	ModelAliases      map[string]string
}

func FromEnv() (Config, error) {
	httpAddr := getenvDefault("HTTP_ADDR", ":8080")

	baseURL := strings.TrimSpace(os.Getenv("BACKEND_BASE_URL"))
	if baseURL == "" {
		return Config{}, fmt.Errorf("BACKEND_BASE_URL is required")
	}

	apiKey, err := backendKeyFromEnv()
	if err != nil {
		return Config{}, err
	}

	deployments := splitCSV(os.Getenv("BACKEND_DEPLOYMENTS"))
	if len(deployments) == 0 {
		return Config{}, fmt.Errorf("BACKEND_DEPLOYMENTS is required")
	}
	defaultDep := getenvDefault("BACKEND_DEFAULT_DEPLOYMENT", deployments[0])

	aliases, err := parseAliases(os.Getenv("MODEL_ALIASES"))
	if err != nil {
		return Config{}, err
	}

	tokensCap := 0
	if v := strings.TrimSpace(os.Getenv("MAX_TOKENS_CAP")); v != "" {
		tokensCap, err = strconv.Atoi(v)
		if err != nil || tokensCap < 0 {
			return Config{}, fmt.Errorf("MAX_TOKENS_CAP must be a non-negative integer")
		}
	}

	origins := []string{"*"}
	if v := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS")); v != "" {
		origins = splitCSV(v)
	}

	return Config{
		HTTPAddr:           httpAddr,
		LogFile:            strings.TrimSpace(os.Getenv("LOG_FILE")),
		MySQLDSN:           strings.TrimSpace(os.Getenv("MYSQL_DSN")),
		AdminToken:         strings.TrimSpace(os.Getenv("ADMIN_TOKEN")),
		ClientKeys:         splitCSV(os.Getenv("CLIENT_API_KEYS")),
		CORSAllowedOrigins: origins,
		BackendBaseURL:     baseURL,
		BackendAPIKey:      apiKey,
		MaxTokensCap:       tokensCap,
		KeyEncMasterB64:    strings.TrimSpace(os.Getenv("KEY_ENC_MASTER_B64")),
		Deployments:        deployments,
		DefaultDeployment:  defaultDep,
		ModelAliases:       aliases,
	}, nil
}

// backendKeyFromEnv accepts the key either plaintext or sealed with the
// AES-GCM master key, so deployment manifests never carry it in the clear.
func backendKeyFromEnv() (string, error) {
	if v := strings.TrimSpace(os.Getenv("BACKEND_API_KEY")); v != "" {
		return v, nil
	}
	sealed := strings.TrimSpace(os.Getenv("BACKEND_API_KEY_ENC"))
	if sealed == "" {
		return "", fmt.Errorf("BACKEND_API_KEY or BACKEND_API_KEY_ENC is required")
	}
	master := strings.TrimSpace(os.Getenv("KEY_ENC_MASTER_B64"))
	if master == "" {
		return "", fmt.Errorf("KEY_ENC_MASTER_B64 is required with BACKEND_API_KEY_ENC")
	}
	cipher, err := crypto.NewAESGCMFromBase64Key(master)
	if err != nil {
		return "", fmt.Errorf("KEY_ENC_MASTER_B64: %w", err)
	}
	plain, err := cipher.DecryptBase64(sealed)
	if err != nil {
		return "", fmt.Errorf("BACKEND_API_KEY_ENC: %w", err)
	}
	return plain, nil
}

// parseAliases reads "claude-3-haiku=gpt-4o-mini,claude-sonnet-4=gpt-4o".
func parseAliases(v string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range splitCSV(v) {
		name, dep, ok := strings.Cut(pair, "=")
		name, dep = strings.TrimSpace(name), strings.TrimSpace(dep)
		if !ok || name == "" || dep == "" {
			return nil, fmt.Errorf("MODEL_ALIASES entry %q is not alias=deployment", pair)
		}
		out[strings.ToLower(name)] = dep
	}
	return out, nil
}

func getenvDefault(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
