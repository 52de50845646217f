package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"

	"github.com/loomcode/loom/pkg/types"
	"github.com/tidwall/jsonc"
)

// Load loads configuration from multiple sources (priority order):
// 1. Global config (~/.loom/, then ~/.config/loom/)
// 2. Project config (.loom/)
// 3. LOOM_CONFIG / LOOM_CONFIG_CONTENT overrides
// 4. Environment variables
func Load(directory string) (*types.Config, error) {
	config := &types.Config{
		Provider: make(map[string]types.ProviderConfig),
		Agent:    make(map[string]types.AgentConfig),
	}

	// 1. Global config
	if home, err := os.UserHomeDir(); err == nil {
		loadConfigFile(filepath.Join(home, ".loom", "loom.json"), config)
		loadConfigFile(filepath.Join(home, ".loom", "loom.jsonc"), config)
	}
	globalPath := GetPaths().Config
	loadConfigFile(filepath.Join(globalPath, "loom.json"), config)
	loadConfigFile(filepath.Join(globalPath, "loom.jsonc"), config)

	// 2. Project config
	if directory != "" {
		loadConfigFile(filepath.Join(directory, ".loom", "loom.json"), config)
		loadConfigFile(filepath.Join(directory, ".loom", "loom.jsonc"), config)
	}

	// 3a. Explicit config file override
	if configPath := os.Getenv("LOOM_CONFIG"); configPath != "" {
		loadConfigFile(configPath, config)
	}

	// 3b. Inline config content override
	if content := os.Getenv("LOOM_CONFIG_CONTENT"); content != "" {
		cwd, err := os.Getwd()
		if err != nil {
			cwd = directory
		}
		loadConfigContent([]byte(content), cwd, config)
	}

	// 4. Environment variables
	applyEnvOverrides(config)

	return config, nil
}

// loadConfigFile loads a single config file from disk.
func loadConfigFile(path string, config *types.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err // File doesn't exist, skip
	}
	return loadConfigContent(data, filepath.Dir(path), config)
}

// loadConfigContent parses JSON/JSONC config content, interpolating
// {env:VAR} and {file:path} placeholders (file paths resolved relative to
// baseDir), and merges the result into config.
func loadConfigContent(data []byte, baseDir string, config *types.Config) error {
	// Strip JSONC comments/trailing commas.
	data = jsonc.ToJSON(data)

	// Resolve {env:...} and {file:...} placeholders before parsing.
	data = interpolate(data, baseDir)

	var fileConfig types.Config
	if err := json.Unmarshal(data, &fileConfig); err != nil {
		return err
	}

	*config = Merge(*config, fileConfig)
	return nil
}

var (
	envPlaceholder  = regexp.MustCompile(`\{env:([A-Za-z_][A-Za-z0-9_]*)\}`)
	filePlaceholder = regexp.MustCompile(`\{file:([^}]+)\}`)
)

// interpolate replaces {env:VAR} with the environment variable's value
// (empty string if unset) and {file:path} with the contents of the file at
// path (escaped for use inside a JSON string), resolved relative to baseDir
// unless absolute or starting with "~/". A missing file leaves the
// placeholder untouched so the caller can detect/report it.
func interpolate(data []byte, baseDir string) []byte {
	data = envPlaceholder.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envPlaceholder.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})

	data = filePlaceholder.ReplaceAllFunc(data, func(match []byte) []byte {
		path := string(filePlaceholder.FindSubmatch(match)[1])
		if len(path) >= 2 && path[:2] == "~/" {
			if home, err := os.UserHomeDir(); err == nil {
				path = filepath.Join(home, path[2:])
			}
		}
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return match
		}
		escaped, err := json.Marshal(string(content))
		if err != nil {
			return match
		}
		return escaped[1 : len(escaped)-1]
	})

	return data
}

// mergeConfig is the original shallow, map-level-overwrite merge. Load uses
// the full deep-merge Merge function instead; this is kept because it's a
// distinct, separately-tested merge strategy some callers may still want.
func mergeConfig(target, source *types.Config) {
	if source.Model != "" {
		target.Model = source.Model
	}
	if source.SmallModel != "" {
		target.SmallModel = source.SmallModel
	}

	// Merge providers
	if source.Provider != nil {
		if target.Provider == nil {
			target.Provider = make(map[string]types.ProviderConfig)
		}
		for k, v := range source.Provider {
			target.Provider[k] = v
		}
	}

	// Merge agents
	if source.Agent != nil {
		if target.Agent == nil {
			target.Agent = make(map[string]types.AgentConfig)
		}
		for k, v := range source.Agent {
			target.Agent[k] = v
		}
	}

	// Merge LSP config
	if source.LSP != nil {
		target.LSP = source.LSP
	}

	// Merge watcher config
	if source.Watcher != nil {
		target.Watcher = source.Watcher
	}

	// Merge experimental config
	if source.Experimental != nil {
		target.Experimental = source.Experimental
	}
}

// applyEnvOverrides applies environment variable overrides.
func applyEnvOverrides(config *types.Config) {
	// Provider API keys
	providerEnvMap := map[string]string{
		"anthropic": "ANTHROPIC_API_KEY",
		"openai":    "OPENAI_API_KEY",
		"google":    "GOOGLE_API_KEY",
		"bedrock":   "AWS_ACCESS_KEY_ID",
	}

	for provider, envVar := range providerEnvMap {
		if apiKey := os.Getenv(envVar); apiKey != "" {
			if config.Provider == nil {
				config.Provider = make(map[string]types.ProviderConfig)
			}
			p := config.Provider[provider]
			if p.APIKey == "" {
				p.APIKey = apiKey
				config.Provider[provider] = p
			}
		}
	}

	// Model override
	if model := os.Getenv("LOOM_MODEL"); model != "" {
		config.Model = model
	}

	// Small model override
	if smallModel := os.Getenv("LOOM_SMALL_MODEL"); smallModel != "" {
		config.SmallModel = smallModel
	}
}

// Save saves the configuration to a file.
func Save(config *types.Config, path string) error {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
