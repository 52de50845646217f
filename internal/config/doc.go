// Package config provides configuration loading, merging, and path management for Loom.
//
// This package handles the complex configuration system that supports multiple sources
// and formats, with a hierarchical loading strategy that ensures proper precedence
// and compatibility with both TypeScript and Go implementations.
//
// # Configuration Loading
//
// The Load function implements a sophisticated configuration loading strategy that
// searches for and merges configuration from multiple sources in priority order:
//
//  1. Global config (~/.loom/ - TypeScript compatible)
//  2. Global config (~/.config/loom/ - XDG compatible)
//  3. Project config in the given directory (.loom/loom.json and .loom/loom.jsonc)
//  4. LOOM_CONFIG file
//  5. LOOM_CONFIG_CONTENT inline JSON
//  6. Environment variables
//
// Configuration files are loaded in a specific order to ensure that more specific
// configurations override more general ones. LOOM_MODEL and LOOM_SMALL_MODEL
// override any file value; provider API key variables only fill in a key that
// no configuration source has set.
//
// # Supported Formats
//
// The package supports both JSON and JSONC (JSON with Comments) formats:
//   - loom.json - Standard JSON configuration
//   - loom.jsonc - JSON with comments, processed using tidwall/jsonc
//
// # Variable Interpolation
//
// Configuration files support two types of variable interpolation:
//   - {env:VAR_NAME} - Expands to environment variable values
//   - {file:path} - Expands to file contents (properly escaped for JSON)
//
// File paths in {file:path} placeholders support:
//   - Absolute paths
//   - Relative paths (resolved relative to config file directory)
//   - Home directory expansion (~/)
//
// Example configuration with interpolation:
//
//	{
//	  "provider": {
//	    "anthropic": {
//	      "options": {
//	        "apiKey": "{env:ANTHROPIC_API_KEY}"
//	      }
//	    }
//	  },
//	  "instructions": [
//	    "{file:~/custom-instructions.txt}"
//	  ]
//	}
//
// # Configuration Merging
//
// When multiple configuration sources are found, they are merged with [Merge], a
// deep merge strategy that:
//   - Overwrites scalar values (strings, booleans, numbers) that the later source sets
//   - Merges maps/objects by combining keys (provider and agent entries field by field)
//   - Appends the "instructions" and "plugin" entries not already present, keeping order
//   - Replaces every other array/slice wholesale when the later source sets it
//   - Preserves the last-loaded value for conflicts
//
// # Path Management
//
// The package provides XDG Base Directory Specification compliant path management
// through the Paths type:
//   - Data: ~/.local/share/loom (XDG_DATA_HOME)
//   - Config: ~/.config/loom (XDG_CONFIG_HOME)
//   - Cache: ~/.cache/loom (XDG_CACHE_HOME)
//   - State: ~/.local/state/loom (XDG_STATE_HOME)
//
// On Windows, these paths are adapted to use APPDATA as appropriate.
//
// # Environment Variable Overrides
//
// Several environment variables provide direct configuration overrides:
//   - LOOM_MODEL - Override the default model
//   - LOOM_SMALL_MODEL - Override the small model
//   - LOOM_CONFIG - Path to a specific config file
//   - LOOM_CONFIG_CONTENT - Inline JSON configuration
//   - ANTHROPIC_API_KEY, OPENAI_API_KEY, GOOGLE_API_KEY, AWS_ACCESS_KEY_ID -
//     API key for the matching provider when none is configured
//
// The global config directory follows XDG_CONFIG_HOME; there is no separate
// variable for it.
//
// # TypeScript Compatibility
//
// The configuration system maintains compatibility with the TypeScript implementation
// by supporting the ~/.loom directory structure and TypeScript-style provider
// configuration with Options objects.
//
// # Usage Example
//
//	// Load configuration from the current directory
//	cfg, err := config.Load(".")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Get standard paths
//	paths := config.GetPaths()
//	err = paths.EnsurePaths() // Create directories if they don't exist
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Save configuration
//	err = config.Save(cfg, config.GlobalConfigPath())
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// # Project Structure Discovery
//
// The configuration loader reads project configuration only from the .loom
// directory of the directory it is given. It does not walk up to parent
// directories and does not look for a Git repository root.
package config