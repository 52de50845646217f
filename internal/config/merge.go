package config

import "github.com/loomcode/loom/pkg/types"

// Merge implements the full deep-merge contract: scalars in b overwrite the
// corresponding field in a when set; map-valued fields (provider, agent,
// mcp, tools, command, formatter, promptVariables) merge recursively key by
// key rather than replacing the whole map; "instructions" and "plugin"
// string vectors append b's entries that aren't already present, keeping
// a's order and then b's; every other vector (whitelist, blacklist,
// ignore, extensions, command args, ...) is replaced wholesale when b sets
// it. Merge never mutates a or b and is idempotent:
// Merge(Merge(a, b), b) == Merge(a, b).
func Merge(a, b types.Config) types.Config {
	result := a

	if b.Schema != "" {
		result.Schema = b.Schema
	}
	if b.Username != "" {
		result.Username = b.Username
	}
	if b.Model != "" {
		result.Model = b.Model
	}
	if b.SmallModel != "" {
		result.SmallModel = b.SmallModel
	}
	if b.Theme != "" {
		result.Theme = b.Theme
	}
	if b.Share != "" {
		result.Share = b.Share
	}

	result.Tools = mergeBoolMap(a.Tools, b.Tools)
	result.PromptVariables = mergeStringValueMap(a.PromptVariables, b.PromptVariables)
	result.Provider = mergeProviderMap(a.Provider, b.Provider)
	result.Agent = mergeAgentMap(a.Agent, b.Agent)
	result.Command = mergeCommandMap(a.Command, b.Command)
	result.MCP = mergeMCPMap(a.MCP, b.MCP)
	result.Formatter = mergeFormatterMap(a.Formatter, b.Formatter)

	result.Instructions = appendUniqueKeepOrder(a.Instructions, b.Instructions)
	result.Plugin = appendUniqueKeepOrder(a.Plugin, b.Plugin)

	if b.Permission != nil {
		result.Permission = mergePermissionPtr(a.Permission, b.Permission)
	}
	if b.LSP != nil {
		result.LSP = b.LSP
	}
	if b.Watcher != nil {
		result.Watcher = b.Watcher
	}
	if b.Experimental != nil {
		result.Experimental = b.Experimental
	}

	return result
}

func appendUniqueKeepOrder(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(a)+len(b))
	merged := make([]string, 0, len(a)+len(b))
	for _, v := range a {
		if !seen[v] {
			seen[v] = true
			merged = append(merged, v)
		}
	}
	for _, v := range b {
		if !seen[v] {
			seen[v] = true
			merged = append(merged, v)
		}
	}
	return merged
}

func mergeBoolMap(a, b map[string]bool) map[string]bool {
	if a == nil && b == nil {
		return nil
	}
	result := make(map[string]bool, len(a)+len(b))
	for k, v := range a {
		result[k] = v
	}
	for k, v := range b {
		result[k] = v
	}
	return result
}

func mergeStringValueMap(a, b map[string]string) map[string]string {
	if a == nil && b == nil {
		return nil
	}
	result := make(map[string]string, len(a)+len(b))
	for k, v := range a {
		result[k] = v
	}
	for k, v := range b {
		result[k] = v
	}
	return result
}

func mergeProviderMap(a, b map[string]types.ProviderConfig) map[string]types.ProviderConfig {
	if a == nil && b == nil {
		return nil
	}
	result := make(map[string]types.ProviderConfig, len(a)+len(b))
	for k, v := range a {
		result[k] = v
	}
	for k, v := range b {
		if existing, ok := result[k]; ok {
			result[k] = mergeProviderConfig(existing, v)
		} else {
			result[k] = v
		}
	}
	return result
}

func mergeProviderConfig(a, b types.ProviderConfig) types.ProviderConfig {
	result := a
	if b.APIKey != "" {
		result.APIKey = b.APIKey
	}
	if b.BaseURL != "" {
		result.BaseURL = b.BaseURL
	}
	if b.Model != "" {
		result.Model = b.Model
	}
	if b.Npm != "" {
		result.Npm = b.Npm
	}
	if b.Options != nil {
		if a.Options != nil {
			merged := *a.Options
			if b.Options.APIKey != "" {
				merged.APIKey = b.Options.APIKey
			}
			if b.Options.BaseURL != "" {
				merged.BaseURL = b.Options.BaseURL
			}
			if b.Options.EnterpriseURL != "" {
				merged.EnterpriseURL = b.Options.EnterpriseURL
			}
			if b.Options.Timeout != nil {
				merged.Timeout = b.Options.Timeout
			}
			result.Options = &merged
		} else {
			result.Options = b.Options
		}
	}
	if b.Models != nil {
		merged := make(map[string]types.ProviderModelConfig, len(a.Models)+len(b.Models))
		for k, v := range a.Models {
			merged[k] = v
		}
		for k, v := range b.Models {
			merged[k] = v
		}
		result.Models = merged
	}
	if b.Whitelist != nil {
		result.Whitelist = b.Whitelist
	}
	if b.Blacklist != nil {
		result.Blacklist = b.Blacklist
	}
	result.Disable = result.Disable || b.Disable
	return result
}

func mergeAgentMap(a, b map[string]types.AgentConfig) map[string]types.AgentConfig {
	if a == nil && b == nil {
		return nil
	}
	result := make(map[string]types.AgentConfig, len(a)+len(b))
	for k, v := range a {
		result[k] = v
	}
	for k, v := range b {
		if existing, ok := result[k]; ok {
			result[k] = mergeAgentConfig(existing, v)
		} else {
			result[k] = v
		}
	}
	return result
}

func mergeAgentConfig(a, b types.AgentConfig) types.AgentConfig {
	result := a
	if b.Model != "" {
		result.Model = b.Model
	}
	if b.Temperature != nil {
		result.Temperature = b.Temperature
	}
	if b.TopP != nil {
		result.TopP = b.TopP
	}
	if b.Prompt != "" {
		result.Prompt = b.Prompt
	}
	result.Tools = mergeBoolMap(a.Tools, b.Tools)
	if b.Permission != nil {
		result.Permission = mergePermissionPtr(a.Permission, b.Permission)
	}
	if b.Description != "" {
		result.Description = b.Description
	}
	if b.Mode != "" {
		result.Mode = b.Mode
	}
	if b.Color != "" {
		result.Color = b.Color
	}
	result.Disable = result.Disable || b.Disable
	return result
}

func mergePermissionPtr(a, b *types.PermissionConfig) *types.PermissionConfig {
	if b == nil {
		return a
	}
	if a == nil {
		return b
	}
	merged := *a
	if b.Edit != "" {
		merged.Edit = b.Edit
	}
	if b.Bash != nil {
		merged.Bash = b.Bash
	}
	if b.WebFetch != "" {
		merged.WebFetch = b.WebFetch
	}
	if b.ExternalDir != "" {
		merged.ExternalDir = b.ExternalDir
	}
	if b.DoomLoop != "" {
		merged.DoomLoop = b.DoomLoop
	}
	return &merged
}

func mergeCommandMap(a, b map[string]types.CommandConfig) map[string]types.CommandConfig {
	if a == nil && b == nil {
		return nil
	}
	result := make(map[string]types.CommandConfig, len(a)+len(b))
	for k, v := range a {
		result[k] = v
	}
	for k, v := range b {
		result[k] = v
	}
	return result
}

func mergeMCPMap(a, b map[string]types.MCPConfig) map[string]types.MCPConfig {
	if a == nil && b == nil {
		return nil
	}
	result := make(map[string]types.MCPConfig, len(a)+len(b))
	for k, v := range a {
		result[k] = v
	}
	for k, v := range b {
		result[k] = v
	}
	return result
}

func mergeFormatterMap(a, b map[string]types.FormatterConfig) map[string]types.FormatterConfig {
	if a == nil && b == nil {
		return nil
	}
	result := make(map[string]types.FormatterConfig, len(a)+len(b))
	for k, v := range a {
		result[k] = v
	}
	for k, v := range b {
		result[k] = v
	}
	return result
}
