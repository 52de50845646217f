package permission

import "github.com/bmatcuk/doublestar/v4"

// Rule is a single (permission, pattern, action) entry in an ordered Ruleset.
// Pattern is a glob matched against the permission's operand string (a file
// path, a bash command line, a URL, ...).
type Rule struct {
	Permission string           `json:"permission"`
	Pattern    string           `json:"pattern"`
	Action     PermissionAction `json:"action"`
}

// Ruleset is an ordered list of rules. Evaluate returns the action of the
// first rule that matches; rule order therefore fully determines precedence
// and ties are impossible.
type Ruleset []Rule

// namedPermissions default to "ask" when nothing in the ruleset matches them.
// Everything else (a tool name that maps to itself) defaults to "allow".
var namedPermissions = map[string]bool{
	"edit":               true,
	"bash":               true,
	"webfetch":           true,
	"list":               true,
	"external_directory": true,
	"doom_loop":          true,
}

// MapToolName maps a tool's call name to the permission name that governs
// it, per spec: the edit family of tools (write/edit/multiedit/apply_patch/
// patch) all share the "edit" permission, "ls" shares "list", and every
// other tool is governed by a permission of its own name.
func MapToolName(tool string) string {
	switch tool {
	case "write", "edit", "multiedit", "apply_patch", "patch":
		return "edit"
	case "ls":
		return "list"
	default:
		return tool
	}
}

// Evaluate scans rules in declaration order and returns the action of the
// first rule whose Permission equals the tool's mapped permission name and
// whose Pattern glob-matches operand. Absence of a match defaults to "ask"
// for the named permissions above, and "allow" for any other tool (one
// mapped to itself, i.e. not one of the hardcoded special cases).
func Evaluate(rules Ruleset, toolName, operand string) PermissionAction {
	mapped := MapToolName(toolName)
	for _, r := range rules {
		if r.Permission != mapped {
			continue
		}
		if matchGlob(r.Pattern, operand) {
			return r.Action
		}
	}
	if namedPermissions[mapped] {
		return ActionAsk
	}
	return ActionAllow
}

// EvaluateAll evaluates every operand against rules and returns the most
// restrictive action found (deny over ask over allow). Used for compound
// bash commands, where each segmented sub-command is an operand of its own:
// "ls && rm -rf /" is only as permitted as its most dangerous segment.
func EvaluateAll(rules Ruleset, toolName string, operands []string) PermissionAction {
	if len(operands) == 0 {
		return Evaluate(rules, toolName, "")
	}
	strictest := ActionAllow
	for _, op := range operands {
		switch Evaluate(rules, toolName, op) {
		case ActionDeny:
			return ActionDeny
		case ActionAsk:
			strictest = ActionAsk
		}
	}
	return strictest
}

func matchGlob(pattern, operand string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	matched, err := doublestar.Match(pattern, operand)
	if err != nil {
		return pattern == operand
	}
	return matched
}

// Compose concatenates rulesets in precedence order: user-supplied rules
// first, then an agent's own built-in defaults appended after them (so a
// user override always wins, and the agent's defaults only apply when the
// user hasn't said anything about that (permission, pattern) pair).
func Compose(rulesets ...Ruleset) Ruleset {
	var total int
	for _, rs := range rulesets {
		total += len(rs)
	}
	out := make(Ruleset, 0, total)
	for _, rs := range rulesets {
		out = append(out, rs...)
	}
	return out
}
