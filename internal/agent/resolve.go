package agent

import "github.com/avennor/ensemble/pkg/schema"

// CommanderRole is the reserved role name that always resolves to the
// definition's commander agent.
const CommanderRole = "commander"

// ResolveExecutor maps a step role to a concrete executor name. Resolution
// order: explicit role_map entry, commander override for the reserved
// "commander" role, then the role name itself when an executor is
// registered under it. Every path requires the resolved name to be present
// in the roster; otherwise a ROLE_RESOLUTION error is returned, which the
// step runner treats as non-retryable.
func ResolveExecutor(def *schema.WorkflowDefinition, role string, roster []string) (string, error) {
	known := make(map[string]bool, len(roster))
	for _, n := range roster {
		known[n] = true
	}

	if name, ok := def.RoleMap[role]; ok && name != "" {
		if !known[name] {
			return "", schema.NewErrorf(schema.ErrCodeRoleResolution,
				"role %q maps to executor %q which is not in the roster", role, name)
		}
		return name, nil
	}

	if role == CommanderRole && def.Commander != "" {
		if !known[def.Commander] {
			return "", schema.NewErrorf(schema.ErrCodeRoleResolution,
				"commander %q is not in the roster", def.Commander)
		}
		return def.Commander, nil
	}

	if known[role] {
		return role, nil
	}

	return "", schema.NewErrorf(schema.ErrCodeRoleResolution, "no executor mapped to role %q", role)
}
