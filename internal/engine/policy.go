package engine

import "sort"

// secretExactNames are env keys denied regardless of pattern.
var secretExactNames = map[string]struct{}{
	"REACH_ENCRYPTION_KEY": {},
}

var secretSuffixes = []string{"_TOKEN", "_SECRET", "_KEY", "_PASSWORD", "_CREDENTIAL"}

var secretPrefixes = []string{"AUTH", "COOKIE", "AWS_SECRET", "GH_TOKEN", "GITHUB_TOKEN", "NPM_TOKEN"}

// isSecretEnvKey reports whether k matches the secret pattern set. This
// scrubs environment keys only; it cannot and does not inspect argv or
// inputs.
func isSecretEnvKey(k string) bool {
	if _, ok := secretExactNames[k]; ok {
		return true
	}
	for _, suffix := range secretSuffixes {
		if hasSuffix(k, suffix) {
			return true
		}
	}
	for _, prefix := range secretPrefixes {
		if hasPrefix(k, prefix) {
			return true
		}
	}
	return false
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// assembleEnv runs in order: inject required env first, then walk the
// request's env applying denylist, secret scrubbing, then (in strict
// mode with a non-empty allowlist) the allowlist, keeping everything
// else.
func assembleEnv(requestEnv map[string]string, policy ExecPolicy) (EnvAssemblyReport, map[string]string) {
	filtered := make(map[string]string, len(requestEnv)+len(policy.RequiredEnv))

	denySet := toSet(policy.EnvDenylist)
	allowSet := toSet(policy.EnvAllowlist)

	var injected, allowed, denied []string

	for k, v := range policy.RequiredEnv {
		if _, present := requestEnv[k]; !present {
			filtered[k] = v
			injected = append(injected, k)
		}
	}

	for k, v := range requestEnv {
		if _, deny := denySet[k]; deny {
			denied = append(denied, k)
			continue
		}
		if isSecretEnvKey(k) {
			denied = append(denied, k)
			continue
		}
		if len(policy.EnvAllowlist) > 0 && policy.Mode == ModeStrict {
			if _, ok := allowSet[k]; !ok {
				denied = append(denied, k)
				continue
			}
		}
		filtered[k] = v
		allowed = append(allowed, k)
	}

	sort.Strings(injected)
	sort.Strings(allowed)
	sort.Strings(denied)

	return EnvAssemblyReport{
		AllowedKeys:          allowed,
		DeniedKeys:           denied,
		InjectedRequiredKeys: injected,
	}, filtered
}

func toSet(items []string) map[string]struct{} {
	m := make(map[string]struct{}, len(items))
	for _, it := range items {
		m[it] = struct{}{}
	}
	return m
}
