package agent

// duplicateGuard detects repeated identical calls to expensive idempotent
// tools. Only tool kinds on the allow-list are guarded; cheap or
// side-effecting tools are left alone.
type duplicateGuard struct {
	kinds map[string]bool
}

func newDuplicateGuard(kinds []string) *duplicateGuard {
	g := &duplicateGuard{kinds: make(map[string]bool, len(kinds))}
	for _, k := range kinds {
		g.kinds[k] = true
	}
	return g
}

func (g *duplicateGuard) guarded(kind string) bool {
	return kind != "" && g.kinds[kind]
}

// isDuplicate reports whether an identical call to the same action has
// already succeeded earlier in the run.
func (g *duplicateGuard) isDuplicate(action string, args map[string]interface{}, trace []TraceEntry) bool {
	key := canonicalArgs(args)
	for _, entry := range trace {
		if entry.Action == action && entry.OK && canonicalArgs(entry.Arguments) == key {
			return true
		}
	}
	return false
}
