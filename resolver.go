package cascade

import (
	"fmt"
	"sort"
	"strings"
)

// resolveWaves levels the dependency graph into ordered waves: each wave
// contains checks whose dependency groups are all satisfiable by earlier
// waves. A pipe group "a|b" is satisfied once any member is placed.
//
// targets selects the checks to run (nil or empty means all); the
// transitive dependency closure of the targets is always included so
// their inputs exist. Waves are id-sorted for determinism.
func resolveWaves(cfg *Config, targets []string) ([][]string, error) {
	selected, err := selectChecks(cfg, targets)
	if err != nil {
		return nil, err
	}

	placed := make(map[string]int, len(selected)) // id -> wave index
	var waves [][]string

	remaining := make([]string, 0, len(selected))
	for id := range selected {
		remaining = append(remaining, id)
	}
	sort.Strings(remaining)

	for len(remaining) > 0 {
		var wave, rest []string
		for _, id := range remaining {
			if groupsSatisfied(cfg.Checks[id], selected, placed) {
				wave = append(wave, id)
			} else {
				rest = append(rest, id)
			}
		}
		if len(wave) == 0 {
			return nil, &ErrConfig{
				Path:    "checks",
				Message: fmt.Sprintf("dependency cycle involving %s", strings.Join(rest, ", ")),
			}
		}
		for _, id := range wave {
			placed[id] = len(waves)
		}
		waves = append(waves, wave)
		remaining = rest
	}
	return waves, nil
}

// groupsSatisfied reports whether every dependency group of check has at
// least one member already placed. Group members outside the selected
// set are ignored; a group with no selected members at all counts as
// satisfied (its producers are simply not part of this run).
func groupsSatisfied(check *Check, selected map[string]bool, placed map[string]int) bool {
	for _, group := range check.depGroups() {
		inRun := false
		satisfied := false
		for _, dep := range group {
			if !selected[dep] {
				continue
			}
			inRun = true
			if _, ok := placed[dep]; ok {
				satisfied = true
				break
			}
		}
		if inRun && !satisfied {
			return false
		}
	}
	return true
}

// selectChecks resolves the requested target set to the full set of
// check ids to run: the targets plus their transitive dependencies.
func selectChecks(cfg *Config, targets []string) (map[string]bool, error) {
	selected := make(map[string]bool, len(cfg.Checks))
	if len(targets) == 0 {
		for id := range cfg.Checks {
			selected[id] = true
		}
		return selected, nil
	}

	var visit func(id string) error
	visit = func(id string) error {
		if selected[id] {
			return nil
		}
		check, ok := cfg.Checks[id]
		if !ok {
			return &ErrConfig{Path: "targets", Message: fmt.Sprintf("unknown check %q", id)}
		}
		selected[id] = true
		for _, group := range check.depGroups() {
			for _, dep := range group {
				if _, ok := cfg.Checks[dep]; ok {
					if err := visit(dep); err != nil {
						return err
					}
				}
			}
		}
		return nil
	}
	for _, id := range targets {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return selected, nil
}

// Plan resolves the execution waves for the given targets without
// running anything. Tooling uses it to preview ordering; it fails the
// same way a run would on cycles or unknown targets.
func Plan(cfg *Config, targets []string) ([][]string, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return resolveWaves(cfg, targets)
}

// waveIndex maps each check id to the wave it is planned in.
func waveIndex(waves [][]string) map[string]int {
	idx := make(map[string]int)
	for i, wave := range waves {
		for _, id := range wave {
			idx[id] = i
		}
	}
	return idx
}
