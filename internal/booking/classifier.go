package booking

import (
	"fmt"
	"strings"
)

// Classify derives the booking scenario from the sorting backend's grouped
// assignment. The mapping is deterministic:
//
//   - exactly one group marked is_group: bundle, one appointment covering
//     all services;
//   - exactly one plain group: combined, one appointment for a single or
//     replacement service;
//   - two or more groups: separate, one appointment per group.
//
// The second return value is a human-readable reasoning string carried into
// the operator summary.
func Classify(groups []ServiceGroup) (Scenario, string) {
	switch {
	case len(groups) == 0:
		return ScenarioLegacy,
			"prenotazione servizio per servizio: nessun raggruppamento disponibile"
	case len(groups) >= 2:
		return ScenarioSeparate, fmt.Sprintf(
			"%d appuntamenti separati: %s",
			len(groups), strings.Join(groupNames(groups), "; "))
	case groups[0].IsGroup:
		return ScenarioBundle, fmt.Sprintf(
			"un unico appuntamento che raggruppa %s",
			strings.Join(serviceNames(groups[0].Services), ", "))
	default:
		return ScenarioCombined, fmt.Sprintf(
			"un unico appuntamento per %s",
			strings.Join(serviceNames(groups[0].Services), ", "))
	}
}

func serviceNames(services []HealthService) []string {
	names := make([]string, 0, len(services))
	for _, s := range services {
		names = append(names, s.Name)
	}
	return names
}

func groupNames(groups []ServiceGroup) []string {
	names := make([]string, 0, len(groups))
	for _, g := range groups {
		names = append(names, strings.Join(serviceNames(g.Services), " + "))
	}
	return names
}
