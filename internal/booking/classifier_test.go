package booking_test

import (
	"strings"
	"testing"

	"github.com/taliaworks/pipecat-bridge/internal/booking"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	rx := booking.HealthService{UUID: "u1", Name: "RX Caviglia Destra"}
	eco := booking.HealthService{UUID: "u2", Name: "Ecografia Addome Completo"}

	tests := []struct {
		name         string
		groups       []booking.ServiceGroup
		wantScenario booking.Scenario
		wantMention  string
	}{
		{
			name:         "no groups is legacy",
			groups:       nil,
			wantScenario: booking.ScenarioLegacy,
			wantMention:  "servizio per servizio",
		},
		{
			name: "single grouped entry is bundle",
			groups: []booking.ServiceGroup{
				{Services: []booking.HealthService{rx, eco}, IsGroup: true},
			},
			wantScenario: booking.ScenarioBundle,
			wantMention:  "RX Caviglia Destra",
		},
		{
			name: "single plain entry is combined",
			groups: []booking.ServiceGroup{
				{Services: []booking.HealthService{rx}},
			},
			wantScenario: booking.ScenarioCombined,
			wantMention:  "RX Caviglia Destra",
		},
		{
			name: "two groups are separate",
			groups: []booking.ServiceGroup{
				{Services: []booking.HealthService{rx}},
				{Services: []booking.HealthService{eco}},
			},
			wantScenario: booking.ScenarioSeparate,
			wantMention:  "2 appuntamenti",
		},
		{
			name: "grouped flag irrelevant with two groups",
			groups: []booking.ServiceGroup{
				{Services: []booking.HealthService{rx}, IsGroup: true},
				{Services: []booking.HealthService{eco}, IsGroup: true},
			},
			wantScenario: booking.ScenarioSeparate,
			wantMention:  "Ecografia Addome Completo",
		},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			scenario, reasoning := booking.Classify(tc.groups)
			if scenario != tc.wantScenario {
				t.Errorf("scenario = %s, want %s", scenario, tc.wantScenario)
			}
			if !strings.Contains(reasoning, tc.wantMention) {
				t.Errorf("reasoning %q does not mention %q", reasoning, tc.wantMention)
			}
		})
	}
}
