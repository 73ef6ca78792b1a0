// Package booking models the clinic booking domain and the backend boundary
// used to turn a finished conversation into an actual appointment: service
// sorting, slot search and reservation, patient directory lookup, and the
// final booking commit.
package booking

import (
	"strings"
)

// Sector classifies catalog entries in the backend's taxonomy.
type Sector string

// Known sectors.
const (
	SectorHealthServices    Sector = "health_services"
	SectorPrescriptions     Sector = "prescriptions"
	SectorPreliminaryVisits Sector = "preliminary_visits"
	SectorOptionals         Sector = "optionals"
	SectorOpinions          Sector = "opinions"
)

// IsValid reports whether s is a known sector.
func (s Sector) IsValid() bool {
	switch s {
	case SectorHealthServices, SectorPrescriptions, SectorPreliminaryVisits,
		SectorOptionals, SectorOpinions:
		return true
	}
	return false
}

// Scenario describes how the selected services map onto appointments.
type Scenario string

// Booking scenarios.
const (
	// ScenarioLegacy maps selected services one-to-one onto reserved slots.
	ScenarioLegacy Scenario = "legacy"
	// ScenarioBundle books all services into one grouped appointment.
	ScenarioBundle Scenario = "bundle"
	// ScenarioCombined books a single (possibly replacement) service into
	// one appointment.
	ScenarioCombined Scenario = "combined"
	// ScenarioSeparate books one appointment per service group.
	ScenarioSeparate Scenario = "separate"
)

// IsValid reports whether s is a known scenario.
func (s Scenario) IsValid() bool {
	switch s {
	case ScenarioLegacy, ScenarioBundle, ScenarioCombined, ScenarioSeparate:
		return true
	}
	return false
}

// Grouped reports whether the scenario carries sorting groups, which changes
// how services are mapped to slots at commit time.
func (s Scenario) Grouped() bool {
	switch s {
	case ScenarioBundle, ScenarioCombined, ScenarioSeparate:
		return true
	}
	return false
}

// HealthService is one bookable service as the backend knows it. Immutable.
type HealthService struct {
	UUID     string   `json:"uuid"`
	Name     string   `json:"name"`
	Code     string   `json:"code"`
	Synonyms []string `json:"synonyms,omitempty"`
	Sector   Sector   `json:"sector,omitempty"`
}

// HealthCenter is a clinic location. Immutable.
type HealthCenter struct {
	UUID     string `json:"uuid"`
	Name     string `json:"name"`
	Address  string `json:"address"`
	City     string `json:"city"`
	District string `json:"district"`
	Phone    string `json:"phone"`
	Region   string `json:"region"`
}

// ServiceGroup is the sorting backend's assignment of services that share a
// single appointment.
type ServiceGroup struct {
	Services []HealthService `json:"services"`
	IsGroup  bool            `json:"is_group"`
}

// Slot is one availability option returned by the slot search.
type Slot struct {
	UUID       string  `json:"uuid"`
	StartTime  string  `json:"start_time"`
	EndTime    string  `json:"end_time"`
	Price      float64 `json:"price"`
	CenterUUID string  `json:"center_uuid,omitempty"`
}

// SlotReservation is a held slot, ephemeral until the final commit. Times
// are UTC ISO-8601 strings exactly as the backend reports them.
type SlotReservation struct {
	SlotUUID       string          `json:"slot_uuid"`
	ServiceName    string          `json:"service_name"`
	StartTime      string          `json:"start_time"`
	EndTime        string          `json:"end_time"`
	Price          float64         `json:"price"`
	HealthServices []HealthService `json:"health_services,omitempty"`
}

// Patient is a directory record.
type Patient struct {
	UUID    string `json:"uuid"`
	Name    string `json:"name"`
	Surname string `json:"surname"`
	Email   string `json:"email,omitempty"`
	Phone   string `json:"phone"`
	DOB     string `json:"dob"`
	Gender  string `json:"gender"`
}

// PatientPayload is the patient section of a booking commit. Exactly one of
// the two forms is populated: a bare UUID for directory patients, or the
// full detail set for new ones.
type PatientPayload struct {
	UUID    string `json:"uuid,omitempty"`
	Name    string `json:"name,omitempty"`
	Surname string `json:"surname,omitempty"`
	Email   string `json:"email,omitempty"`
	Phone   string `json:"phone,omitempty"`
	DOB     string `json:"dob,omitempty"`
	Gender  string `json:"gender,omitempty"`
}

// ExistingPatientPayload builds the commit payload for a patient already in
// the directory: the UUID alone.
func ExistingPatientPayload(uuid string) PatientPayload {
	return PatientPayload{UUID: uuid}
}

// NewPatientPayload builds the commit payload for a patient not yet in the
// directory. The backend expects the textual fields uppercased.
func NewPatientPayload(p Patient) PatientPayload {
	return PatientPayload{
		Name:    strings.ToUpper(p.Name),
		Surname: strings.ToUpper(p.Surname),
		Email:   strings.ToUpper(p.Email),
		Phone:   p.Phone,
		DOB:     p.DOB,
		Gender:  strings.ToUpper(p.Gender),
	}
}

// NormalizePhone brings an Italian phone number into +39 E.164-like form.
// Separators are stripped; numbers already carrying a non-Italian country
// prefix are kept as dialled.
func NormalizePhone(raw string) string {
	var b strings.Builder
	for i, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		} else if r == '+' && i == 0 {
			b.WriteRune(r)
		}
	}
	n := b.String()

	switch {
	case n == "":
		return ""
	case strings.HasPrefix(n, "+39"):
		return n
	case strings.HasPrefix(n, "+"):
		return n
	case strings.HasPrefix(n, "0039"):
		return "+39" + n[4:]
	case strings.HasPrefix(n, "39") && len(n) >= 11:
		// National number with the country code already spelled out.
		return "+" + n
	default:
		return "+39" + n
	}
}
