package fhir

import (
	"strings"

	r4 "github.com/samply/golang-fhir-models/fhir-models/fhir"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Demographics is the display form of a Patient.
type Demographics struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Gender    string `json:"gender"`
	BirthDate string `json:"birthDate"`
}

// PatientDemographics extracts the first given name and family name of the
// patient's first name entry, a title-cased gender and the birth date.
// Missing gender becomes "Unknown" and a missing birth date "unknown".
func PatientDemographics(p *r4.Patient) Demographics {
	d := Demographics{
		Gender:    "Unknown",
		BirthDate: "unknown",
	}
	if p == nil {
		return d
	}
	if p.Id != nil {
		d.ID = *p.Id
	}

	if len(p.Name) > 0 {
		name := p.Name[0]
		var given, family string
		if len(name.Given) > 0 {
			given = name.Given[0]
		}
		if name.Family != nil {
			family = *name.Family
		}
		d.Name = strings.TrimSpace(given + " " + family)
	}

	if p.Gender != nil {
		if code := p.Gender.Code(); code != "" {
			d.Gender = cases.Title(language.English).String(code)
		}
	}

	if p.BirthDate != nil && *p.BirthDate != "" {
		d.BirthDate = *p.BirthDate
	}
	return d
}
