// Package sandbox runs a local SMART-enabled FHIR server with deterministic
// synthetic patients, for developing and testing the launch app without a
// real EHR.
package sandbox

import (
	"fmt"
	"math/rand"
	"time"

	r4 "github.com/samply/golang-fhir-models/fhir-models/fhir"
)

var (
	firstNamesMale = []string{
		"James", "Robert", "John", "Michael", "David", "William", "Richard",
		"Joseph", "Thomas", "Christopher", "Charles", "Daniel", "Matthew",
		"Anthony", "Mark", "Steven", "Paul", "Andrew", "Joshua", "Kevin",
	}
	firstNamesFemale = []string{
		"Mary", "Patricia", "Jennifer", "Linda", "Barbara", "Elizabeth",
		"Susan", "Jessica", "Sarah", "Karen", "Lisa", "Nancy", "Margaret",
		"Sandra", "Ashley", "Emily", "Michelle", "Amanda", "Melissa", "Laura",
	}
	lastNames = []string{
		"Smith", "Johnson", "Williams", "Brown", "Jones", "Garcia",
		"Miller", "Davis", "Rodriguez", "Martinez", "Hernandez", "Lopez",
		"Gonzalez", "Wilson", "Anderson", "Thomas", "Taylor", "Moore",
		"Jackson", "Martin", "Lee", "Perez", "Thompson", "White", "Harris",
	}

	streets = []string{
		"123 Main St", "456 Oak Ave", "789 Elm St", "321 Pine Rd",
		"654 Maple Dr", "987 Cedar Ln", "147 Birch Blvd", "258 Walnut Way",
	}
	cities = []string{
		"New York", "Los Angeles", "Chicago", "Houston", "Phoenix",
		"Philadelphia", "San Antonio", "San Diego", "Dallas", "Austin",
	}
	states = []string{
		"NY", "CA", "IL", "TX", "AZ", "PA", "FL", "OH", "NC", "GA",
	}
	zips = []string{
		"10001", "90001", "60601", "77001", "85001", "19101", "78201",
		"92101", "75201", "73301",
	}

	maritalStatuses = []string{"S", "M", "D", "W", "A"}
)

// DataGenerator produces deterministic synthetic Patient resources.
type DataGenerator struct {
	rng     *rand.Rand
	counter uint64
}

// NewDataGenerator returns a generator seeded for reproducibility. If seed is
// 0 a time-based seed is chosen.
func NewDataGenerator(seed int64) *DataGenerator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &DataGenerator{
		rng: rand.New(rand.NewSource(seed)),
	}
}

func (g *DataGenerator) nextID(prefix string) string {
	g.counter++
	return fmt.Sprintf("%s-%08x-%04x", prefix, g.rng.Uint32(), g.counter)
}

func (g *DataGenerator) pick(pool []string) string {
	return pool[g.rng.Intn(len(pool))]
}

func (g *DataGenerator) randomDate(minYear, maxYear int) string {
	y := minYear + g.rng.Intn(maxYear-minYear+1)
	m := 1 + g.rng.Intn(12)
	d := 1 + g.rng.Intn(28) // safe for all months
	return fmt.Sprintf("%04d-%02d-%02d", y, m, d)
}

func (g *DataGenerator) randomPhone() string {
	return fmt.Sprintf("(%03d) %03d-%04d",
		200+g.rng.Intn(800),
		200+g.rng.Intn(800),
		g.rng.Intn(10000),
	)
}

// GeneratePatient produces a FHIR Patient with an official name, gender,
// birth date, home address, phone, email and MRN.
func (g *DataGenerator) GeneratePatient() r4.Patient {
	gender := r4.AdministrativeGenderFemale
	firstName := ""
	if g.rng.Intn(2) == 0 {
		gender = r4.AdministrativeGenderMale
		firstName = g.pick(firstNamesMale)
	} else {
		firstName = g.pick(firstNamesFemale)
	}
	lastName := g.pick(lastNames)

	id := g.nextID("pat")
	birthDate := g.randomDate(1940, 2010)
	mrn := fmt.Sprintf("MRN-%08d", g.rng.Intn(100000000))

	nameUse := r4.NameUseOfficial
	addressUse := r4.AddressUseHome
	phone, email := r4.ContactPointSystemPhone, r4.ContactPointSystemEmail
	home := r4.ContactPointUseHome

	return r4.Patient{
		Id:     ptr(id),
		Active: ptr(true),
		Name: []r4.HumanName{{
			Use:    &nameUse,
			Family: ptr(lastName),
			Given:  []string{firstName},
		}},
		Gender:    &gender,
		BirthDate: ptr(birthDate),
		Address: []r4.Address{{
			Use:        &addressUse,
			Line:       []string{g.pick(streets)},
			City:       ptr(g.pick(cities)),
			State:      ptr(g.pick(states)),
			PostalCode: ptr(g.pick(zips)),
			Country:    ptr("US"),
		}},
		Telecom: []r4.ContactPoint{
			{System: &phone, Value: ptr(g.randomPhone()), Use: &home},
			{System: &email, Value: ptr(fmt.Sprintf("%s.%s@example.com", firstName, lastName)), Use: &home},
		},
		Identifier: []r4.Identifier{{
			Type: &r4.CodeableConcept{
				Coding: []r4.Coding{{
					System: ptr("http://terminology.hl7.org/CodeSystem/v2-0203"),
					Code:   ptr("MR"),
				}},
			},
			System: ptr("urn:oid:1.2.36.146.595.217.0.1"),
			Value:  ptr(mrn),
		}},
		MaritalStatus: &r4.CodeableConcept{
			Coding: []r4.Coding{{
				System: ptr("http://terminology.hl7.org/CodeSystem/v3-MaritalStatus"),
				Code:   ptr(g.pick(maritalStatuses)),
			}},
		},
	}
}

func ptr[T any](v T) *T {
	return &v
}
