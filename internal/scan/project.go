package scan

import (
	"sort"

	"github.com/fieldday/tripledger/internal/ledger"
)

// Observation is one student's presence at the checkpoint as shown to the
// operator. The method is the one of the earliest observation, a later
// duplicate never overwrites it.
type Observation struct {
	Student                ledger.StudentRecord
	Method                 ledger.ScanMethod
	FirstObservedAtSeconds int64
	LastObservedAtSeconds  int64
}

// Projection is the derived present/missing split of a checkpoint. Present is
// ordered by most recent observation first, missing by family name.
type Projection struct {
	Present []Observation
	Missing []ledger.StudentRecord
}

// project rebuilds the projection from scratch out of the full event list.
// Events are expected in ascending observation order; the first event seen
// for a student is its earliest.
func project(events []ledger.AttendanceEvent, students []ledger.StudentRecord) Projection {
	byStudent := make(map[string]ledger.StudentRecord, len(students))
	for _, student := range students {
		byStudent[student.StudentID] = student
	}

	observations := make(map[string]*Observation, len(events))
	for _, event := range events {
		existing, ok := observations[event.StudentID]
		if !ok {
			student, known := byStudent[event.StudentID]
			if !known {
				// Event for a student outside the cached roster, e.g. after a
				// bundle re-download shrank the trip. Kept in the ledger,
				// invisible to the projection.
				continue
			}
			observations[event.StudentID] = &Observation{
				Student:                student,
				Method:                 event.Method,
				FirstObservedAtSeconds: event.ObservedAtSeconds,
				LastObservedAtSeconds:  event.ObservedAtSeconds,
			}
			continue
		}
		if event.ObservedAtSeconds > existing.LastObservedAtSeconds {
			existing.LastObservedAtSeconds = event.ObservedAtSeconds
		}
	}

	present := make([]Observation, 0, len(observations))
	for _, observation := range observations {
		present = append(present, *observation)
	}
	sort.Slice(present, func(i, j int) bool {
		if present[i].LastObservedAtSeconds != present[j].LastObservedAtSeconds {
			return present[i].LastObservedAtSeconds > present[j].LastObservedAtSeconds
		}
		return present[i].Student.LastName < present[j].Student.LastName
	})

	missing := make([]ledger.StudentRecord, 0, len(students))
	for _, student := range students {
		if _, observed := observations[student.StudentID]; !observed {
			missing = append(missing, student)
		}
	}
	sort.Slice(missing, func(i, j int) bool {
		if missing[i].LastName != missing[j].LastName {
			return missing[i].LastName < missing[j].LastName
		}
		return missing[i].FirstName < missing[j].FirstName
	})

	return Projection{Present: present, Missing: missing}
}
