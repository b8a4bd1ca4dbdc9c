package models

import "time"

// ExperimentType is the technique tag of an experiment.
type ExperimentType string

const (
	ExperimentTypeCV                ExperimentType = "cv"
	ExperimentTypeEIS               ExperimentType = "eis"
	ExperimentTypeChronoamperometry ExperimentType = "chronoamperometry"
	ExperimentTypeGITT              ExperimentType = "gitt"
	ExperimentTypeCustom            ExperimentType = "custom"
)

// ExperimentTypes lists every accepted type tag.
var ExperimentTypes = []ExperimentType{
	ExperimentTypeCV,
	ExperimentTypeEIS,
	ExperimentTypeChronoamperometry,
	ExperimentTypeGITT,
	ExperimentTypeCustom,
}

// Valid reports whether t is one of ExperimentTypes.
func (t ExperimentType) Valid() bool {
	for _, known := range ExperimentTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ExperimentStatus is the lifecycle tag of an experiment.
type ExperimentStatus string

const (
	ExperimentStatusDraft     ExperimentStatus = "draft"
	ExperimentStatusActive    ExperimentStatus = "active"
	ExperimentStatusCompleted ExperimentStatus = "completed"
	ExperimentStatusArchived  ExperimentStatus = "archived"
)

// Conditions holds the free-text measurement conditions entered with an experiment.
type Conditions struct {
	Sample      string `json:"sample,omitempty" msgpack:"sample,omitempty"`
	Electrolyte string `json:"electrolyte,omitempty" msgpack:"electrolyte,omitempty"`
	Electrode   string `json:"electrode,omitempty" msgpack:"electrode,omitempty"`
	Temperature string `json:"temperature,omitempty" msgpack:"temperature,omitempty"`
	Notes       string `json:"notes,omitempty" msgpack:"notes,omitempty"`
}

// Experiment is a logical research experiment entry.
type Experiment struct {
	ID          string           `json:"id" msgpack:"id"`
	Title       string           `json:"title" msgpack:"title"`
	Description string           `json:"description" msgpack:"description"`
	Type        ExperimentType   `json:"type" msgpack:"type"`
	Status      ExperimentStatus `json:"status" msgpack:"status"`
	Conditions  Conditions       `json:"conditions" msgpack:"conditions"`
	OwnerID     string           `json:"ownerId,omitempty" msgpack:"ownerId,omitempty"`
	CreatedAt   time.Time        `json:"createdAt" msgpack:"createdAt"`
}
