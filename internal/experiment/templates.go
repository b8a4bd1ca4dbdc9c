package experiment

import "github.com/synapse-lab/backend/internal/models"

// Template describes a technique preset of the experiment form.
type Template struct {
	Type        models.ExperimentType `json:"type" msgpack:"type"`
	Name        string                `json:"name" msgpack:"name"`
	Description string                `json:"description" msgpack:"description"`
	Fields      []string              `json:"fields" msgpack:"fields"`
}

var templates = []Template{
	{
		Type:        models.ExperimentTypeCV,
		Name:        "Cyclic Voltammetry",
		Description: "Standard CV experiment with potential sweeps",
		Fields:      []string{"Scan Rate", "Potential Range", "Cycles", "Working Electrode"},
	},
	{
		Type:        models.ExperimentTypeEIS,
		Name:        "Electrochemical Impedance",
		Description: "EIS measurement for impedance spectroscopy",
		Fields:      []string{"Frequency Range", "Amplitude", "DC Bias", "Number of Points"},
	},
	{
		Type:        models.ExperimentTypeChronoamperometry,
		Name:        "Chronoamperometry",
		Description: "Time-based current measurement at fixed potential",
		Fields:      []string{"Applied Potential", "Duration", "Sample Interval"},
	},
	{
		Type:        models.ExperimentTypeGITT,
		Name:        "GITT/PITT",
		Description: "Galvanostatic/Potentiostatic intermittent titration",
		Fields:      []string{"Current/Potential Pulse", "Pulse Duration", "Rest Time", "Cycles"},
	},
}

// Templates returns the technique presets. The slice is a copy.
func Templates() []Template {
	out := make([]Template, len(templates))
	copy(out, templates)
	return out
}
