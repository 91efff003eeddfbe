package model

import "time"

// LayerVisit holds observations for a laying-hen farm
type LayerVisit struct {
	FlockSize            int     `yaml:"flockSize" json:"FlockSize" validate:"gte=0"`
	BirdAgeWeeks         int     `yaml:"birdAgeWeeks" json:"BirdAgeWeeks" validate:"gte=0"`
	Mortality            int     `yaml:"mortality" json:"Mortality" validate:"gte=0"`
	EggProductionPercent float64 `yaml:"eggProductionPercent" json:"EggProductionPercent" validate:"gte=0,lte=100"`
	FeedIntakeGrams      float64 `yaml:"feedIntakeGrams" json:"FeedIntakeGrams" validate:"gte=0"`
	WaterIntakeLitres    float64 `yaml:"waterIntakeLitres" json:"WaterIntakeLitres" validate:"gte=0"`
	BiosecurityScore     int     `yaml:"biosecurityScore" json:"BiosecurityScore" validate:"gte=0,lte=10"`
	Observations         string  `yaml:"observations,omitempty" json:"Observations,omitempty"`
}

// DairyVisit holds observations for a dairy farm
type DairyVisit struct {
	HerdSize           int     `yaml:"herdSize" json:"HerdSize" validate:"gte=0"`
	MilkingCows        int     `yaml:"milkingCows" json:"MilkingCows" validate:"gte=0,ltefield=HerdSize"`
	MilkYieldLitres    float64 `yaml:"milkYieldLitres" json:"MilkYieldLitres" validate:"gte=0"`
	BodyConditionScore float64 `yaml:"bodyConditionScore,omitempty" json:"BodyConditionScore" validate:"omitempty,gte=1,lte=5"`
	MastitisCases      int     `yaml:"mastitisCases" json:"MastitisCases" validate:"gte=0"`
	FeedType           string  `yaml:"feedType,omitempty" json:"FeedType,omitempty"`
	Observations       string  `yaml:"observations,omitempty" json:"Observations,omitempty"`
}

// DetailRecord is the farm-type-specific form attached 1:1 to a visit once filled.
// Exactly one of Layer or Dairy is set, matching FarmType.
type DetailRecord struct {
	DetailID        string      `json:"DetailID"`
	ScheduleID      string      `json:"ScheduleID"`
	FarmType        FarmType    `json:"FarmType"`
	Location        *Location   `json:"Location,omitempty"`
	Layer           *LayerVisit `json:"Layer,omitempty"`
	Dairy           *DairyVisit `json:"Dairy,omitempty"`
	Recommendations string      `json:"Recommendations,omitempty"`
	CreatedAt       time.Time   `json:"CreatedAt"`
	UpdatedAt       time.Time   `json:"UpdatedAt"`
}

// IsEmpty reports whether the record carries no form data at all
func (d *DetailRecord) IsEmpty() bool {
	if d == nil {
		return true
	}
	return d.DetailID == "" && d.Layer == nil && d.Dairy == nil && d.Recommendations == ""
}

// FilledForm is the read-side view of a filled visit: the schedule and its detail form
type FilledForm struct {
	Schedule *Visit        `json:"schedule,omitempty"`
	Form     *DetailRecord `json:"form,omitempty"`
}

// Present reports whether the response carries evidence of a filled form
func (f FilledForm) Present() bool {
	return !f.Form.IsEmpty() || f.Schedule != nil
}

// Clone returns a copy that shares no pointers with d
func (d DetailRecord) Clone() DetailRecord {
	out := d
	if d.Location != nil {
		loc := *d.Location
		out.Location = &loc
	}
	if d.Layer != nil {
		layer := *d.Layer
		out.Layer = &layer
	}
	if d.Dairy != nil {
		dairy := *d.Dairy
		out.Dairy = &dairy
	}
	return out
}
