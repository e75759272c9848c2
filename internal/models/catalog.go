package models

type Site struct {
	SiteID string `json:"site_id"`
	Name   string `json:"name"`
}

type Service struct {
	ServiceID string `json:"service_id"`
	SiteID    string `json:"site_id"`
	Name      string `json:"name"`
	Code      string `json:"code"`
	Active    bool   `json:"active"`
}

type Priority struct {
	PriorityID string `json:"priority_id"`
	Name       string `json:"name"`
	Level      int    `json:"level"`
}

type Cubicle struct {
	CubicleID   string   `json:"cubicle_id"`
	SiteID      string   `json:"site_id"`
	Label       string   `json:"label"`
	AttendantID *string  `json:"attendant_id,omitempty"`
	ServiceIDs  []string `json:"service_ids,omitempty"`
}

func (c Cubicle) Bound() bool {
	return c.AttendantID != nil && *c.AttendantID != ""
}

type PauseReason struct {
	ReasonID string `json:"reason_id"`
	Name     string `json:"name"`
}

type CancelReason struct {
	ReasonID string `json:"reason_id"`
	Name     string `json:"name"`
}
