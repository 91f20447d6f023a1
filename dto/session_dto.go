package dto

// ExtendSessionDTO defaults to 120 minutes when Minutes is omitted.
type ExtendSessionDTO struct {
	Minutes *int `json:"minutes"`
}

type SessionActivityDTO struct {
	PageViews        int64 `json:"pageViews" binding:"gte=0"`
	Actions          int64 `json:"actions" binding:"gte=0"`
	TimeSpentSeconds int64 `json:"timeSpentSeconds" binding:"gte=0"`
}

// WorkStateDTO fields are all optional; omitted ones keep their value.
type WorkStateDTO struct {
	Draft            map[string]any `json:"draft"`
	UIState          map[string]any `json:"uiState"`
	ProcessingStatus string         `json:"processingStatus" binding:"omitempty,oneof=idle processing ready failed"`
}
