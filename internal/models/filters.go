package models

// RunFilter represents filter parameters for querying pipeline runs
type RunFilter struct {
	Dataset  string `form:"dataset"`
	Stage    string `form:"stage"`  // match, aggregate, qaqc
	Status   string `form:"status"` // running, completed, failed
	Page     int    `form:"page"`
	PageSize int    `form:"pageSize"`
}

// RunsResponse represents a paginated response of pipeline runs
type RunsResponse struct {
	Data       []PipelineRun `json:"data"`
	Total      int64         `json:"total"`
	Page       int           `json:"page"`
	PageSize   int           `json:"pageSize"`
	TotalPages int           `json:"totalPages"`
}
