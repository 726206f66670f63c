package models

// APIResponse is the standard JSON envelope for all API responses.
type APIResponse struct {
	Data any   `json:"data"`
	Meta *Meta `json:"meta,omitempty"`
}

// Meta contains pagination metadata.
type Meta struct {
	Total int `json:"total,omitempty"`
	Page  int `json:"page,omitempty"`
	Limit int `json:"limit,omitempty"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// User is the public view of a user account.
type User struct {
	ID          int    `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

// GridInfo describes a registered grid to clients.
type GridInfo struct {
	Name                 string `json:"name"`
	Versioned            bool   `json:"versioned"`
	UpdateVersionedStage string `json:"update_versioned_stage,omitempty"`
	AppendToTop          bool   `json:"append_to_top"`
	PerPage              int    `json:"per_page"`
}

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Username string `json:"username" validate:"required,max=100"`
	Password string `json:"password" validate:"required"`
}

// LoginResponse is returned on successful login.
type LoginResponse struct {
	User      User   `json:"user"`
	CSRFToken string `json:"csrf_token"`
}

// CreateRecordRequest is the body of POST /api/v1/grids/{grid}/items.
type CreateRecordRequest struct {
	Name string `json:"name" validate:"required,max=255"`
	City string `json:"city" validate:"max=255"`
}

// SortRequest is the JSON form of a row sort.
type SortRequest struct {
	IDs []int64 `json:"ids" validate:"required,min=1,unique,dive,gt=0"`
}

// StateRequest registers a grid action state for the session.
type StateRequest struct {
	Action string         `json:"action" validate:"required,oneof=saveGridRowSort sortToPage"`
	Args   map[string]any `json:"args"`
}
