package adminapi

import (
	"encoding/json"

	"adminchat/internal/models"
)

// envelope wraps every admin backend response
type envelope struct {
	Success *bool           `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	// the legacy history route returns messages beside data
	Messages json.RawMessage `json:"messages"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Admin is the signed-in administrator
type Admin struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// LoginResult carries the bearer token used by REST and the realtime session
type LoginResult struct {
	Token string `json:"token"`
	Admin Admin  `json:"admin"`
}

// UserQuery filters the user directory
type UserQuery struct {
	Search    string `json:"search"`
	SortBy    string `json:"sortBy,omitempty"`
	SortOrder int    `json:"sortOrder,omitempty"`
}

// User is one entry of the user directory
type User struct {
	ID         string          `json:"_id"`
	Username   string          `json:"username"`
	Email      string          `json:"email"`
	Avatar     string          `json:"avatar,omitempty"`
	Role       string          `json:"role,omitempty"`
	Verified   bool            `json:"xacMinhDanhTinh"`
	Disabled   bool            `json:"vohieuhoa"`
	IsOnline   bool            `json:"isOnline"`
	LastActive models.FlexTime `json:"lastActive"`
}

type userPage struct {
	Users []User `json:"users"`
}

// Tally is a total with the count added over the last seven days
type Tally struct {
	Total int `json:"total"`
	New   int `json:"new"`
}

// DashboardStats summarises the platform
type DashboardStats struct {
	Users Tally `json:"users"`
	Posts struct {
		Tally
		Feeds       Tally `json:"feeds"`
		TravelPosts Tally `json:"travelPosts"`
	} `json:"posts"`
	LastUpdated models.FlexTime `json:"lastUpdated"`
}

// Report statuses accepted by UpdateReportStatus
const (
	ReportPending   = "pending"
	ReportReviewing = "reviewing"
	ReportResolved  = "resolved"
	ReportRejected  = "rejected"
)

var reportStatuses = map[string]bool{
	ReportPending:   true,
	ReportReviewing: true,
	ReportResolved:  true,
	ReportRejected:  true,
}

// Report is a moderation report filed by a user
type Report struct {
	ID       string `json:"_id"`
	ItemType string `json:"itemType"`
	ItemID   string `json:"itemId,omitempty"`
	Reason   string `json:"reason"`
	Status   string `json:"status"`
	Reporter struct {
		ID       string `json:"_id"`
		Username string `json:"username"`
		Email    string `json:"email"`
	} `json:"reporter"`
	CreatedAt models.FlexTime `json:"createdAt"`
}

type reportUpdate struct {
	Status string `json:"status"`
}
