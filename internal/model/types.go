package model

import "time"

type Product struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Price       float64   `json:"price"`
	Category    string    `json:"category,omitempty"`
	Condition   string    `json:"condition,omitempty"`
	Location    string    `json:"location,omitempty"`
	Sold        bool      `json:"sold"`
	Views       int64     `json:"views"`
	CreatedAt   time.Time `json:"created_at"`
}

// ProductCounts summarises the catalogue by sale state.
type ProductCounts struct {
	Count     int64 `json:"count"`
	Available int64 `json:"available"`
	Sold      int64 `json:"sold"`
}

// ViewResult is what the view endpoint reports back to the client.
type ViewResult struct {
	Counted bool  `json:"counted"`
	Views   int64 `json:"views"`
}

type ViewEvent struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	ProductID string    `json:"product_id"`
	ClientID  string    `json:"client_id"`
	Views     int64     `json:"views"`
}

type ViewStats struct {
	ProductID  string    `json:"product_id"`
	Counted    int64     `json:"counted"`
	Suppressed int64     `json:"suppressed"`
	UpdatedAt  time.Time `json:"updated_at"`
}
