package store

import "time"

type Client struct {
	ID        string
	Email     string
	BrandName string
	CreatedAt time.Time
}

type Deal struct {
	ID              string
	ClientID        string
	ClientEmail     string
	ClientBrand     string
	ThreadID        string
	Subject         string
	Status          string
	DraftReply      string
	OurReplySentAt  *time.Time
	ClientRepliedAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Message struct {
	ID        int64
	DealID    string
	Direction string
	Subject   string
	Body      string
	FromEmail string
	ToEmail   string
	CreatedAt time.Time
}

// NewDeal carries the fields fixed at deal creation.
type NewDeal struct {
	ClientID   string
	ThreadID   string
	Subject    string
	Status     string
	DraftReply string
}
