package vectordb

import "time"

// Config controls Qdrant client behavior
type Config struct {
	Host string
	Port int
	// BaseURL overrides Host and Port when set.
	BaseURL    string
	Collection string
	Timeout    time.Duration
}

// Point is one search hit.
type Point struct {
	ID      interface{}            `json:"id"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
}

// UpsertItem represents a single point to insert into Qdrant
type UpsertItem struct {
	ID      interface{}            `json:"id,omitempty"`
	Vector  []float32              `json:"vector"`
	Payload map[string]interface{} `json:"payload"`
}

// UpsertResponse captures basic Qdrant upsert response
type UpsertResponse struct {
	Status string  `json:"status"`
	Time   float64 `json:"time"`
}

// CollectionInfo holds basic information about a Qdrant collection
type CollectionInfo struct {
	Name        string
	VectorSize  int
	Distance    string
	PointsCount int64
}
