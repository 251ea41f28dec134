package vectordb

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// DimensionMismatchError is returned when embedding dimensions don't match collection dimensions
type DimensionMismatchError struct {
	Collection        string
	ExpectedDimension int
	ReceivedDimension int
}

func (e DimensionMismatchError) Error() string {
	return fmt.Sprintf("dimension mismatch for collection %s: expected %d, got %d; rebuild the index with the configured embedding model",
		e.Collection, e.ExpectedDimension, e.ReceivedDimension)
}

// GetCollectionInfo retrieves collection information from Qdrant. A missing
// collection returns nil info and a nil error.
func (c *Client) GetCollectionInfo(ctx context.Context) (*CollectionInfo, error) {
	resp, err := c.send(ctx, http.MethodGet, fmt.Sprintf("%s/collections/%s", c.base, c.cfg.Collection), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to get collection info: status %d", resp.StatusCode)
	}

	var result struct {
		Result struct {
			PointsCount int64 `json:"points_count"`
			Config      struct {
				Params struct {
					Vectors struct {
						Size     int    `json:"size"`
						Distance string `json:"distance"`
					} `json:"vectors"`
				} `json:"params"`
			} `json:"config"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &CollectionInfo{
		Name:        c.cfg.Collection,
		VectorSize:  result.Result.Config.Params.Vectors.Size,
		Distance:    result.Result.Config.Params.Vectors.Distance,
		PointsCount: result.Result.PointsCount,
	}, nil
}

// EnsureCollection creates the collection with cosine distance when missing
// and checks the vector size when present.
func (c *Client) EnsureCollection(ctx context.Context, dim int) error {
	info, err := c.GetCollectionInfo(ctx)
	if err != nil {
		return err
	}
	if info != nil {
		if info.VectorSize != dim {
			return DimensionMismatchError{Collection: c.cfg.Collection, ExpectedDimension: dim, ReceivedDimension: info.VectorSize}
		}
		c.log.Info("Collection dimension validated",
			zap.String("collection", c.cfg.Collection),
			zap.Int("dimension", dim))
		return nil
	}

	body, _ := json.Marshal(map[string]interface{}{
		"vectors": map[string]interface{}{"size": dim, "distance": "Cosine"},
	})
	resp, err := c.send(ctx, http.MethodPut, fmt.Sprintf("%s/collections/%s", c.base, c.cfg.Collection), body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("create collection %s: status %d", c.cfg.Collection, resp.StatusCode)
	}
	c.log.Info("Collection created", zap.String("collection", c.cfg.Collection), zap.Int("dimension", dim))
	return nil
}
