package gbapi

import (
	"fmt"
	"strings"

	"gbmm/internal/config"
)

// Client builds upstream URLs and dispatches them through the shared
// Requester.
type Client struct {
	requester *Requester
	cfg       *config.Config
}

func NewClient(requester *Requester, cfg *config.Config) *Client {
	return &Client{requester: requester, cfg: cfg}
}

func (c *Client) baseURL() string {
	base := c.cfg.API.BaseURL
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base
}

func (c *Client) apiKeyParam() string {
	return config.APIKeyField + "=" + c.cfg.APIKey()
}

// Select starts a collection query for the given kind.
func (c *Client) Select(kind *Kind) *ResourceSelect {
	return &ResourceSelect{client: c, kind: kind, priority: PriorityNormal}
}

// GetOne fetches a single entity by kind and id.
func (c *Client) GetOne(kind *Kind, id int64) (Record, error) {
	return c.GetByGUID(kind.GUID(id))
}

// GetByGUID fetches a single entity by its guid.
func (c *Client) GetByGUID(guid string) (Record, error) {
	kind, _, err := ParseGUID(guid)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s%s/%s/?%s", c.baseURL(), kind.ItemName, guid, c.apiKeyParam())
	env, err := c.requester.Request(url, PriorityNormal)
	if err != nil {
		return nil, err
	}
	if env.StatusCode != 1 {
		return nil, fmt.Errorf("upstream error %d: %s", env.StatusCode, env.Error)
	}
	return env.DecodeOne(kind)
}
