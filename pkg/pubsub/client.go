package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"github.com/angelmondragon/communitypay-backend/pkg/config"
	"github.com/angelmondragon/communitypay-backend/pkg/logger"
	"go.uber.org/multierr"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	ErrProjectIDRequired = errors.New("gcp project id is required")
	ErrTopicMissing      = errors.New("pubsub topic does not exist")
	errNoTopics          = errors.New("no pubsub topics configured")
)

// Client owns the Pub/Sub connection and one publisher per topic. Publishers
// are created lazily and stopped, with pending messages flushed, on Close.
type Client struct {
	client    *pubsub.Client
	projectID string
	topics    []string

	mu         sync.Mutex
	publishers map[string]*pubsub.Publisher
	closed     bool
}

// NewClient connects to Pub/Sub and verifies every configured topic exists.
func NewClient(ctx context.Context, gcp config.GCPConfig, cfg config.PubSubConfig, logg *logger.Logger) (*Client, error) {
	projectID := strings.TrimSpace(gcp.ProjectID)
	if projectID == "" {
		return nil, ErrProjectIDRequired
	}
	topics := configuredTopics(cfg)
	if len(topics) == 0 {
		return nil, errNoTopics
	}

	psClient, err := pubsub.NewClient(ctx, projectID, credentialOptions(gcp)...)
	if err != nil {
		return nil, fmt.Errorf("pubsub connect: %w", err)
	}

	c := &Client{
		client:     psClient,
		projectID:  projectID,
		topics:     topics,
		publishers: map[string]*pubsub.Publisher{},
	}
	if err := c.Ping(ctx); err != nil {
		_ = psClient.Close()
		return nil, err
	}

	if logg != nil {
		logg.Info(logg.WithFields(ctx, map[string]any{
			"project": projectID,
			"topics":  topics,
		}), "pubsub client ready")
	}
	return c, nil
}

func credentialOptions(gcp config.GCPConfig) []option.ClientOption {
	if raw := strings.TrimSpace(gcp.CredentialsJSON); raw != "" {
		return []option.ClientOption{option.WithCredentialsJSON([]byte(raw))}
	}
	if path := strings.TrimSpace(gcp.ApplicationCredentials); path != "" {
		return []option.ClientOption{option.WithCredentialsFile(path)}
	}
	return nil
}

func configuredTopics(cfg config.PubSubConfig) []string {
	var out []string
	if name := strings.TrimSpace(cfg.BillingTopic); name != "" {
		out = append(out, name)
	}
	return out
}

// Publisher returns the cached publisher for a topic id or full resource
// name. It returns nil when the name is blank or the client is closed.
func (c *Client) Publisher(name string) *pubsub.Publisher {
	if c == nil || c.client == nil {
		return nil
	}
	resource := TopicResourceName(c.projectID, name)
	if resource == "" {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	if pub, ok := c.publishers[resource]; ok {
		return pub
	}
	pub := c.client.Publisher(resource)
	c.publishers[resource] = pub
	return pub
}

// Ping checks that each configured topic is visible to the credentials.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.client == nil {
		return errors.New("pubsub client not initialized")
	}
	var errs error
	for _, topic := range c.topics {
		_, err := c.client.TopicAdminClient.GetTopic(ctx, &pubsubpb.GetTopicRequest{
			Topic: TopicResourceName(c.projectID, topic),
		})
		switch {
		case err == nil:
		case status.Code(err) == codes.NotFound:
			errs = multierr.Append(errs, fmt.Errorf("%w: %s", ErrTopicMissing, topic))
		default:
			errs = multierr.Append(errs, fmt.Errorf("get topic %s: %w", topic, err))
		}
	}
	return errs
}

// Close flushes and stops every publisher before closing the connection.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pubs := c.publishers
	c.publishers = nil
	c.mu.Unlock()

	for _, pub := range pubs {
		pub.Stop()
	}
	return c.client.Close()
}

// TopicResourceName expands a bare topic id into projects/<p>/topics/<id>.
// Names that are already fully qualified pass through.
func TopicResourceName(projectID, name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	if strings.HasPrefix(name, "projects/") && strings.Contains(name, "/topics/") {
		return name
	}
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return ""
	}
	return "projects/" + projectID + "/topics/" + name
}
