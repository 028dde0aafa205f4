package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// RebuildRequest asks the service to re-extract the consensus. A nil
// Threshold keeps the configured one.
type RebuildRequest struct {
	Threshold *float64 `json:"threshold,omitempty"`
}

// RebuildHandler is called when a message arrives on <prefix>/rebuild
type RebuildHandler func(req RebuildRequest)

// MQTTClient manages the MQTT connection used to publish consensus results
// and receive rebuild requests.
type MQTTClient struct {
	client         mqtt.Client
	config         MQTTConfig
	rebuildHandler RebuildHandler
	isConnected    bool
	mu             sync.RWMutex
}

// InitMQTT creates the MQTT client and starts connecting in the background.
// If no broker is configured, MQTT is disabled and this returns nil.
func InitMQTT(ctx context.Context, config *Config, handler RebuildHandler) (*MQTTClient, error) {
	if config == nil || config.MQTT.Broker == "" {
		log.Println("MQTT disabled: no broker configured")
		return nil, nil
	}
	if config.MQTT.PublishPrefix == "" {
		return nil, fmt.Errorf("MQTT enabled but no publish prefix configured")
	}

	client := &MQTTClient{
		config:         config.MQTT,
		rebuildHandler: handler,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.MQTT.Broker)

	clientID := config.MQTT.ClientID
	if clientID == "" {
		clientID = "neuromesh"
	}
	opts.SetClientID(clientID)

	if config.MQTT.Username != "" {
		opts.SetUsername(config.MQTT.Username)
		opts.SetPassword(config.MQTT.Password)
	}

	// Connection settings
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false)
	opts.SetOrderMatters(false)

	// Callbacks
	opts.SetOnConnectHandler(client.onConnect)
	opts.SetConnectionLostHandler(client.onConnectionLost)
	opts.SetReconnectingHandler(client.onReconnecting)

	client.client = mqtt.NewClient(opts)

	go client.connectWithRetry(ctx)

	return client, nil
}

// connectWithRetry attempts to connect to the MQTT broker with exponential
// backoff until it succeeds or ctx is done.
func (c *MQTTClient) connectWithRetry(ctx context.Context) {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		log.Println("Connecting to MQTT broker...")

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				log.Println("Successfully connected to MQTT broker")
				c.setConnected(true)
				return
			}
			log.Printf("MQTT connection failed: %v", token.Error())
		} else {
			log.Println("MQTT connection timeout")
		}

		log.Printf("Retrying MQTT connection in %v...", retryDelay)
		select {
		case <-ctx.Done():
			log.Println("MQTT connect cancelled")
			return
		case <-time.After(retryDelay):
		}
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// RebuildTopic is the topic rebuild requests are read from.
func (c *MQTTClient) RebuildTopic() string {
	return fmt.Sprintf("%s/rebuild", c.config.PublishPrefix)
}

// onConnect is called when the MQTT connection is established
func (c *MQTTClient) onConnect(client mqtt.Client) {
	c.setConnected(true)

	topic := c.RebuildTopic()
	log.Printf("MQTT connected, subscribing to %s", topic)
	token := client.Subscribe(topic, 0, c.createRebuildHandler())
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		log.Printf("Error subscribing to %s: %v", topic, token.Error())
	} else {
		log.Printf("Successfully subscribed to %s", topic)
	}
}

// onConnectionLost is called when the MQTT connection is lost
// Auto-reconnect is enabled, so this is typically a transient event
func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	log.Printf("MQTT connection interrupted (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

// onReconnecting is called when the client attempts to reconnect
func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	log.Println("MQTT reconnecting...")
}

// createRebuildHandler decodes rebuild requests. The payload may be empty,
// a JSON object {"threshold": 0.5} or a bare number.
func (c *MQTTClient) createRebuildHandler() mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		req, err := ParseRebuildRequest(msg.Payload())
		if err != nil {
			log.Printf("Ignoring rebuild request on %s: %v", msg.Topic(), err)
			return
		}
		handler := c.getRebuildHandler()
		if handler != nil {
			handler(req)
		}
	}
}

// ParseRebuildRequest decodes a rebuild payload.
func ParseRebuildRequest(payload []byte) (RebuildRequest, error) {
	var req RebuildRequest
	raw := strings.TrimSpace(string(payload))
	if raw == "" {
		return req, nil
	}
	if strings.HasPrefix(raw, "{") {
		if err := json.Unmarshal([]byte(raw), &req); err != nil {
			return req, fmt.Errorf("decoding rebuild request: %w", err)
		}
	} else {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return req, fmt.Errorf("decoding rebuild threshold: %w", err)
		}
		req.Threshold = &v
	}
	if req.Threshold != nil && *req.Threshold < 0 {
		return req, fmt.Errorf("negative threshold %g", *req.Threshold)
	}
	return req, nil
}

// SetRebuildHandler replaces the rebuild callback
func (c *MQTTClient) SetRebuildHandler(handler RebuildHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rebuildHandler = handler
}

func (c *MQTTClient) getRebuildHandler() RebuildHandler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rebuildHandler
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

// setConnected updates the connection status
func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect gracefully closes the MQTT connection
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		log.Println("Disconnecting from MQTT broker...")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// GetClient returns the underlying MQTT client for publishing
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}

// newMQTTClientWithMock creates an MQTTClient with a provided mqtt.Client
// This is used for testing with mock clients
func newMQTTClientWithMock(client mqtt.Client, config MQTTConfig, handler RebuildHandler) *MQTTClient {
	return &MQTTClient{
		client:         client,
		config:         config,
		rebuildHandler: handler,
	}
}
