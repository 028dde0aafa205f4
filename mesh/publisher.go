package mesh

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// SummaryMessage is the JSON payload published on <prefix>/summary.
type SummaryMessage struct {
	Build     BuildSummary `json:"build"`
	Threshold Threshold    `json:"threshold"`
	Branches  int          `json:"branches"`
	Trees     int          `json:"trees"`
	Markers   int          `json:"markers"`
	Timestamp int64        `json:"timestamp"`
}

// Publisher publishes consensus results to MQTT
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	last          *SummaryMessage
	mu            sync.RWMutex
}

// NewPublisher creates a new consensus publisher
// If client is nil, publishing is disabled (for testing)
func NewPublisher(client mqtt.Client, prefix string) *Publisher {
	if prefix == "" {
		prefix = "neuromesh"
	}

	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,
		retain:        true, // Retain so late subscribers get the latest consensus
	}
}

// PublishConsensus publishes the build summary and the consensus SWC.
func (p *Publisher) PublishConsensus(summary BuildSummary, cons *Consensus) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	msg := &SummaryMessage{
		Build:     summary,
		Threshold: cons.Threshold,
		Branches:  cons.Len(),
		Trees:     len(cons.Roots),
		Markers:   cons.MarkerCount(),
		Timestamp: time.Now().Unix(),
	}

	if err := p.publishSummary(msg); err != nil {
		log.Printf("Error publishing consensus summary: %v", err)
		return err
	}
	if err := p.publishSWC(cons); err != nil {
		log.Printf("Error publishing consensus SWC: %v", err)
		return err
	}

	p.mu.Lock()
	p.last = msg
	p.mu.Unlock()
	return nil
}

// publishSummary publishes the summary to <prefix>/summary
func (p *Publisher) publishSummary(msg *SummaryMessage) error {
	topic := fmt.Sprintf("%s/summary", p.publishPrefix)

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling summary: %w", err)
	}
	if err := p.publish(topic, payload); err != nil {
		return err
	}

	log.Printf("Published consensus summary: %d branches in %d trees (build %s)",
		msg.Branches, msg.Trees, msg.Build.BuildID)
	return nil
}

// publishSWC publishes the consensus as SWC text to <prefix>/consensus
func (p *Publisher) publishSWC(cons *Consensus) error {
	topic := fmt.Sprintf("%s/consensus", p.publishPrefix)

	var buf bytes.Buffer
	if err := WriteSWC(&buf, cons, NodeTypeBranchConfidence, cons.Threshold.Kind); err != nil {
		return fmt.Errorf("encoding consensus: %w", err)
	}
	return p.publish(topic, buf.Bytes())
}

func (p *Publisher) publish(topic string, payload []byte) error {
	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// LastSummary returns the last successfully published summary
func (p *Publisher) LastSummary() (*SummaryMessage, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.last == nil {
		return nil, false
	}
	msg := *p.last
	return &msg, true
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}
